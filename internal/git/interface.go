package git

import "context"

// GitClient is the subset of git operations the build pipeline and
// credential broker depend on, letting both be tested without a real git
// binary.
type GitClient interface {
	Clone(ctx context.Context, repoURL, directory string, env []string) error
	Fetch(ctx context.Context, dir, remote, branch string, env []string) error
	ResetHard(ctx context.Context, dir, remote, branch string, env []string) error
	RemoteDefaultBranch(ctx context.Context, dir, remote string, env []string) (string, error)
	LsRemoteProbe(ctx context.Context, repoURL string, env []string) (bool, error)
	CurrentCommitSHA(ctx context.Context, dir string) (string, error)
	RepoExists(dir string) bool
	Config(dir, key, value string) error
}

var _ GitClient = (*Client)(nil)
