package git

import "context"

// MockGitClient is a function-field based fake of GitClient for testing
// components that depend on git without invoking the real binary.
type MockGitClient struct {
	CloneFunc               func(ctx context.Context, repoURL, directory string, env []string) error
	FetchFunc               func(ctx context.Context, dir, remote, branch string, env []string) error
	ResetHardFunc           func(ctx context.Context, dir, remote, branch string, env []string) error
	RemoteDefaultBranchFunc func(ctx context.Context, dir, remote string, env []string) (string, error)
	LsRemoteProbeFunc       func(ctx context.Context, repoURL string, env []string) (bool, error)
	CurrentCommitSHAFunc    func(ctx context.Context, dir string) (string, error)
	RepoExistsFunc          func(dir string) bool
	ConfigFunc              func(dir, key, value string) error
}

func (m *MockGitClient) Clone(ctx context.Context, repoURL, directory string, env []string) error {
	if m.CloneFunc != nil {
		return m.CloneFunc(ctx, repoURL, directory, env)
	}
	return nil
}

func (m *MockGitClient) Fetch(ctx context.Context, dir, remote, branch string, env []string) error {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, dir, remote, branch, env)
	}
	return nil
}

func (m *MockGitClient) ResetHard(ctx context.Context, dir, remote, branch string, env []string) error {
	if m.ResetHardFunc != nil {
		return m.ResetHardFunc(ctx, dir, remote, branch, env)
	}
	return nil
}

func (m *MockGitClient) RemoteDefaultBranch(ctx context.Context, dir, remote string, env []string) (string, error) {
	if m.RemoteDefaultBranchFunc != nil {
		return m.RemoteDefaultBranchFunc(ctx, dir, remote, env)
	}
	return "main", nil
}

func (m *MockGitClient) LsRemoteProbe(ctx context.Context, repoURL string, env []string) (bool, error) {
	if m.LsRemoteProbeFunc != nil {
		return m.LsRemoteProbeFunc(ctx, repoURL, env)
	}
	return true, nil
}

func (m *MockGitClient) CurrentCommitSHA(ctx context.Context, dir string) (string, error) {
	if m.CurrentCommitSHAFunc != nil {
		return m.CurrentCommitSHAFunc(ctx, dir)
	}
	return "deadbeef", nil
}

func (m *MockGitClient) RepoExists(dir string) bool {
	if m.RepoExistsFunc != nil {
		return m.RepoExistsFunc(dir)
	}
	return false
}

func (m *MockGitClient) Config(dir, key, value string) error {
	if m.ConfigFunc != nil {
		return m.ConfigFunc(dir, key, value)
	}
	return nil
}
