package git

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Client wraps the git CLI for the operations the build pipeline and
// credential broker need: cloning/syncing a project workspace and probing
// remote reachability under a materialized credential file.
type Client struct{}

// NewClient creates a new Git client.
func NewClient() *Client {
	return &Client{}
}

// maskingWriter wraps an io.Writer and masks credential material that git
// may echo back in clone/fetch error output (basic-auth URLs).
type maskingWriter struct {
	w io.Writer
}

var (
	reGitHubPAT = regexp.MustCompile(`https://[^@:]+@github\.com`)
	reBasicAuth = regexp.MustCompile(`https://[^:/]+:[^@/]+@`)
)

func (mw *maskingWriter) Write(p []byte) (n int, err error) {
	s := string(p)
	s = reGitHubPAT.ReplaceAllString(s, "https://[REDACTED]@github.com")
	s = reBasicAuth.ReplaceAllString(s, "https://[REDACTED]@")
	_, err = mw.w.Write([]byte(s))
	return len(p), err
}

func (c *Client) run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true"), env...)
	cmd.Stdout = &maskingWriter{w: &outBuf}
	cmd.Stderr = &maskingWriter{w: &errBuf}

	err := cmd.Run()
	if err != nil {
		return outBuf.String(), fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(errBuf.String()))
	}
	return outBuf.String(), nil
}

// Clone clones a repository into a destination directory using the given
// credential environment (GIT_CONFIG_* pairs from the credential broker).
func (c *Client) Clone(ctx context.Context, url, dest string, env []string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()
	_, err := c.run(cloneCtx, "", env, "clone", url, dest)
	return err
}

// Fetch fetches a single ref from the remote.
func (c *Client) Fetch(ctx context.Context, dir, remote, branch string, env []string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	_, err := c.run(fetchCtx, dir, env, "fetch", remote, branch)
	return err
}

// ResetHard hard-syncs the working tree to <remote>/<branch> after fetching it.
func (c *Client) ResetHard(ctx context.Context, dir, remote, branch string, env []string) error {
	if err := c.Fetch(ctx, dir, remote, branch, env); err != nil {
		return fmt.Errorf("fetch failed during hard sync: %w", err)
	}
	_, err := c.run(ctx, dir, env, "reset", "--hard", "FETCH_HEAD")
	return err
}

// RemoteDefaultBranch resolves the remote's symbolic HEAD (e.g. "main"),
// used when a project does not pin its own default_branch.
func (c *Client) RemoteDefaultBranch(ctx context.Context, dir, remote string, env []string) (string, error) {
	out, err := c.run(ctx, dir, env, "ls-remote", "--symref", remote, "HEAD")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "ref: ") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "ref: "))
		if len(fields) == 0 {
			continue
		}
		return strings.TrimPrefix(fields[0], "refs/heads/"), nil
	}
	return "", fmt.Errorf("could not determine remote default branch for %s", remote)
}

// LsRemoteProbe runs `git ls-remote --exit-code <repo> HEAD` under the given
// credential environment, returning whether the remote is reachable with
// those credentials. A non-zero git exit code (auth failure, unreachable
// host) is reported as ok=false, not an error — only a failure to invoke
// git itself is an error.
func (c *Client) LsRemoteProbe(ctx context.Context, repoURL string, env []string) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, "git", "ls-remote", "--exit-code", repoURL, "HEAD")
	cmd.Env = append(append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true"), env...)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if ok := errorsAsExitError(err, &exitErr); ok {
		return false, nil
	}
	return false, fmt.Errorf("failed to invoke git ls-remote: %w", err)
}

func errorsAsExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// CurrentCommitSHA returns the checked-out commit SHA, recorded on the
// project as repo_head_sha after a successful build sync.
func (c *Client) CurrentCommitSHA(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RepoExists reports whether dir already holds a git working tree, letting
// the build pipeline reuse an existing clone instead of re-cloning.
func (c *Client) RepoExists(dir string) bool {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false
	}
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	return cmd.Run() == nil
}

// Config sets a repository-local git configuration value.
func (c *Client) Config(dir, key, value string) error {
	_, err := c.run(context.Background(), dir, nil, "config", key, value)
	return err
}
