package authproviders

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"agenthub/internal/docker"
	"agenthub/internal/model"
)

// ChatGPTAccountAdapter realizes OAuth account login by running
// `codex login [--device-auth]` inside a disposable container and
// scanning its combined output for the login URL / device code.
type ChatGPTAccountAdapter struct {
	docker    docker.IClient
	loginImage string
	codexHome  string

	mu       sync.Mutex
	sessions map[string]*model.OAuthLoginSession
}

func NewChatGPTAccountAdapter(dc docker.IClient, loginImage, codexHome string) *ChatGPTAccountAdapter {
	return &ChatGPTAccountAdapter{
		docker:     dc,
		loginImage: loginImage,
		codexHome:  codexHome,
		sessions:   map[string]*model.OAuthLoginSession{},
	}
}

var (
	reLoginURL  = regexp.MustCompile(`https://(auth\.openai\.com|auth\.chatgpt\.com|chatgpt\.com)[^\s"']*redirect_uri=http://localhost[^\s"']*`)
	reDeviceCode = regexp.MustCompile(`\b([A-Z0-9]{4}-[A-Z0-9]{5})\b`)
)

// Start launches the login container and returns the new session,
// scanning its startup output for a login URL or device code.
func (a *ChatGPTAccountAdapter) Start(ctx context.Context, sessionID string, deviceAuth bool) (*model.OAuthLoginSession, error) {
	sess := &model.OAuthLoginSession{
		ID:            sessionID,
		ContainerName: "agent-hub-login-" + sessionID,
		Method:        model.LoginMethodBrowserCallback,
		Status:        model.LoginStarting,
		StartedAt:     time.Now(),
	}
	if deviceAuth {
		sess.Method = model.LoginMethodDeviceAuth
		sess.Status = model.LoginWaitingForDeviceCode
	}

	cmd := []string{"codex", "login"}
	if deviceAuth {
		cmd = append(cmd, "--device-auth")
	}

	containerID, err := a.docker.RunContainer(ctx, a.loginImage, a.codexHome, nil, nil, "")
	if err != nil {
		sess.Status = model.LoginFailed
		sess.Error = err.Error()
		a.store(sess)
		return sess, err
	}
	sess.ContainerName = containerID
	sess.Status = model.LoginRunning

	out, err := a.docker.Exec(ctx, containerID, cmd)
	a.scanOutput(sess, out)
	if err != nil {
		sess.LogTail = appendTail(sess.LogTail, err.Error())
	}

	a.store(sess)
	return sess, nil
}

// scanOutput inspects combined login-container output for a login URL
// or device code and advances the session's status accordingly.
func (a *ChatGPTAccountAdapter) scanOutput(sess *model.OAuthLoginSession, output string) {
	output = stripANSI(output)
	for _, line := range strings.Split(output, "\n") {
		sess.LogTail = appendTail(sess.LogTail, line)
		if m := reLoginURL.FindString(line); m != "" {
			sess.LoginURL = m
			if sess.Status == model.LoginRunning {
				sess.Status = model.LoginWaitingForBrowser
			}
		}
		if m := reDeviceCode.FindStringSubmatch(line); len(m) == 2 {
			sess.DeviceCode = m[1]
			if sess.Method == model.LoginMethodDeviceAuth {
				sess.Status = model.LoginWaitingForDeviceCode
			}
		}
	}
}

const logTailCap = 200

func appendTail(tail []string, line string) []string {
	if strings.TrimSpace(line) == "" {
		return tail
	}
	tail = append(tail, line)
	if len(tail) > logTailCap {
		tail = tail[len(tail)-logTailCap:]
	}
	return tail
}

var reANSI = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return reANSI.ReplaceAllString(s, "")
}

// Finish marks the session complete based on whether auth.json reflects
// a successful chatgpt-account login, and records the container's exit
// code.
func (a *ChatGPTAccountAdapter) Finish(sess *model.OAuthLoginSession, exitCode int) error {
	sess.ExitCode = &exitCode
	now := time.Now()
	sess.CompletedAt = &now

	authPath := filepath.Join(a.codexHome, "auth.json")
	raw, err := os.ReadFile(authPath)
	if err != nil {
		sess.Status = model.LoginFailed
		sess.Error = "auth.json not found after login"
		a.store(sess)
		return nil
	}

	var auth struct {
		AuthMode     string `json:"auth_mode"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		sess.Status = model.LoginFailed
		sess.Error = "auth.json is not valid JSON"
		a.store(sess)
		return nil
	}

	if auth.AuthMode == "chatgpt" && auth.RefreshToken != "" {
		sess.Status = model.LoginConnected
	} else {
		sess.Status = model.LoginFailed
		sess.Error = "auth.json does not reflect a chatgpt account login"
	}
	a.store(sess)
	return nil
}

func (a *ChatGPTAccountAdapter) store(sess *model.OAuthLoginSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[sess.ID] = sess
}

// Session returns the current state of a login session, or false if
// unknown.
func (a *ChatGPTAccountAdapter) Session(id string) (*model.OAuthLoginSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	return s, ok
}

// Connected reports whether codexHome's auth.json currently reflects a
// connected ChatGPT account login, for callers (the title generator)
// that only need a yes/no answer, not a login session.
func (a *ChatGPTAccountAdapter) Connected() bool {
	raw, err := os.ReadFile(filepath.Join(a.codexHome, "auth.json"))
	if err != nil {
		return false
	}
	var auth struct {
		AuthMode     string `json:"auth_mode"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return false
	}
	return auth.AuthMode == "chatgpt" && auth.RefreshToken != ""
}

// CodexHome returns the codex home directory this adapter logs into, for
// callers (the title generator's account-mode backend) that need to
// point a fresh `codex exec` invocation at the same credentials.
func (a *ChatGPTAccountAdapter) CodexHome() string {
	return a.codexHome
}

// Cancel marks a session cancelled and stops its container.
func (a *ChatGPTAccountAdapter) Cancel(ctx context.Context, id string) error {
	a.mu.Lock()
	sess, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such login session: %s", id)
	}
	sess.Status = model.LoginCancelled
	return a.docker.StopContainer(ctx, sess.ContainerName, 4)
}
