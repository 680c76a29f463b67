// Package tokens issues and validates the bearer tokens and ready-ack
// GUIDs every launched chat or ephemeral agent_tools session uses to
// call back into the hub, per §4.8. Only hashes of live tokens are ever
// persisted; plaintext lives in memory and in the launched process
// environment.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/apierr"
	"agenthub/internal/model"
	"agenthub/internal/state"
)

const tokenBytes = 24

// ChatTokens is the plaintext bundle issued on a chat (re)start. It is
// never persisted; only the hashes on the chat record are.
type ChatTokens struct {
	AgentToolsToken      string
	ArtifactPublishToken string
	ReadyAckGUID         string
}

// Broker mints and validates tokens for both persisted chats and
// in-memory ephemeral agent_tools sessions.
type Broker struct {
	store *state.Store

	mu       sync.Mutex
	sessions map[string]*model.SessionRecord
}

func NewBroker(store *state.Store) *Broker {
	return &Broker{store: store, sessions: map[string]*model.SessionRecord{}}
}

func newToken() (plaintext, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", apierr.Config("generating token: %v", err)
	}
	plaintext = hex.EncodeToString(buf)
	return plaintext, hashToken(plaintext), nil
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func validateHash(storedHash, presented string) bool {
	if storedHash == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(hashToken(presented))) == 1
}

// IssueForChat mints a fresh agent_tools token, artifact publish token,
// and ready-ack GUID for chatID, persists their hashes (and the raw
// GUID, which is not secret) on the chat record, and returns the
// plaintext bundle for the launcher to inject.
func (b *Broker) IssueForChat(ctx context.Context, chatID string) (ChatTokens, error) {
	agentToolsPlain, agentToolsHash, err := newToken()
	if err != nil {
		return ChatTokens{}, err
	}
	artifactPlain, artifactHash, err := newToken()
	if err != nil {
		return ChatTokens{}, err
	}
	guid := uuid.NewString()

	_, err = b.store.Mutate(ctx, "tokens_issued", func(s model.State) (model.State, error) {
		c, ok := s.Chats[chatID]
		if !ok {
			return s, apierr.NotFound("chat %q not found", chatID)
		}
		c.AgentToolsTokenHash = agentToolsHash
		c.ArtifactPublishTokenHash = artifactHash
		c.ReadyAckGUID = guid
		c.ReadyAckStage = ""
		c.ReadyAckAt = nil
		s.Chats[chatID] = c
		return s, nil
	})
	if err != nil {
		return ChatTokens{}, err
	}

	return ChatTokens{
		AgentToolsToken:      agentToolsPlain,
		ArtifactPublishToken: artifactPlain,
		ReadyAckGUID:         guid,
	}, nil
}

// IssueAgentToolsToken satisfies launch.TokenIssuer: it issues the full
// chat token bundle but returns only the agent_tools token, since that
// is the only one the launch compiler's MCP config needs embedded.
func (b *Broker) IssueAgentToolsToken(chatID string) (string, error) {
	bundle, err := b.IssueForChat(context.Background(), chatID)
	if err != nil {
		return "", err
	}
	return bundle.AgentToolsToken, nil
}

// ClearForChat rotates out a chat's tokens on exit, close, or delete, so
// a stale plaintext can no longer authenticate even if leaked.
func (b *Broker) ClearForChat(ctx context.Context, chatID string) error {
	_, err := b.store.Mutate(ctx, "tokens_cleared", func(s model.State) (model.State, error) {
		c, ok := s.Chats[chatID]
		if !ok {
			return s, nil
		}
		c.AgentToolsTokenHash = ""
		c.ArtifactPublishTokenHash = ""
		c.ReadyAckGUID = ""
		c.ReadyAckStage = ""
		c.ReadyAckAt = nil
		s.Chats[chatID] = c
		return s, nil
	})
	return err
}

// ValidateAgentToolsToken reports whether presented matches chatID's
// current agent_tools token, by constant-time hash comparison.
func (b *Broker) ValidateAgentToolsToken(chatID, presented string) bool {
	c, ok := b.store.Load().Chats[chatID]
	if !ok {
		return false
	}
	return validateHash(c.AgentToolsTokenHash, presented)
}

// ValidateArtifactPublishToken reports whether presented matches
// chatID's current artifact publish token.
func (b *Broker) ValidateArtifactPublishToken(chatID, presented string) bool {
	c, ok := b.store.Load().Chats[chatID]
	if !ok {
		return false
	}
	return validateHash(c.ArtifactPublishTokenHash, presented)
}

// validStages are the only ready_ack_stage values an ack may report.
var validStages = map[model.ReadyAckStage]bool{
	model.StageContainerBootstrapped: true,
	model.StageAgentProcessStarted:   true,
}

// Ack validates and records a ready-ack. A GUID mismatch, an unknown
// stage, or a chat with no pending GUID is a BadRequest (400), per §4.8.
func (b *Broker) Ack(ctx context.Context, chatID, guid string, stage model.ReadyAckStage) error {
	if !validStages[stage] {
		return apierr.BadRequest("unrecognized ready_ack stage %q", stage)
	}
	c, ok := b.store.Load().Chats[chatID]
	if !ok {
		return apierr.NotFound("chat %q not found", chatID)
	}
	if c.ReadyAckGUID == "" || guid != c.ReadyAckGUID {
		return apierr.BadRequest("ready_ack guid does not match the chat's current GUID")
	}

	_, err := b.store.Mutate(ctx, "ready_ack", func(s model.State) (model.State, error) {
		cur := s.Chats[chatID]
		if cur.ReadyAckGUID != guid {
			return s, apierr.BadRequest("ready_ack guid does not match the chat's current GUID")
		}
		now := time.Now()
		cur.ReadyAckStage = stage
		cur.ReadyAckAt = &now
		s.Chats[chatID] = cur
		return s, nil
	})
	return err
}

// NewSession creates an ephemeral, non-persisted agent_tools session
// (for auto-configure and similar one-shot work) with its own token
// bundle, indexed by a server-assigned session id.
func (b *Broker) NewSession(projectID, repoURL string, binding model.CredentialBinding) (*model.SessionRecord, string, error) {
	plain, hash, err := newToken()
	if err != nil {
		return nil, "", err
	}
	sess := &model.SessionRecord{
		ID:                uuid.NewString(),
		ProjectID:         projectID,
		RepoURL:           repoURL,
		CredentialBinding: binding,
		TokenHash:         hash,
		ReadyAckGUID:      uuid.NewString(),
	}

	b.mu.Lock()
	b.sessions[sess.ID] = sess
	b.mu.Unlock()

	return sess, plain, nil
}

// Session returns the ephemeral session by id, if still live.
func (b *Broker) Session(id string) (*model.SessionRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

// ValidateSessionToken reports whether presented matches the session's
// token.
func (b *Broker) ValidateSessionToken(id, presented string) bool {
	b.mu.Lock()
	s, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return validateHash(s.TokenHash, presented)
}

// AckSession validates and records a ready-ack for an ephemeral session,
// mirroring Ack's GUID/stage validation but against the in-memory
// session record rather than the persisted chat.
func (b *Broker) AckSession(id, guid string, stage model.ReadyAckStage) error {
	if !validStages[stage] {
		return apierr.BadRequest("unrecognized ready_ack stage %q", stage)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return apierr.NotFound("session %q not found", id)
	}
	if s.ReadyAckGUID == "" || guid != s.ReadyAckGUID {
		return apierr.BadRequest("ready_ack guid does not match the session's current GUID")
	}
	now := time.Now()
	s.ReadyAckStage = stage
	s.ReadyAckAt = &now
	return nil
}

// CloseSession discards an ephemeral session and its in-memory token.
func (b *Broker) CloseSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
}

// Sessions returns every currently live session record, for reconcile sweeps.
func (b *Broker) Sessions() []*model.SessionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*model.SessionRecord, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}
