package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/google/uuid"
)

const tokenPrefix = "agt_"

// Terminal is the default terminal address stored for an agent. Zero values
// leave resolution to the agent's local configuration.
type Terminal struct {
	Host     string
	Port     int
	Password string
}

// Agent is a registered terminal agent.
type Agent struct {
	ID              uuid.UUID
	Name            string
	TokenHash       string
	Terminal        Terminal
	LastHeartbeatAt *time.Time
	LastTerminalOK  bool
	SoftwareVersion string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewAgent registers an agent and returns it with its plaintext bearer token.
// Only the hash is kept on the agent; the token cannot be recovered later.
func NewAgent(name string, terminal Terminal) (*Agent, string, error) {
	if name == "" {
		return nil, "", errors.NewValidationError("name", "cannot be empty")
	}
	if terminal.Port < 0 || terminal.Port > 65535 {
		return nil, "", errors.NewValidationError("terminal.port", "must be between 0 and 65535")
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	return &Agent{
		ID:        uuid.New(),
		Name:      name,
		TokenHash: HashToken(token),
		Terminal:  terminal,
		CreatedAt: now,
		UpdatedAt: now,
	}, token, nil
}

// GenerateToken returns a fresh random agent credential.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate agent token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b), nil
}

// HashToken is the lookup key stored for a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IsOnline reports whether the agent heartbeated within window of now.
func (a *Agent) IsOnline(now time.Time, window time.Duration) bool {
	if a.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*a.LastHeartbeatAt) <= window
}

// RecordHeartbeat stores the liveness signal.
func (a *Agent) RecordHeartbeat(at time.Time, terminalOK bool, version string) {
	a.LastHeartbeatAt = &at
	a.LastTerminalOK = terminalOK
	if version != "" {
		a.SoftwareVersion = version
	}
	a.UpdatedAt = at
}
