// Package telegram implements platform.Client on top of the gotd MTProto client.
package telegram

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/vovakirdan/tgrelay/internal/platform"
)

// Provider creates gotd-backed clients with one session file per user.
type Provider struct {
	appID      int
	appHash    string
	sessionDir string
	log        *zerolog.Logger
}

var _ platform.Provider = (*Provider)(nil)

// NewProvider creates a provider storing sessions under sessionDir.
func NewProvider(appID int, appHash, sessionDir string, logger *zerolog.Logger) (*Provider, error) {
	if appID == 0 || appHash == "" {
		return nil, errors.New("telegram: api id and api hash are required")
	}
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	l := logger.With().Str("component", "telegram").Logger()
	return &Provider{
		appID:      appID,
		appHash:    appHash,
		sessionDir: sessionDir,
		log:        &l,
	}, nil
}

// SessionPath returns the session file of userID.
func (p *Provider) SessionPath(userID int64) string {
	return filepath.Join(p.sessionDir, strconv.FormatInt(userID, 10)+".json")
}

// NewClient implements platform.Provider.
func (p *Provider) NewClient(userID int64) (platform.Client, error) {
	l := p.log.With().Int64("user_id", userID).Logger()
	return newClient(p.appID, p.appHash, p.SessionPath(userID), &l), nil
}

// DeleteSession implements platform.Provider. A missing file is not an error.
func (p *Provider) DeleteSession(userID int64) error {
	if err := os.Remove(p.SessionPath(userID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}
