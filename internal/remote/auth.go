package remote

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/proton-drive-sync/internal/tokenfile"
)

// OAuth endpoints for the storage service's public client.
const (
	defaultClientID = "proton-drive-sync"
	authURL         = "https://account.proton.me/oauth/authorize"
	tokenURL        = "https://account.proton.me/oauth/token"
)

var defaultScopes = []string{"drive.readwrite", "offline_access"}

// tokenBridge adapts an oauth2.TokenSource to the narrow TokenSource the
// client consumes, logging refresh failures once at the boundary.
type tokenBridge struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

func (b *tokenBridge) Token() (string, error) {
	tok, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return "", err
	}

	return tok.AccessToken, nil
}

// TokenSourceFromPath loads a saved token from the given path and returns a
// TokenSource with auto-refresh and auto-persistence via OnTokenChange.
// Returns ErrNotLoggedIn if no token file exists at the path.
//
// The returned TokenSource binds ctx to the underlying oauth2 token source.
// ctx must outlive the TokenSource — if ctx is canceled, silent token
// refresh will fail. Callers should pass context.Background() for
// long-lived daemons.
//
// The caller is responsible for computing tokenPath (via config paths).
// This decouples remote/ from config/ — remote/ has no config import.
func TokenSourceFromPath(ctx context.Context, tokenPath string, logger *slog.Logger) (TokenSource, error) {
	tok, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, ErrNotLoggedIn
	}

	expired := !tok.Expiry.IsZero() && tok.Expiry.Before(time.Now())
	logger.Info("loaded saved token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
		slog.Bool("expired", expired),
	)

	cfg := oauthConfig(tokenPath, logger)
	src := cfg.TokenSource(ctx, tok)

	return &tokenBridge{src: src, logger: logger}, nil
}

// oauthConfig builds an oauth2.Config with OnTokenChange wired to persist
// refreshed tokens, so a restart never loses a silently-refreshed token.
func oauthConfig(tokenPath string, logger *slog.Logger) *oauth2.Config {
	return &oauth2.Config{
		ClientID: defaultClientID,
		Scopes:   defaultScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
		OnTokenChange: func(tok *oauth2.Token) {
			if err := tokenfile.Save(tokenPath, tok); err != nil {
				logger.Warn("persisting refreshed token failed",
					slog.String("path", tokenPath),
					slog.String("error", err.Error()),
				)

				return
			}

			logger.Debug("refreshed token persisted", slog.String("path", tokenPath))
		},
	}
}
