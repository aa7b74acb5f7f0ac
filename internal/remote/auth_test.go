package remote

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/proton-drive-sync/internal/tokenfile"
)

func TestTokenSourceFromPath_NotLoggedIn(t *testing.T) {
	t.Parallel()

	_, err := TokenSourceFromPath(context.Background(), filepath.Join(t.TempDir(), "token.json"), testLogger())
	require.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestTokenSourceFromPath_ReturnsSavedToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, tokenfile.Save(path, &oauth2.Token{
		AccessToken: "saved-access",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}))

	src, err := TokenSourceFromPath(context.Background(), path, testLogger())
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "saved-access", tok)
}

func TestOAuthConfig_OnTokenChangePersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	cfg := oauthConfig(path, testLogger())
	require.NotNil(t, cfg.OnTokenChange)

	// Simulate what ReuseTokenSource does after a silent refresh.
	cfg.OnTokenChange(&oauth2.Token{AccessToken: "refreshed", TokenType: "Bearer"})

	tok, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "refreshed", tok.AccessToken)
}
