package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capgate/internal/auth"
)

func TestToken_MintsVerifiableToken(t *testing.T) {
	t.Setenv("CAPGATE_AUTH_SECRET", "s3cret")
	t.Setenv("CAPGATE_AUTH_ISSUER", "capgate-test")

	out, err := execute(t, "token", "alice", "--ttl", "10m")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	verifier, err := auth.NewJWTAuthenticator(auth.JWTConfig{Secret: []byte("s3cret"), Issuer: "capgate-test"})
	require.NoError(t, err)
	principal, err := verifier.Authenticate(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.ID)
}

func TestToken_JSON(t *testing.T) {
	t.Setenv("CAPGATE_AUTH_SECRET", "s3cret")

	out, err := execute(t, "--format", "json", "token", "bob")
	require.NoError(t, err)

	data := decodeResponse(t, out).Data.(map[string]any)
	assert.Equal(t, "bob", data["principal"])
	assert.NotEmpty(t, data["token"])
	assert.NotEmpty(t, data["expires_at"])
}

func TestToken_RequiresSecret(t *testing.T) {
	t.Setenv("CAPGATE_AUTH_SECRET", "")

	_, err := execute(t, "token", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestToken_RejectsStaticMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  mode: static\n  tokens:\n    tok-1: alice\n"), 0o644))

	_, err := execute(t, "--config", path, "token", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `token requires auth mode "jwt"`)
}

func TestToken_RejectsNonPositiveTTL(t *testing.T) {
	t.Setenv("CAPGATE_AUTH_SECRET", "s3cret")

	_, err := execute(t, "token", "alice", "--ttl", "0s")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "ttl must be positive")
}
