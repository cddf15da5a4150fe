package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_BuiltinText(t *testing.T) {
	out, err := execute(t, "discover")
	require.NoError(t, err)

	assert.Contains(t, out, "capgate 1.0.0 (protocol 1.0)")
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "file.read")
	assert.Contains(t, out, "image.process")
	assert.Contains(t, out, "media.edit")
}

func TestDiscover_CatalogJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "discover", "--catalog", "../../capabilities")
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	caps := data["capabilities"].([]any)
	require.Len(t, caps, 3)
	assert.Equal(t, "file.read", caps[0].(map[string]any)["id"])
}

func TestDiscover_VersionFilterExcludesAll(t *testing.T) {
	out, err := execute(t, "discover", "--version", "^2.0")
	require.NoError(t, err)
	assert.Contains(t, out, "No capabilities found.")
}

func TestDiscover_InvalidConstraint(t *testing.T) {
	out, err := execute(t, "--format", "json", "discover", "--version", "not a constraint")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_request", resp.Error.Code)
}

func TestDiscover_MissingCatalog(t *testing.T) {
	_, err := execute(t, "discover", "--catalog", "/nonexistent/catalog")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to assemble gateway")
}
