package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capgate/internal/catalog"
)

const unboundCatalog = `package capabilities

capability: "report.generate": {
	name:        "Generate Report"
	version:     "1.0.0"
	permissions: ["report.create"]
	mode:        "async"
}
`

func writeCatalog(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.cue"), []byte(src), 0o644))
	return dir
}

func TestValidate_ValidCatalog(t *testing.T) {
	out, err := execute(t, "validate", "../../capabilities")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Catalog valid (3 capabilities)")
}

func TestValidate_ValidCatalogJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", "../../capabilities")
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, []any{"file.read", "file.write", "image.process"}, data["capabilities"])
}

func TestValidate_InvalidMode(t *testing.T) {
	out, err := execute(t, "validate", "../catalog/testdata/invalid")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, catalog.ErrCodeBuildFailed+": ")
	assert.Contains(t, out, "mode")
}

func TestValidate_UnboundCapability(t *testing.T) {
	dir := writeCatalog(t, unboundCatalog)

	out, err := execute(t, "--format", "json", "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, catalog.ErrCodeUnbound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "report.generate")
}

func TestValidate_SkipBind(t *testing.T) {
	dir := writeCatalog(t, unboundCatalog)

	out, err := execute(t, "validate", "--skip-bind", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Catalog valid (1 capabilities)")
}

func TestValidate_MissingDirectory(t *testing.T) {
	out, err := execute(t, "validate", "/nonexistent/catalog")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error ["+catalog.ErrCodeNotFound+"]")
}

func TestValidate_NoCueFiles(t *testing.T) {
	out, err := execute(t, "validate", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error ["+catalog.ErrCodeNoFiles+"]")
}

func TestValidate_MissingArgs(t *testing.T) {
	_, err := execute(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}
