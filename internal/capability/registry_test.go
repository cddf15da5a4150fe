package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/schema"
)

func noop(context.Context, Call) (any, error) { return nil, nil }

func fileRead() protocol.Capability {
	return protocol.Capability{
		ID:          "file.read",
		Name:        "Read File",
		Description: "Read contents of a file",
		Version:     "1.0.0",
		Permissions: []string{"file.read"},
		Parameters: schema.Object(map[string]*schema.Schema{
			"path": {Type: schema.TypeString},
		}, "path"),
		Mode: protocol.ModeSync,
	}
}

func TestRegister_GetReturnsEqualDescriptor(t *testing.T) {
	r := NewRegistry()
	desc := fileRead()

	require.NoError(t, r.Register(desc, noop))

	got, err := r.Get("file.read")
	require.NoError(t, err)
	assert.Equal(t, desc, got)
}

func TestRegister_RejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fileRead(), noop))

	err := r.Register(fileRead(), noop)

	require.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, r.Len())
}

func TestRegister_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*protocol.Capability)
		reason string
	}{
		{"empty id", func(c *protocol.Capability) { c.ID = "" }, "id is required"},
		{"bad version", func(c *protocol.Capability) { c.Version = "v1" }, "semantic version"},
		{"bad mode", func(c *protocol.Capability) { c.Mode = "later" }, "unknown mode"},
		{"empty permission", func(c *protocol.Capability) { c.Permissions = []string{""} }, "non-empty"},
		{"duplicate permission", func(c *protocol.Capability) { c.Permissions = []string{"a", "a"} }, "listed twice"},
		{"bad schema", func(c *protocol.Capability) {
			c.Parameters = schema.Object(map[string]*schema.Schema{"n": {Type: "integer"}})
		}, "parameters"},
		{"bad returns", func(c *protocol.Capability) { c.Returns = &schema.Schema{Type: "blob"} }, "returns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := fileRead()
			tt.mutate(&desc)

			err := NewRegistry().Register(desc, noop)

			var re *RegistrationError
			require.ErrorAs(t, err, &re)
			assert.Contains(t, re.Error(), tt.reason)
		})
	}
}

func TestRegister_RejectsNilHandler(t *testing.T) {
	err := NewRegistry().Register(fileRead(), nil)
	require.Error(t, err)
}

func TestRegister_Defaults(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(protocol.Capability{ID: "ping", Version: "0.1.0"}, noop))

	got, err := r.Get("ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", got.Name)
	assert.Equal(t, protocol.ModeSync, got.Mode)
	assert.Equal(t, []string{}, got.Permissions)
}

func TestList_EmptyPermissionsEncodeAsArray(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(protocol.Capability{ID: "ping", Version: "0.1.0"}, noop))

	data, err := json.Marshal(r.List())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"permissions":[]`)
}

func TestGet_NotFound(t *testing.T) {
	_, err := NewRegistry().Get("missing")
	assert.True(t, protocol.IsCode(err, protocol.CodeCapabilityNotFound))
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fileRead(), noop))

	got, _ := r.Get("file.read")
	got.Permissions[0] = "root"
	got.Parameters.Required[0] = "other"

	again, _ := r.Get("file.read")
	assert.Equal(t, []string{"file.read"}, again.Permissions)
	assert.Equal(t, []string{"path"}, again.Parameters.Required)
}

func TestRegister_CopiesInput(t *testing.T) {
	r := NewRegistry()
	desc := fileRead()
	require.NoError(t, r.Register(desc, noop))

	desc.Permissions[0] = "root"

	got, _ := r.Get("file.read")
	assert.Equal(t, []string{"file.read"}, got.Permissions)
}

func TestList_RegistrationOrderNoDuplicates(t *testing.T) {
	r := NewRegistry()
	ids := []string{"c", "a", "b"}
	for _, id := range ids {
		require.NoError(t, r.Register(protocol.Capability{ID: id, Version: "1.0.0"}, noop))
	}
	_ = r.Register(protocol.Capability{ID: "a", Version: "1.0.0"}, noop)

	var got []string
	for _, c := range r.List() {
		got = append(got, c.ID)
	}
	assert.Equal(t, ids, got)
}

func TestListMatching(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(protocol.Capability{ID: "old", Version: "0.9.0"}, noop)
	r.MustRegister(protocol.Capability{ID: "one", Version: "1.2.0"}, noop)
	r.MustRegister(protocol.Capability{ID: "two", Version: "2.0.0"}, noop)

	got, err := r.ListMatching(">= 1.0, < 2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].ID)

	all, err := r.ListMatching("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = r.ListMatching("not a constraint")
	require.Error(t, err)
}

func TestLookup_ReturnsHandler(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(fileRead(), func(_ context.Context, call Call) (any, error) {
		return call.Params["path"], nil
	})

	desc, h, err := r.Lookup("file.read")
	require.NoError(t, err)
	assert.Equal(t, "file.read", desc.ID)

	out, err := h(context.Background(), Call{Params: map[string]any{"path": "/x"}})
	require.NoError(t, err)
	assert.Equal(t, "/x", out)
	assert.True(t, r.Has("file.read"))
	assert.False(t, r.Has("file.write"))
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 10; i++ {
		r.MustRegister(protocol.Capability{ID: fmt.Sprintf("cap.%d", i), Version: "1.0.0"}, noop)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Get(fmt.Sprintf("cap.%d", i%10))
			assert.NoError(t, err)
			assert.Len(t, r.List(), 10)
		}(i)
	}
	wg.Wait()
}

func TestCall_ProgressWithoutJobIsNoop(t *testing.T) {
	assert.NoError(t, Call{}.Progress(50))

	var got []int
	call := Call{}.WithProgress(func(p int) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, call.Progress(10))
	assert.Equal(t, []int{10}, got)
}
