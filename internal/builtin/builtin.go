// Package builtin provides deterministic demo capabilities: file.read and
// file.write against an in-memory file table, and the asynchronous
// image.process, which reports progress once per operation. None of them
// touch the real filesystem or decode images.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/capgate/internal/capability"
	"github.com/roach88/capgate/internal/protocol"
	"github.com/roach88/capgate/internal/schema"
)

// Capability ids.
const (
	FileRead     = "file.read"
	FileWrite    = "file.write"
	ImageProcess = "image.process"
)

// ReadParams are the parameters of file.read.
type ReadParams struct {
	Path string `json:"path" jsonschema:"description=File path"`
}

// ReadResult is returned by file.read.
type ReadResult struct {
	Content string `json:"content"`
	Size    int    `json:"size"`
}

// WriteParams are the parameters of file.write.
type WriteParams struct {
	Path      string `json:"path" jsonschema:"description=File path"`
	Content   string `json:"content" jsonschema:"description=File content"`
	Overwrite bool   `json:"overwrite,omitempty" jsonschema:"description=Whether to overwrite existing file,default=false"`
}

// WriteResult is returned by file.write.
type WriteResult struct {
	Success bool   `json:"success"`
	FileID  string `json:"fileId"`
}

// ImageOperation is one step of an image.process job.
type ImageOperation struct {
	Type   string         `json:"type,omitempty" jsonschema:"enum=resize,enum=crop,enum=rotate,enum=filter"`
	Params map[string]any `json:"params,omitempty"`
}

// ProcessParams are the parameters of image.process.
type ProcessParams struct {
	ImageID    string           `json:"imageId" jsonschema:"description=ID of the image to process"`
	Operations []ImageOperation `json:"operations" jsonschema:"description=List of operations to perform"`
}

// ProcessResult is returned by a completed image.process job.
type ProcessResult struct {
	Success   bool     `json:"success"`
	ImageID   string   `json:"imageId"`
	Applied   []string `json:"applied"`
	OutputURL string   `json:"outputUrl"`
}

// Files is an in-memory file table shared by file.read and file.write.
//
// Thread-safety: safe for concurrent use.
type Files struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewFiles creates a file table holding seed.
func NewFiles(seed map[string]string) *Files {
	f := &Files{files: make(map[string]string, len(seed))}
	for path, content := range seed {
		f.files[path] = content
	}
	return f
}

// Paths returns the stored paths in sorted order.
func (f *Files) Paths() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Get returns the content stored at path.
func (f *Files) Get(path string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	content, ok := f.files[path]
	return content, ok
}

// DefaultFiles is the seed used by the CLI and the demo server.
func DefaultFiles() map[string]string {
	return map[string]string{
		"/demo/readme.txt": "capgate demo file",
	}
}

// Option configures the built-in handlers.
type Option func(*handlers)

// WithStepDelay makes image.process wait d per operation.
func WithStepDelay(d time.Duration) Option {
	return func(h *handlers) { h.stepDelay = d }
}

type handlers struct {
	files     *Files
	stepDelay time.Duration
}

// Capabilities returns the built-in descriptors in registration order.
func Capabilities() []protocol.Capability {
	return []protocol.Capability{
		{
			ID:          FileRead,
			Name:        "Read File",
			Description: "Reads the content of a file",
			Version:     "1.0.0",
			Permissions: []string{"file.read"},
			Parameters:  schema.MustFromType(&ReadParams{}),
			Returns:     schema.MustFromType(&ReadResult{}),
			Mode:        protocol.ModeSync,
		},
		{
			ID:          FileWrite,
			Name:        "Write File",
			Description: "Writes content to a file",
			Version:     "1.0.0",
			Permissions: []string{"file.write"},
			Parameters:  schema.MustFromType(&WriteParams{}),
			Returns:     schema.MustFromType(&WriteResult{}),
			Mode:        protocol.ModeSync,
		},
		{
			ID:          ImageProcess,
			Name:        "Process Image",
			Description: "Applies filters and transformations to an image",
			Version:     "1.0.0",
			Permissions: []string{"media.edit"},
			Parameters:  schema.MustFromType(&ProcessParams{}),
			Returns:     schema.MustFromType(&ProcessResult{}),
			Mode:        protocol.ModeAsync,
		},
	}
}

// Handlers returns the built-in handlers keyed by capability id.
func Handlers(files *Files, opts ...Option) map[string]capability.Handler {
	h := &handlers{files: files}
	for _, opt := range opts {
		opt(h)
	}
	return map[string]capability.Handler{
		FileRead:     h.read,
		FileWrite:    h.write,
		ImageProcess: h.process,
	}
}

// Register adds every built-in capability to reg, bound to the handler
// with the same id in handlers.
func Register(reg *capability.Registry, handlers map[string]capability.Handler) error {
	for _, desc := range Capabilities() {
		if err := reg.Register(desc, handlers[desc.ID]); err != nil {
			return fmt.Errorf("register %s: %w", desc.ID, err)
		}
	}
	return nil
}

func (h *handlers) read(_ context.Context, call capability.Call) (any, error) {
	var p ReadParams
	if err := decode(call.Params, &p); err != nil {
		return nil, err
	}
	h.files.mu.RLock()
	content, ok := h.files.files[p.Path]
	h.files.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no such file: %s", p.Path)
	}
	return ReadResult{Content: content, Size: len(content)}, nil
}

func (h *handlers) write(_ context.Context, call capability.Call) (any, error) {
	var p WriteParams
	if err := decode(call.Params, &p); err != nil {
		return nil, err
	}
	h.files.mu.Lock()
	defer h.files.mu.Unlock()
	if _, exists := h.files.files[p.Path]; exists && !p.Overwrite {
		return nil, fmt.Errorf("file exists: %s", p.Path)
	}
	h.files.files[p.Path] = p.Content
	return WriteResult{Success: true, FileID: fileID(p.Path)}, nil
}

func (h *handlers) process(ctx context.Context, call capability.Call) (any, error) {
	var p ProcessParams
	if err := decode(call.Params, &p); err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(p.Operations))
	for i, op := range p.Operations {
		if h.stepDelay > 0 {
			timer := time.NewTimer(h.stepDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		applied = append(applied, op.Type)
		// Rejected reports are not fatal to the job.
		_ = call.Progress((i + 1) * 100 / len(p.Operations))
	}

	return ProcessResult{
		Success:   true,
		ImageID:   p.ImageID,
		Applied:   applied,
		OutputURL: "https://example.com/results/" + p.ImageID + ".png",
	}, nil
}

// fileID is stable for a path.
func fileID(path string) string {
	return "file-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte("capgate:"+path)).String()
}

// decode converts validated parameters into a typed struct.
func decode(params map[string]any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return protocol.NewInvalidParameters("", fmt.Sprintf("encode parameters: %v", err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return protocol.NewInvalidParameters("", fmt.Sprintf("decode parameters: %v", err))
	}
	return nil
}
