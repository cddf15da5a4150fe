// Package catalog loads capability descriptors from CUE files.
//
// A catalog directory holds any number of .cue files, searched recursively.
// Files are unified into one value, so a capability may be split across
// files. Each entry lives under the top-level capability struct:
//
//	capability: "file.read": {
//		name:        "Read File"
//		version:     "1.0.0"
//		permissions: ["file.read"]
//		parameters: {
//			type: "object"
//			properties: path: type: "string"
//			required: ["path"]
//		}
//	}
//
// Descriptors carry no behaviour; Bind pairs them with handlers by id.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/roach88/capgate/internal/capability"
	"github.com/roach88/capgate/internal/protocol"
)

// Pattern matches catalog files below a directory.
const Pattern = "**/*.cue"

// Error codes reported in LoadError.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeInvalid     = "E101"
	ErrCodeUnbound     = "E102"
	ErrCodeEmpty       = "E103"
)

// definition constrains every capability entry. Unknown fields are
// rejected because definitions are closed.
const definition = `
#Schema: {
	type?:        "string" | "number" | "boolean" | "object" | "array"
	description?: string
	properties?: [string]: #Schema
	required?: [...string]
	items?:    #Schema
	enum?: [...]
	default?: _
}

#Capability: {
	name?:        string
	description?: string
	version:      string
	permissions:  *[] | [...string]
	mode:         *"sync" | "async"
	parameters?:  #Schema & {type: "object"}
	returns?:     #Schema
}

capability: [string]: #Capability
`

// LoadError is a catalog problem with its source position when known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Catalog is a loaded set of descriptors, sorted by id.
type Catalog struct {
	Capabilities []protocol.Capability
	Files        []string
}

// IDs returns the capability ids in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.Capabilities))
	for i, desc := range c.Capabilities {
		ids[i] = desc.ID
	}
	return ids
}

// FindFiles returns every .cue file below dir, sorted.
func FindFiles(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), Pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	files := make([]string, len(matches))
	for i, m := range matches {
		files[i] = filepath.Join(dir, filepath.FromSlash(m))
	}
	return files, nil
}

// Load reads and decodes every catalog file below dir.
func Load(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("catalog directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing catalog directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	files, err := FindFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	sources := make(map[string][]byte, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", f, err)}
		}
		sources[f] = data
	}

	cat, err := compile(files, sources)
	if err != nil {
		return nil, err
	}
	cat.Files = files
	return cat, nil
}

// Parse decodes a single catalog source. name is used in positions.
func Parse(name string, src []byte) (*Catalog, error) {
	return compile([]string{name}, map[string][]byte{name: src})
}

func compile(names []string, sources map[string][]byte) (*Catalog, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(definition, cue.Filename("definition.cue"))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile catalog definition: %w", err)
	}

	for _, name := range names {
		file := ctx.CompileBytes(sources[name], cue.Filename(name))
		if err := file.Err(); err != nil {
			return nil, cueError(ErrCodeLoadFailed, err)
		}
		value = value.Unify(file)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}

	capsVal := value.LookupPath(cue.ParsePath("capability"))
	if !capsVal.Exists() {
		return nil, &LoadError{Code: ErrCodeEmpty, Message: "no capabilities found in catalog"}
	}
	iter, err := capsVal.Fields()
	if err != nil {
		return nil, cueError(ErrCodeGeneric, err)
	}

	cat := &Catalog{}
	for iter.Next() {
		desc, err := decode(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		cat.Capabilities = append(cat.Capabilities, desc)
	}
	if len(cat.Capabilities) == 0 {
		return nil, &LoadError{Code: ErrCodeEmpty, Message: "no capabilities found in catalog"}
	}
	sort.Slice(cat.Capabilities, func(i, j int) bool {
		return cat.Capabilities[i].ID < cat.Capabilities[j].ID
	})
	return cat, nil
}

func decode(id string, v cue.Value) (protocol.Capability, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return protocol.Capability{}, cueError(ErrCodeInvalid, err)
	}
	var desc protocol.Capability
	if err := json.Unmarshal(raw, &desc); err != nil {
		return protocol.Capability{}, &LoadError{
			Code:    ErrCodeInvalid,
			Message: fmt.Sprintf("capability %s: %v", id, err),
			Pos:     v.Pos(),
		}
	}
	desc.ID = id
	return desc, nil
}

// Bind registers every catalog capability with its handler from handlers.
// All ids without a handler are reported together and nothing is
// registered for them.
func Bind(reg *capability.Registry, cat *Catalog, handlers map[string]capability.Handler) error {
	var unbound []string
	for _, desc := range cat.Capabilities {
		if handlers[desc.ID] == nil {
			unbound = append(unbound, desc.ID)
		}
	}
	if len(unbound) > 0 {
		return &LoadError{Code: ErrCodeUnbound, Message: fmt.Sprintf("no handler for capabilities %v", unbound)}
	}

	for _, desc := range cat.Capabilities {
		if err := reg.Register(desc, handlers[desc.ID]); err != nil {
			return &LoadError{Code: ErrCodeInvalid, Message: err.Error()}
		}
	}
	return nil
}

// cueError keeps the first CUE error and its position.
func cueError(code string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	loadErr := &LoadError{Code: code, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		loadErr.Pos = positions[0]
	}
	return loadErr
}

// IsLoadError reports whether err carries a catalog error code.
func IsLoadError(err error, code string) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Code == code
}
