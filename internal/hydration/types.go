// Package hydration turns model values into bridge-safe payloads and back.
//
// Dehydrate replaces deep, oversized or unsupported subvalues with Stub
// records and reports their paths. Hydrate installs Placeholder and
// Unserializable stand-ins at those paths so a consumer can fetch a single
// subtree later and splice it in with FillInPath.
package hydration

import (
	"errors"
	"fmt"

	"github.com/danmuck/flightctl/internal/valuepath"
)

var (
	ErrUnserializable = errors.New("hydration: value cannot cross the wire")
	ErrMergeMismatch  = errors.New("hydration: payload path does not share the merge prefix")
)

const (
	// InlineDepth is the nesting level at which containers are stubbed
	// unless the path is explicitly allowed.
	InlineDepth = 2
	// MaxInlineBytes caps byte slices sent inline.
	MaxInlineBytes = 1024
)

// Stub type names.
const (
	TypeObject   = "object"
	TypeArray    = "array"
	TypeBytes    = "bytes"
	TypeCycle    = "cycle"
	TypeFunction = "function"
	TypeChannel  = "channel"
	TypeComplex  = "complex"
	TypeNumber   = "number"
	TypeUnknown  = "unknown"
)

// PathAllowed decides whether the subtree at an absolute path may be sent
// in full.
type PathAllowed func(path valuepath.Path) bool

// AllowAll permits every path.
func AllowAll(valuepath.Path) bool { return true }

// Stub stands in for a value that was not sent.
type Stub struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	Preview        string `json:"preview_short"`
	Size           int    `json:"size,omitempty"`
	Inspectable    bool   `json:"inspectable"`
	Readonly       bool   `json:"readonly,omitempty"`
	Unserializable bool   `json:"unserializable,omitempty"`
}

// Placeholder is installed by Hydrate at a cleaned path. Its Path is the
// address to request when the real value is wanted.
type Placeholder struct {
	Stub
	Path valuepath.Path
}

func (p *Placeholder) String() string {
	return fmt.Sprintf("%s %s", p.Name, p.Preview)
}

// Unserializable marks a value that never crosses the wire and cannot be
// fetched.
type Unserializable struct {
	Stub
}

func (u *Unserializable) String() string {
	return fmt.Sprintf("%s (unserializable)", u.Preview)
}

// Dehydrated is a cleaned value plus the paths that were stubbed. Paths are
// absolute: they include the base path given to Dehydrate.
type Dehydrated struct {
	Data           any              `json:"data"`
	Cleaned        []valuepath.Path `json:"cleaned"`
	Unserializable []valuepath.Path `json:"unserializable"`
}

// Relative strips prefix from every recorded path. A recorded path that
// does not start with prefix yields ErrMergeMismatch.
func (d *Dehydrated) Relative(prefix valuepath.Path) (*Dehydrated, error) {
	cleaned, err := stripPrefix(d.Cleaned, prefix)
	if err != nil {
		return nil, err
	}
	unserializable, err := stripPrefix(d.Unserializable, prefix)
	if err != nil {
		return nil, err
	}
	return &Dehydrated{Data: d.Data, Cleaned: cleaned, Unserializable: unserializable}, nil
}

func stripPrefix(paths []valuepath.Path, prefix valuepath.Path) ([]valuepath.Path, error) {
	out := make([]valuepath.Path, 0, len(paths))
	for _, p := range paths {
		p = valuepath.Normalize(p)
		if !p.HasPrefix(prefix) {
			return nil, fmt.Errorf("%w: %s not under %s", ErrMergeMismatch, p, prefix)
		}
		out = append(out, append(valuepath.Path{}, p[len(prefix):]...))
	}
	return out, nil
}
