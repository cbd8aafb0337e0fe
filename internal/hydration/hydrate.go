package hydration

import (
	"errors"
	"fmt"

	"github.com/danmuck/flightctl/internal/valuepath"
	"github.com/rs/zerolog/log"
)

// Hydrate returns data with Placeholder values at every cleaned path and
// Unserializable markers at every unserializable path. Containers along
// those paths are copied; data itself is not modified.
func Hydrate(data any, cleaned, unserializable []valuepath.Path) any {
	return HydrateAt(nil, data, cleaned, unserializable)
}

// HydrateAt hydrates data that sits at base inside a larger value. The
// recorded paths are relative to data, while placeholders carry base
// prepended so they can be fetched from the top.
func HydrateAt(base valuepath.Path, data any, cleaned, unserializable []valuepath.Path) any {
	base = valuepath.Normalize(base)
	out := data
	for _, p := range cleaned {
		out = install(out, valuepath.Normalize(p), func(stub Stub, path valuepath.Path) any {
			return &Placeholder{Stub: stub, Path: base.Append(path...)}
		})
	}
	for _, p := range unserializable {
		out = install(out, valuepath.Normalize(p), func(stub Stub, _ valuepath.Path) any {
			stub.Unserializable = true
			stub.Inspectable = false
			return &Unserializable{Stub: stub}
		})
	}
	return out
}

// HydrateRelative hydrates d, which was dehydrated at prefix. Recorded paths
// must lie under prefix; placeholders keep their full paths.
func HydrateRelative(d *Dehydrated, prefix valuepath.Path) (any, error) {
	if d == nil {
		return nil, nil
	}
	rel, err := d.Relative(prefix)
	if err != nil {
		return nil, err
	}
	return HydrateAt(prefix, rel.Data, rel.Cleaned, rel.Unserializable), nil
}

func install(root any, path valuepath.Path, build func(Stub, valuepath.Path) any) any {
	current, err := valuepath.Get(root, path)
	if err != nil {
		log.Debug().Str("path", path.String()).Err(err).Msg("hydration: skipping path not present in data")
		return root
	}
	switch current.(type) {
	case *Placeholder, *Unserializable:
		return root
	}
	out, err := valuepath.CopyWithSet(root, path, build(stubFrom(current), path))
	if err != nil {
		log.Debug().Str("path", path.String()).Err(err).Msg("hydration: install failed")
		return root
	}
	return out
}

// stubFrom reads stub metadata from a local *Stub or from its decoded JSON
// object form.
func stubFrom(v any) Stub {
	switch s := v.(type) {
	case *Stub:
		return *s
	case Stub:
		return s
	case map[string]any:
		stub := Stub{}
		stub.Type, _ = s["type"].(string)
		stub.Name, _ = s["name"].(string)
		stub.Preview, _ = s["preview_short"].(string)
		stub.Inspectable, _ = s["inspectable"].(bool)
		stub.Readonly, _ = s["readonly"].(bool)
		stub.Unserializable, _ = s["unserializable"].(bool)
		switch n := s["size"].(type) {
		case float64:
			stub.Size = int(n)
		case int:
			stub.Size = n
		case int64:
			stub.Size = int(n)
		}
		return stub
	default:
		return Stub{Type: TypeUnknown, Name: fmt.Sprintf("%T", v), Preview: fmt.Sprint(v)}
	}
}

// FillInPath replaces the stand-in at path inside target with value. When
// source is the payload value arrived in, value is hydrated with its
// recorded paths first. Placeholders nested in value keep paths rooted at
// target, so a later fetch below path can be filled the same way. target is modified in place and
// returned; an empty path returns the hydrated value.
func FillInPath(target any, source *Dehydrated, path valuepath.Path, value any) (any, error) {
	path = valuepath.Normalize(path)
	if len(path) > 0 {
		if current, err := valuepath.Get(target, path); err == nil {
			if _, ok := current.(*Unserializable); ok {
				return target, fmt.Errorf("%w: %s", ErrUnserializable, path)
			}
		}
	}
	hydrated := value
	if source != nil {
		var err error
		hydrated, err = HydrateRelative(&Dehydrated{Data: value, Cleaned: source.Cleaned, Unserializable: source.Unserializable}, path)
		if err != nil {
			return target, err
		}
	}
	if len(path) == 0 {
		return hydrated, nil
	}
	if err := valuepath.SetInPlace(target, path, hydrated); err != nil {
		if errors.Is(err, valuepath.ErrNotFound) {
			return target, fmt.Errorf("hydration: fill %s: %w", path, err)
		}
		return target, err
	}
	return target, nil
}
