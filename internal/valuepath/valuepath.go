// Package valuepath addresses nodes inside model values (map[string]any and
// []any trees) and produces edited copies without touching the input.
//
// Every copy helper shallow-copies only the containers along the path;
// siblings keep their identity.
package valuepath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrEmptyPath    = errors.New("valuepath: empty path")
	ErrPathMismatch = errors.New("valuepath: paths differ before the last key")
	ErrNotContainer = errors.New("valuepath: segment does not address a container")
	ErrBadKey       = errors.New("valuepath: key does not fit container")
	ErrNotFound     = errors.New("valuepath: no value at path")
)

// Path is an ordered list of keys. Each key is a string (map field) or an
// int (slice index).
type Path []any

// Append returns a new path with keys added; p is left untouched.
func (p Path) Append(keys ...any) Path {
	out := make(Path, 0, len(p)+len(keys))
	out = append(out, p...)
	return append(out, keys...)
}

// HasPrefix reports whether prefix matches the leading keys of p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if !keyEqual(p[i], prefix[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether p and o address the same node.
func (p Path) Equal(o Path) bool {
	return len(p) == len(o) && p.HasPrefix(o)
}

func (p Path) String() string {
	out := ""
	for _, k := range p {
		switch v := k.(type) {
		case int:
			out += "[" + strconv.Itoa(v) + "]"
		default:
			out += "." + fmt.Sprint(v)
		}
	}
	if out == "" {
		return "<root>"
	}
	return out
}

// Parse reads the form String produces. Bracketed segments are indexes,
// dotted segments are map keys; the leading dot is optional.
func Parse(s string) (Path, error) {
	if s == "" || s == "<root>" {
		return Path{}, nil
	}
	var out Path
	i := 0
	if s[0] != '.' && s[0] != '[' {
		s = "." + s
	}
	for i < len(s) {
		switch s[i] {
		case '.':
			j := i + 1
			for j < len(s) && s[j] != '.' && s[j] != '[' && s[j] != ']' {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("%w: empty key at offset %d", ErrBadKey, i)
			}
			out = append(out, s[i+1:j])
			i = j
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed index at offset %d", ErrBadKey, i)
			}
			idx, err := strconv.Atoi(s[i+1 : i+end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: bad index %q", ErrBadKey, s[i+1:i+end])
			}
			out = append(out, idx)
			i += end + 1
		default:
			return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrBadKey, s[i], i)
		}
	}
	return out, nil
}

func keyEqual(a, b any) bool {
	ai, aInt := toIndex(a)
	bi, bInt := toIndex(b)
	if aInt && bInt {
		return ai == bi
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	return aStr && bStr && as == bs
}

func toIndex(k any) (int, bool) {
	switch v := k.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// Normalize converts numeric keys decoded from JSON (float64) back to ints.
func Normalize(p Path) Path {
	out := make(Path, len(p))
	for i, k := range p {
		if idx, ok := toIndex(k); ok {
			out[i] = idx
			continue
		}
		out[i] = k
	}
	return out
}

// Get returns the node at path.
func Get(root any, path Path) (any, error) {
	cur := root
	for i, key := range path {
		next, err := child(cur, key)
		if err != nil {
			return nil, fmt.Errorf("%w at %s", err, path[:i+1])
		}
		cur = next
	}
	return cur, nil
}

func child(container, key any) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, ErrBadKey
		}
		v, ok := c[k]
		if !ok {
			return nil, ErrNotFound
		}
		return v, nil
	case []any:
		idx, ok := toIndex(key)
		if !ok {
			return nil, ErrBadKey
		}
		if idx < 0 || idx >= len(c) {
			return nil, ErrNotFound
		}
		return c[idx], nil
	default:
		return nil, ErrNotContainer
	}
}

func shallowCopy(container any) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out, nil
	case []any:
		out := make([]any, len(c))
		copy(out, c)
		return out, nil
	default:
		return nil, ErrNotContainer
	}
}

// assign writes value under key and returns the container. Setting the
// index one past the end of a slice appends, so the returned slice may be a
// new one.
func assign(container, key, value any) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, ErrBadKey
		}
		c[k] = value
		return c, nil
	case []any:
		idx, ok := toIndex(key)
		if !ok || idx < 0 || idx > len(c) {
			return nil, ErrBadKey
		}
		if idx == len(c) {
			return append(c, value), nil
		}
		c[idx] = value
		return c, nil
	default:
		return nil, ErrNotContainer
	}
}

// CopyWithSet returns root with the node at path replaced by value. An empty
// path returns value itself. A slice index equal to the length appends.
func CopyWithSet(root any, path Path, value any) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	return copyWithSetAt(root, path, 0, value)
}

func copyWithSetAt(obj any, path Path, index int, value any) (any, error) {
	if index >= len(path) {
		return value, nil
	}
	key := path[index]
	updated, err := shallowCopy(obj)
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, path[:index])
	}
	var next any
	if index+1 < len(path) {
		next, err = child(obj, key)
		if err != nil {
			return nil, fmt.Errorf("%w at %s", err, path[:index+1])
		}
	}
	val, err := copyWithSetAt(next, path, index+1, value)
	if err != nil {
		return nil, err
	}
	out, err := assign(updated, key, val)
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, path[:index+1])
	}
	return out, nil
}

// CopyWithDelete returns root without the node at path. Slice elements are
// spliced out.
func CopyWithDelete(root any, path Path) (any, error) {
	if len(path) == 0 {
		return nil, ErrEmptyPath
	}
	return copyWithDeleteAt(root, path, 0)
}

func copyWithDeleteAt(obj any, path Path, index int) (any, error) {
	key := path[index]
	updated, err := shallowCopy(obj)
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, path[:index])
	}
	if index+1 == len(path) {
		return removeKey(updated, key, path)
	}
	next, err := child(obj, key)
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, path[:index+1])
	}
	val, err := copyWithDeleteAt(next, path, index+1)
	if err != nil {
		return nil, err
	}
	out, err := assign(updated, key, val)
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, path[:index+1])
	}
	return out, nil
}

func removeKey(container, key any, path Path) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w at %s", ErrBadKey, path)
		}
		delete(c, k)
		return c, nil
	case []any:
		idx, ok := toIndex(key)
		if !ok || idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("%w at %s", ErrBadKey, path)
		}
		return append(c[:idx:idx], c[idx+1:]...), nil
	default:
		return nil, fmt.Errorf("%w at %s", ErrNotContainer, path)
	}
}

// CopyWithRename moves the node at oldPath to newPath. Both paths must agree
// on every key but the last.
func CopyWithRename(root any, oldPath, newPath Path) (any, error) {
	if len(oldPath) == 0 || len(newPath) == 0 {
		return nil, ErrEmptyPath
	}
	if len(oldPath) != len(newPath) {
		return nil, ErrPathMismatch
	}
	for i := 0; i < len(newPath)-1; i++ {
		if !keyEqual(oldPath[i], newPath[i]) {
			return nil, ErrPathMismatch
		}
	}
	return copyWithRenameAt(root, oldPath, newPath, 0)
}

func copyWithRenameAt(obj any, oldPath, newPath Path, index int) (any, error) {
	oldKey := oldPath[index]
	updated, err := shallowCopy(obj)
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, oldPath[:index])
	}
	if index+1 == len(oldPath) {
		newKey := newPath[index]
		val, err := child(updated, oldKey)
		if err != nil {
			return nil, fmt.Errorf("%w at %s", err, oldPath)
		}
		if keyEqual(oldKey, newKey) {
			return updated, nil
		}
		switch c := updated.(type) {
		case map[string]any:
			nk, ok := newKey.(string)
			if !ok {
				return nil, fmt.Errorf("%w at %s", ErrBadKey, newPath)
			}
			c[nk] = val
			delete(c, oldKey.(string))
			return c, nil
		case []any:
			// the value lands on the new index, then the old slot is spliced out
			moved, err := assign(c, newKey, val)
			if err != nil {
				return nil, fmt.Errorf("%w at %s", err, newPath)
			}
			return removeKey(moved, oldKey, oldPath)
		}
		return nil, fmt.Errorf("%w at %s", ErrNotContainer, oldPath[:index])
	}
	next, err := child(obj, oldKey)
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, oldPath[:index+1])
	}
	val, err := copyWithRenameAt(next, oldPath, newPath, index+1)
	if err != nil {
		return nil, err
	}
	out, err := assign(updated, oldKey, val)
	if err != nil {
		return nil, fmt.Errorf("%w at %s", err, oldPath[:index+1])
	}
	return out, nil
}

// SetInPlace writes value at path, mutating the containers of root. It is
// used on trees the caller already owns.
func SetInPlace(root any, path Path, value any) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}
	parent, err := Get(root, path[:len(path)-1])
	if err != nil {
		return err
	}
	key := path[len(path)-1]
	if s, ok := parent.([]any); ok {
		// an append would not reach the parent's own reference
		if idx, ok := toIndex(key); ok && idx == len(s) {
			return fmt.Errorf("%w at %s", ErrBadKey, path)
		}
	}
	if _, err := assign(parent, key, value); err != nil {
		return fmt.Errorf("%w at %s", err, path)
	}
	return nil
}
