package hydration

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"time"

	"github.com/danmuck/flightctl/internal/valuepath"
)

type identity struct {
	kind reflect.Kind
	ptr  uintptr
	n    int
}

type dehydrator struct {
	cleaned        *[]valuepath.Path
	unserializable *[]valuepath.Path
	allowed        PathAllowed
	ancestors      map[identity]struct{}
}

// Dehydrate returns a copy of value that is safe to encode. Stubbed paths
// are appended to cleaned; paths of values that cannot be represented at all
// are appended to unserializable. base is prepended to every recorded path
// and passed to allowed. A nil allowed permits nothing below InlineDepth.
func Dehydrate(
	value any,
	cleaned *[]valuepath.Path,
	unserializable *[]valuepath.Path,
	base valuepath.Path,
	allowed PathAllowed,
) any {
	if allowed == nil {
		allowed = func(valuepath.Path) bool { return false }
	}
	d := &dehydrator{
		cleaned:        cleaned,
		unserializable: unserializable,
		allowed:        allowed,
		ancestors:      make(map[identity]struct{}),
	}
	return d.walk(value, base, 0)
}

// CleanForBridge dehydrates data rooted at path. A nil data yields nil.
func CleanForBridge(data any, allowed PathAllowed, path valuepath.Path) *Dehydrated {
	if data == nil {
		return nil
	}
	cleaned := make([]valuepath.Path, 0)
	unserializable := make([]valuepath.Path, 0)
	out := Dehydrate(data, &cleaned, &unserializable, path, allowed)
	return &Dehydrated{Data: out, Cleaned: cleaned, Unserializable: unserializable}
}

func (d *dehydrator) record(list *[]valuepath.Path, path valuepath.Path) {
	if list == nil {
		return
	}
	*list = append(*list, append(valuepath.Path{}, path...))
}

func (d *dehydrator) walk(value any, path valuepath.Path, level int) any {
	switch v := value.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case float32:
		return d.float(float64(v), v, path)
	case float64:
		return d.float(v, v, path)
	case time.Time:
		return v
	case *big.Int:
		if v == nil {
			return nil
		}
		return v
	case []byte:
		if len(v) > MaxInlineBytes {
			d.record(d.cleaned, path)
			return &Stub{
				Type:        TypeBytes,
				Name:        "bytes",
				Preview:     fmt.Sprintf("bytes(%d)", len(v)),
				Size:        len(v),
				Inspectable: false,
				Readonly:    true,
			}
		}
		return v
	case *Stub:
		d.record(d.cleaned, path)
		return v
	case *Placeholder:
		d.record(d.cleaned, path)
		return &v.Stub
	case *Unserializable:
		d.record(d.unserializable, path)
		return &v.Stub
	}
	return d.walkReflect(reflect.ValueOf(value), path, level)
}

func (d *dehydrator) float(f float64, orig any, path valuepath.Path) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		d.record(d.unserializable, path)
		return &Stub{
			Type:           TypeNumber,
			Name:           fmt.Sprint(f),
			Preview:        fmt.Sprint(f),
			Unserializable: true,
			Readonly:       true,
		}
	}
	return orig
}

func (d *dehydrator) walkReflect(rv reflect.Value, path valuepath.Path, level int) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Pointer && rv.Elem().Kind() == reflect.Struct {
			return d.container(rv, path, level)
		}
		return d.walk(rv.Elem().Interface(), path, level)
	case reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		return d.container(rv, path, level)
	case reflect.Array, reflect.Struct:
		return d.container(rv, path, level)
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return d.float(rv.Float(), rv.Float(), path)
	default:
		return d.unsupported(rv, path)
	}
}

func (d *dehydrator) unsupported(rv reflect.Value, path valuepath.Path) any {
	d.record(d.unserializable, path)
	stub := &Stub{
		Name:           rv.Type().String(),
		Preview:        rv.Type().String(),
		Unserializable: true,
		Readonly:       true,
	}
	switch rv.Kind() {
	case reflect.Func:
		stub.Type = TypeFunction
		stub.Preview = "func"
	case reflect.Chan:
		stub.Type = TypeChannel
	case reflect.Complex64, reflect.Complex128:
		stub.Type = TypeComplex
		stub.Preview = fmt.Sprint(rv.Complex())
	default:
		stub.Type = TypeUnknown
	}
	return stub
}

func identityOf(rv reflect.Value) (identity, bool) {
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer:
		return identity{kind: rv.Kind(), ptr: rv.Pointer()}, true
	case reflect.Slice:
		if rv.Len() == 0 || rv.Pointer() == 0 {
			return identity{}, false
		}
		return identity{kind: reflect.Slice, ptr: rv.Pointer(), n: rv.Len()}, true
	}
	return identity{}, false
}

func (d *dehydrator) container(rv reflect.Value, path valuepath.Path, level int) any {
	id, tracked := identityOf(rv)
	if tracked {
		if _, seen := d.ancestors[id]; seen {
			d.record(d.cleaned, path)
			return &Stub{
				Type:        TypeCycle,
				Name:        describe(rv),
				Preview:     "[circular]",
				Inspectable: true,
			}
		}
	}
	if level >= InlineDepth && !d.allowed(path) {
		d.record(d.cleaned, path)
		return stubFor(rv)
	}
	if tracked {
		d.ancestors[id] = struct{}{}
		defer delete(d.ancestors, id)
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = d.walk(rv.Index(i).Interface(), path.Append(i), level+1)
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			out[key] = d.walk(iter.Value().Interface(), path.Append(key), level+1)
		}
		return out
	case reflect.Pointer:
		return d.fields(rv.Elem(), path, level)
	default:
		return d.fields(rv, path, level)
	}
}

func (d *dehydrator) fields(rv reflect.Value, path valuepath.Path, level int) any {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		out[f.Name] = d.walk(rv.Field(i).Interface(), path.Append(f.Name), level+1)
	}
	return out
}

func describe(rv reflect.Value) string {
	switch v := rv.Interface().(type) {
	case map[string]any:
		return "Object"
	case []any:
		return "Array"
	default:
		t := reflect.TypeOf(v)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.Name() != "" {
			return t.Name()
		}
		return t.String()
	}
}

func stubFor(rv reflect.Value) *Stub {
	stub := &Stub{Name: describe(rv), Inspectable: true}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		stub.Type = TypeArray
		stub.Size = rv.Len()
		stub.Preview = fmt.Sprintf("%s(%d)", stub.Name, stub.Size)
	case reflect.Map:
		stub.Type = TypeObject
		stub.Size = rv.Len()
		stub.Preview = "{…}"
	default:
		stub.Type = TypeObject
		stub.Preview = "{…}"
	}
	return stub
}
