package hydration

import (
	"math/big"
	"reflect"

	"github.com/bytedance/sonic"
)

// SerializeToString renders v as indented JSON for clipboard export.
// Containers already emitted once are dropped (omitted from objects, null
// in arrays) so cyclic values terminate. Big integers render as "<n>n".
func SerializeToString(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	if reflect.TypeOf(v).Kind() == reflect.Func {
		return "func", nil
	}
	seen := make(map[identity]struct{})
	clean, _ := serializable(reflect.ValueOf(v), seen)
	out, err := sonic.ConfigStd.MarshalIndent(clean, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func serializable(rv reflect.Value, seen map[identity]struct{}) (any, bool) {
	if !rv.IsValid() {
		return nil, true
	}
	if b, ok := rv.Interface().(*big.Int); ok {
		if b == nil {
			return nil, true
		}
		return b.String() + "n", true
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil, true
		}
		return serializable(rv.Elem(), seen)
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil, true
		}
		if id, ok := identityOf(rv); ok {
			if _, dup := seen[id]; dup {
				return nil, false
			}
			seen[id] = struct{}{}
		}
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, false
	}

	switch rv.Kind() {
	case reflect.Pointer:
		return serializable(rv.Elem(), seen)
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			if v, keep := serializable(iter.Value(), seen); keep {
				out[keyString(iter.Key())] = v
			}
		}
		return out, true
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), true
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i], _ = serializable(rv.Index(i), seen)
		}
		return out, true
	case reflect.Struct:
		if _, ok := rv.Interface().(interface{ MarshalJSON() ([]byte, error) }); ok {
			return rv.Interface(), true
		}
		t := rv.Type()
		out := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if v, keep := serializable(rv.Field(i), seen); keep {
				out[t.Field(i).Name] = v
			}
		}
		return out, true
	default:
		return rv.Interface(), true
	}
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	b, err := sonic.ConfigStd.Marshal(k.Interface())
	if err != nil {
		return ""
	}
	return string(b)
}
