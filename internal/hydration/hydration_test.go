package hydration

import (
	"math/big"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/danmuck/flightctl/internal/testutil/testlog"
	"github.com/danmuck/flightctl/internal/valuepath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nested() map[string]any {
	return map[string]any{
		"name": "root",
		"n":    3,
		"list": []any{1, "two", map[string]any{"deep": map[string]any{"deeper": true}}},
		"obj": map[string]any{
			"a": map[string]any{"b": map[string]any{"c": "leaf"}},
		},
	}
}

func TestRoundTripWithAllowAll(t *testing.T) {
	testlog.Start(t)
	value := nested()
	var cleaned, unserializable []valuepath.Path
	out := Dehydrate(value, &cleaned, &unserializable, nil, AllowAll)
	require.Empty(t, cleaned)
	require.Empty(t, unserializable)
	assert.Equal(t, value, Hydrate(out, nil, nil))
}

func TestDepthGateStubsDeepContainers(t *testing.T) {
	testlog.Start(t)
	var cleaned, unserializable []valuepath.Path
	out := Dehydrate(nested(), &cleaned, &unserializable, nil, nil)

	assert.ElementsMatch(t, []valuepath.Path{
		{"list", 2},
		{"obj", "a"},
	}, cleaned)
	stub, err := valuepath.Get(out, valuepath.Path{"obj", "a"})
	require.NoError(t, err)
	require.IsType(t, &Stub{}, stub)
	assert.Equal(t, TypeObject, stub.(*Stub).Type)
	assert.True(t, stub.(*Stub).Inspectable)
}

func TestAllowedPathIsSentInFull(t *testing.T) {
	testlog.Start(t)
	allowed := func(p valuepath.Path) bool {
		return p.HasPrefix(valuepath.Path{"obj"})
	}
	var cleaned, unserializable []valuepath.Path
	out := Dehydrate(nested(), &cleaned, &unserializable, nil, allowed)
	assert.Equal(t, []valuepath.Path{{"list", 2}}, cleaned)
	leaf, err := valuepath.Get(out, valuepath.Path{"obj", "a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, "leaf", leaf)
}

func TestBasePathPrefixesRecordedPaths(t *testing.T) {
	testlog.Start(t)
	d := CleanForBridge(nested(), nil, valuepath.Path{"props"})
	require.NotNil(t, d)
	assert.Contains(t, d.Cleaned, valuepath.Path{"props", "obj", "a"})
	assert.Nil(t, CleanForBridge(nil, nil, nil))
}

func TestCyclicValueTerminates(t *testing.T) {
	testlog.Start(t)
	cyc := map[string]any{"name": "self"}
	cyc["self"] = cyc
	list := make([]any, 2)
	list[0] = "x"
	list[1] = list
	cyc["list"] = list

	var cleaned, unserializable []valuepath.Path
	out := Dehydrate(cyc, &cleaned, &unserializable, nil, AllowAll)
	assert.ElementsMatch(t, []valuepath.Path{{"self"}, {"list", 1}}, cleaned)

	var hydrated any
	require.NotPanics(t, func() { hydrated = Hydrate(out, cleaned, unserializable) })
	ph, err := valuepath.Get(hydrated, valuepath.Path{"self"})
	require.NoError(t, err)
	require.IsType(t, &Placeholder{}, ph)
	assert.Equal(t, TypeCycle, ph.(*Placeholder).Type)
}

func TestUnsupportedValuesAreUnserializable(t *testing.T) {
	testlog.Start(t)
	value := map[string]any{
		"fn":  func() {},
		"ch":  make(chan int),
		"c":   complex(1, 2),
		"ok":  "fine",
		"big": big.NewInt(9),
	}
	var cleaned, unserializable []valuepath.Path
	out := Dehydrate(value, &cleaned, &unserializable, nil, AllowAll)
	assert.Empty(t, cleaned)
	assert.ElementsMatch(t, []valuepath.Path{{"fn"}, {"ch"}, {"c"}}, unserializable)

	hydrated := Hydrate(out, cleaned, unserializable)
	fn, _ := valuepath.Get(hydrated, valuepath.Path{"fn"})
	require.IsType(t, &Unserializable{}, fn)
	assert.Equal(t, TypeFunction, fn.(*Unserializable).Type)
	bigVal, _ := valuepath.Get(hydrated, valuepath.Path{"big"})
	assert.Equal(t, "9", bigVal.(interface{ String() string }).String())
}

func TestLargeBytesAreStubbed(t *testing.T) {
	testlog.Start(t)
	value := map[string]any{"blob": make([]byte, MaxInlineBytes+1), "small": []byte("ok")}
	d := CleanForBridge(value, AllowAll, nil)
	assert.Equal(t, []valuepath.Path{{"blob"}}, d.Cleaned)
	assert.Equal(t, []byte("ok"), d.Data.(map[string]any)["small"])
}

type profile struct {
	Name   string
	Tags   []string
	secret string
}

func TestStructsBecomeObjects(t *testing.T) {
	testlog.Start(t)
	var cleaned, unserializable []valuepath.Path
	out := Dehydrate(&profile{Name: "ada", Tags: []string{"x"}, secret: "s"}, &cleaned, &unserializable, nil, AllowAll)
	assert.Equal(t, map[string]any{"Name": "ada", "Tags": []any{"x"}}, out)
}

func TestHydrateAfterWireRoundTrip(t *testing.T) {
	testlog.Start(t)
	d := CleanForBridge(nested(), nil, nil)
	raw, err := sonic.Marshal(d)
	require.NoError(t, err)
	var decoded Dehydrated
	require.NoError(t, sonic.Unmarshal(raw, &decoded))

	hydrated := Hydrate(decoded.Data, decoded.Cleaned, decoded.Unserializable)
	ph, err := valuepath.Get(hydrated, valuepath.Path{"list", 2})
	require.NoError(t, err)
	require.IsType(t, &Placeholder{}, ph)
	assert.Equal(t, valuepath.Path{"list", 2}, ph.(*Placeholder).Path)
	assert.Equal(t, 1, ph.(*Placeholder).Size)
}

func TestFillInPathKeepsNestedPlaceholdersAbsolute(t *testing.T) {
	testlog.Start(t)
	full := CleanForBridge(nested(), nil, nil)
	target := Hydrate(full.Data, full.Cleaned, full.Unserializable)

	sub := nested()["obj"].(map[string]any)["a"]
	fetched := CleanForBridge(sub, nil, valuepath.Path{"obj", "a"})
	require.Empty(t, fetched.Cleaned)

	deeper := map[string]any{"x": map[string]any{"y": map[string]any{"z": 1}}}
	fetched = CleanForBridge(deeper, nil, valuepath.Path{"obj", "a"})
	require.Equal(t, []valuepath.Path{{"obj", "a", "x", "y"}}, fetched.Cleaned)

	out, err := FillInPath(target, fetched, valuepath.Path{"obj", "a"}, fetched.Data)
	require.NoError(t, err)
	ph, err := valuepath.Get(out, valuepath.Path{"obj", "a", "x", "y"})
	require.NoError(t, err)
	require.IsType(t, &Placeholder{}, ph)
	assert.Equal(t, valuepath.Path{"obj", "a", "x", "y"}, ph.(*Placeholder).Path)

	// The nested placeholder is itself fillable from the top.
	again := CleanForBridge(deeper["x"].(map[string]any)["y"], nil, valuepath.Path{"obj", "a", "x", "y"})
	out, err = FillInPath(out, again, ph.(*Placeholder).Path, again.Data)
	require.NoError(t, err)
	leaf, err := valuepath.Get(out, valuepath.Path{"obj", "a", "x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, 1, leaf)
}

func TestHydrateRelativePrefixesPlaceholders(t *testing.T) {
	testlog.Start(t)
	d := &Dehydrated{
		Data:    map[string]any{"b": map[string]any{"type": TypeObject, "size": 2}},
		Cleaned: []valuepath.Path{{"props", "a", "b"}},
	}
	out, err := HydrateRelative(d, valuepath.Path{"props", "a"})
	require.NoError(t, err)
	ph, err := valuepath.Get(out, valuepath.Path{"b"})
	require.NoError(t, err)
	require.IsType(t, &Placeholder{}, ph)
	assert.Equal(t, valuepath.Path{"props", "a", "b"}, ph.(*Placeholder).Path)
	assert.Equal(t, 2, ph.(*Placeholder).Size)

	_, err = HydrateRelative(d, valuepath.Path{"state"})
	require.ErrorIs(t, err, ErrMergeMismatch)
}

func TestFillInPathRejectsMismatchedPayload(t *testing.T) {
	testlog.Start(t)
	target := map[string]any{"a": &Placeholder{}}
	fetched := &Dehydrated{Data: map[string]any{}, Cleaned: []valuepath.Path{{"b", "c"}}}
	_, err := FillInPath(target, fetched, valuepath.Path{"a"}, fetched.Data)
	require.ErrorIs(t, err, ErrMergeMismatch)
}

func TestFillInPathRefusesUnserializable(t *testing.T) {
	testlog.Start(t)
	target := map[string]any{"fn": &Unserializable{}}
	_, err := FillInPath(target, nil, valuepath.Path{"fn"}, "x")
	require.ErrorIs(t, err, ErrUnserializable)
}

func TestSerializeToStringHandlesCyclesAndBigInts(t *testing.T) {
	testlog.Start(t)
	cyc := map[string]any{"n": big.NewInt(12)}
	cyc["self"] = cyc
	out, err := SerializeToString(cyc)
	require.NoError(t, err)
	assert.Contains(t, out, `"12n"`)
	assert.NotContains(t, out, "self")
	assert.True(t, strings.HasPrefix(out, "{\n  "))
}
