package varfmt

import (
	"reflect"
	"testing"

	"github.com/go-delve/delve/service/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilForms(t *testing.T) {
	tests := []struct {
		name string
		v    api.Variable
		want string
	}{
		{
			name: "nil pointer",
			v:    api.Variable{Kind: reflect.Ptr, Type: "*main.Config"},
			want: "nil <*main.Config>",
		},
		{
			name: "nil slice",
			v:    api.Variable{Kind: reflect.Slice, Type: "[]int", Base: 0},
			want: "nil <[]int>",
		},
		{
			name: "nil map",
			v:    api.Variable{Kind: reflect.Map, Type: "map[string]int", Base: 0},
			want: "nil <map[string]int>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := Convert(Wrap(&tt.v))
			assert.Equal(t, tt.want, conv.Value)
			assert.Nil(t, conv.Expand)
		})
	}
}

func TestPointerDisplay(t *testing.T) {
	v := api.Variable{
		Name: "cfg",
		Kind: reflect.Ptr,
		Type: "*main.Config",
		Children: []api.Variable{{
			Addr: 0xc000010000,
			Type: "main.Config",
			Kind: reflect.Struct,
			Children: []api.Variable{
				{Name: "Port", Kind: reflect.Int, Type: "int", Value: "8080"},
			},
		}},
	}
	conv := Convert(Wrap(&v))
	assert.Equal(t, "<*main.Config>(0xc000010000)", conv.Value)
	require.NotNil(t, conv.Expand)
	assert.Equal(t, "(*cfg)", conv.Expand.FullyQualified)

	children := Children(*conv.Expand)
	require.Len(t, children, 1)
	assert.Equal(t, "Port", children[0].DisplayName)
	assert.Equal(t, "(*cfg).Port", children[0].FullyQualified)
}

func TestSliceDisplay(t *testing.T) {
	v := api.Variable{
		Name: "xs",
		Kind: reflect.Slice,
		Type: "[]string",
		Base: 0xc000012000,
		Len:  3,
		Cap:  8,
		Children: []api.Variable{
			{Kind: reflect.String, Type: "string", Value: "a", Len: 1},
			{Kind: reflect.String, Type: "string", Value: "b", Len: 1},
			{Kind: reflect.String, Type: "string", Value: "c", Len: 1},
		},
	}
	conv := Convert(Wrap(&v))
	assert.Equal(t, "<[]string> (length: 3, cap: 8)", conv.Value)
	require.NotNil(t, conv.Expand)

	children := Children(*conv.Expand)
	require.Len(t, children, 3)
	assert.Equal(t, "[0]", children[0].DisplayName)
	assert.Equal(t, "xs[1]", children[1].FullyQualified)
}

func TestMapPairing(t *testing.T) {
	v := api.Variable{
		Name: "m",
		Kind: reflect.Map,
		Type: "map[string]int",
		Base: 0xc000014000,
		Len:  2,
		Children: []api.Variable{
			{Kind: reflect.String, Type: "string", Value: "one", Len: 3},
			{Kind: reflect.Int, Type: "int", Value: "1"},
			{Kind: reflect.String, Type: "string", Value: "two", Len: 3},
			{Kind: reflect.Int, Type: "int", Value: "2"},
		},
	}
	conv := Convert(Wrap(&v))
	assert.Equal(t, "<map[string]int> (length: 2)", conv.Value)
	require.NotNil(t, conv.Expand)

	children := Children(*conv.Expand)
	require.Len(t, children, 2)
	assert.Equal(t, "one", children[0].DisplayName)
	assert.Equal(t, "1", Convert(children[0]).Value)
	// Scalar string keys stay evaluable through indexing.
	assert.Equal(t, `m["two"]`, children[1].FullyQualified)
}

func TestStringTruncation(t *testing.T) {
	v := api.Variable{Kind: reflect.String, Type: "string", Value: "hello", Len: 12}
	conv := Convert(Wrap(&v))
	assert.Equal(t, "hello...+7 more", conv.Value)

	full := api.Variable{Kind: reflect.String, Type: "string", Value: "hello", Len: 5}
	assert.Equal(t, "hello", Convert(Wrap(&full)).Value)
}

func TestInterfaceDisplay(t *testing.T) {
	nilIface := api.Variable{Kind: reflect.Interface, Type: "error", Addr: 0}
	assert.Equal(t, "nil", Convert(Wrap(&nilIface)).Value)

	typedNil := api.Variable{
		Kind: reflect.Interface,
		Type: "error",
		Addr: 0xc000016000,
		Children: []api.Variable{
			{Kind: reflect.Invalid, Addr: 0},
		},
	}
	assert.Equal(t, "nil <error>", Convert(Wrap(&typedNil)).Value)

	concrete := api.Variable{
		Name: "err",
		Kind: reflect.Interface,
		Type: "error",
		Addr: 0xc000016000,
		Children: []api.Variable{{
			Kind:  reflect.Ptr,
			Type:  "*errors.errorString",
			Value: "",
			Children: []api.Variable{{
				Addr: 0xc000018000,
				Kind: reflect.Struct,
				Type: "errors.errorString",
				Children: []api.Variable{
					{Name: "s", Kind: reflect.String, Type: "string", Value: "boom", Len: 4},
				},
			}},
		}},
	}
	conv := Convert(Wrap(&concrete))
	assert.Equal(t, "*errors.errorString(<*errors.errorString>(0xc000018000))", conv.Value)
	assert.Equal(t, "error", conv.Type)
}

func TestUnreadable(t *testing.T) {
	v := api.Variable{Kind: reflect.Int, Type: "int", Unreadable: "read out of bounds"}
	assert.Equal(t, "<read out of bounds>", Convert(Wrap(&v)).Value)
}

func TestFlattenShadowed(t *testing.T) {
	vars := []api.Variable{
		{Name: "err", DeclLine: 10, Type: "error"},
		{Name: "err", DeclLine: 25, Type: "error"},
		{Name: "x", DeclLine: 5, Type: "int"},
	}
	out := FlattenShadowed(vars)
	require.Len(t, out, 3)

	// The innermost declaration keeps the bare name and stays evaluable.
	assert.Equal(t, "err", out[0].DisplayName)
	assert.Equal(t, int64(25), out[0].DeclLine)
	assert.Equal(t, "err", out[0].FullyQualified)

	assert.Equal(t, "(err)", out[1].DisplayName)
	assert.Equal(t, int64(10), out[1].DeclLine)
	assert.Equal(t, "", out[1].FullyQualified)

	assert.Equal(t, "x", out[2].DisplayName)
}

func TestLoadExpr(t *testing.T) {
	truncated := api.Variable{
		Kind:     reflect.Struct,
		Type:     "main.Big",
		Addr:     0xc00001a000,
		Len:      5,
		Children: make([]api.Variable, 2),
	}
	expr, ok := LoadExpr(&truncated)
	assert.True(t, ok)
	assert.Equal(t, `*(*"main.Big")(0xc00001a000)`, expr)

	complete := api.Variable{
		Kind:     reflect.Struct,
		Type:     "main.Small",
		Addr:     0xc00001a000,
		Len:      2,
		Children: make([]api.Variable, 2),
	}
	_, ok = LoadExpr(&complete)
	assert.False(t, ok)

	onlyAddr := api.Variable{
		Kind: reflect.Interface,
		Type: "io.Reader",
		Addr: 0xc00001c000,
		Children: []api.Variable{
			{Type: "*os.File", Addr: 0xc00001e000, OnlyAddr: true},
		},
	}
	expr, ok = LoadExpr(&onlyAddr)
	assert.True(t, ok)
	assert.Equal(t, `*(*"*os.File")(0xc00001e000)`, expr)
}

func TestSliceTailExpr(t *testing.T) {
	truncated := Wrap(&api.Variable{
		Name:     "xs",
		Kind:     reflect.Slice,
		Type:     "[]int",
		Base:     0xc000020000,
		Len:      200,
		Children: make([]api.Variable, 64),
	})
	expr, ok := SliceTailExpr(truncated)
	assert.True(t, ok)
	assert.Equal(t, "xs[64:]", expr)

	complete := Wrap(&api.Variable{
		Name:     "xs",
		Kind:     reflect.Slice,
		Type:     "[]int",
		Base:     0xc000020000,
		Len:      3,
		Children: make([]api.Variable, 3),
	})
	_, ok = SliceTailExpr(complete)
	assert.False(t, ok)

	// Without an evaluable expression there is no way to reach the tail.
	unreachable := truncated
	unreachable.FullyQualified = ""
	_, ok = SliceTailExpr(unreachable)
	assert.False(t, ok)

	notSlice := Wrap(&api.Variable{Kind: reflect.Struct, Type: "main.T", Len: 5})
	_, ok = SliceTailExpr(notSlice)
	assert.False(t, ok)
}

func TestFlagsOf(t *testing.T) {
	v := api.Variable{Flags: api.VariableEscaped | api.VariableArgument}
	flags := FlagsOf(&v)
	assert.True(t, flags.Escaped)
	assert.True(t, flags.Argument)
	assert.False(t, flags.Shadowed)
}
