// Package varfmt converts Delve's recursively structured runtime values
// into protocol-displayable strings plus lazily expandable child sets.
package varfmt

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-delve/delve/service/api"
)

// Variable pairs a backend value with the names used to present and to
// re-evaluate it. FullyQualified is the expression that reaches the
// value from the frame scope; it is empty when no such expression
// exists (map values under non-scalar keys, interface internals).
type Variable struct {
	*api.Variable
	DisplayName    string
	FullyQualified string
}

// Wrap builds a root Variable whose qualified name is its own name.
func Wrap(v *api.Variable) Variable {
	return Variable{Variable: v, DisplayName: v.Name, FullyQualified: v.Name}
}

// Converted is the displayable form of a value.
type Converted struct {
	// Value is the display string.
	Value string
	// Type is the display type, annotated for interfaces.
	Type string
	// Expand is the subtree to register for lazy child expansion, nil
	// for leaves. For pointers this is the pointee, not the pointer.
	Expand *Variable
}

// Convert renders a value. Dispatch is a single exhaustive match over
// the backend's kind tag.
func Convert(v Variable) Converted {
	if v.Unreadable != "" {
		return Converted{Value: fmt.Sprintf("<%s>", v.Unreadable), Type: v.Type}
	}

	switch v.Kind {
	case reflect.Ptr:
		return convertPointer(v)
	case reflect.UnsafePointer:
		if len(v.Children) == 0 || v.Children[0].Addr == 0 {
			return Converted{Value: fmt.Sprintf("nil <%s>", v.Type), Type: v.Type}
		}
		return Converted{Value: fmt.Sprintf("unsafe.Pointer(0x%x)", v.Children[0].Addr), Type: v.Type}
	case reflect.Slice, reflect.Array:
		return convertSliceArray(v)
	case reflect.Map:
		return convertMap(v)
	case reflect.String:
		return Converted{Value: stringValue(v.Variable), Type: v.Type}
	case reflect.Interface:
		return convertInterface(v)
	default:
		// Struct and every scalar kind.
		if len(v.Children) > 0 {
			out := Converted{Value: v.Value, Type: v.Type, Expand: &v}
			if out.Value == "" {
				out.Value = fmt.Sprintf("<%s>", v.Type)
			}
			return out
		}
		if v.Value == "" {
			return Converted{Value: fmt.Sprintf("<%s>", v.Type), Type: v.Type}
		}
		return Converted{Value: v.Value, Type: v.Type}
	}
}

func convertPointer(v Variable) Converted {
	if len(v.Children) == 0 || v.Children[0].Addr == 0 {
		return Converted{Value: fmt.Sprintf("nil <%s>", v.Type), Type: v.Type}
	}
	pointee := &v.Children[0]
	if pointee.Type == "void" {
		return Converted{Value: "void", Type: v.Type}
	}
	out := Converted{
		Value: fmt.Sprintf("<%s>(0x%x)", v.Type, pointee.Addr),
		Type:  v.Type,
	}
	if len(pointee.Children) > 0 || pointee.OnlyAddr {
		// Field names of the pointee are re-qualified relative to the
		// parent so child expressions stay evaluable.
		out.Expand = &Variable{
			Variable:       pointee,
			DisplayName:    v.DisplayName,
			FullyQualified: qualifyDeref(v.FullyQualified),
		}
	}
	return out
}

func convertSliceArray(v Variable) Converted {
	if v.Kind == reflect.Slice && v.Base == 0 {
		return Converted{Value: fmt.Sprintf("nil <%s>", v.Type), Type: v.Type}
	}
	out := Converted{
		Value: fmt.Sprintf("<%s> (length: %d, cap: %d)", v.Type, v.Len, v.Cap),
		Type:  v.Type,
	}
	if v.Len > 0 {
		out.Expand = &v
	}
	return out
}

func convertMap(v Variable) Converted {
	if v.Base == 0 {
		return Converted{Value: fmt.Sprintf("nil <%s>", v.Type), Type: v.Type}
	}
	out := Converted{
		Value: fmt.Sprintf("<%s> (length: %d)", v.Type, v.Len),
		Type:  v.Type,
	}
	if len(v.Children) > 0 {
		out.Expand = &v
	}
	return out
}

func convertInterface(v Variable) Converted {
	if v.Addr == 0 || len(v.Children) == 0 {
		return Converted{Value: "nil", Type: v.Type}
	}
	concrete := &v.Children[0]
	if concrete.Kind == reflect.Invalid && concrete.Addr == 0 {
		return Converted{Value: fmt.Sprintf("nil <%s>", v.Type), Type: v.Type}
	}
	inner := Convert(Variable{
		Variable:       concrete,
		DisplayName:    v.DisplayName,
		FullyQualified: v.FullyQualified,
	})
	out := Converted{
		// Annotate with the dynamic type; the static type stays in Type.
		Value: fmt.Sprintf("%s(%s)", concrete.Type, inner.Value),
		Type:  v.Type,
	}
	if len(concrete.Children) > 0 || concrete.OnlyAddr {
		out.Expand = &v
	}
	return out
}

// stringValue renders a string value, marking backend truncation. The
// backend caps materialized string bytes, so the declared length can
// exceed what was loaded.
func stringValue(v *api.Variable) string {
	if v.Len > int64(len(v.Value)) {
		return fmt.Sprintf("%s...+%d more", v.Value, v.Len-int64(len(v.Value)))
	}
	return v.Value
}

// Children returns the child list to display when a registered subtree
// is expanded.
func Children(v Variable) []Variable {
	switch v.Kind {
	case reflect.Map:
		return mapChildren(v)
	case reflect.Slice, reflect.Array:
		out := make([]Variable, 0, len(v.Children))
		for i := range v.Children {
			out = append(out, Variable{
				Variable:       &v.Children[i],
				DisplayName:    fmt.Sprintf("[%d]", i),
				FullyQualified: fmt.Sprintf("%s[%d]", v.FullyQualified, i),
			})
		}
		return out
	case reflect.Interface:
		if len(v.Children) == 0 {
			return nil
		}
		return Children(Variable{
			Variable:       &v.Children[0],
			DisplayName:    v.DisplayName,
			FullyQualified: v.FullyQualified,
		})
	default:
		out := make([]Variable, 0, len(v.Children))
		for i := range v.Children {
			child := &v.Children[i]
			qualified := ""
			if v.FullyQualified != "" && child.Name != "" {
				qualified = v.FullyQualified + "." + child.Name
			}
			out = append(out, Variable{
				Variable:       child,
				DisplayName:    child.Name,
				FullyQualified: qualified,
			})
		}
		return out
	}
}

// mapChildren reconstructs key/value pairs from consecutive even/odd
// child slots.
func mapChildren(v Variable) []Variable {
	out := make([]Variable, 0, len(v.Children)/2)
	for i := 0; i+1 < len(v.Children); i += 2 {
		key := &v.Children[i]
		value := &v.Children[i+1]
		keyDisplay := Convert(Variable{Variable: key}).Value
		qualified := ""
		if v.FullyQualified != "" && len(key.Children) == 0 && key.Value != "" {
			keyExpr := key.Value
			if key.Kind == reflect.String {
				keyExpr = fmt.Sprintf("%q", key.Value)
			}
			qualified = fmt.Sprintf("%s[%s]", v.FullyQualified, keyExpr)
		}
		out = append(out, Variable{
			Variable:       value,
			DisplayName:    keyDisplay,
			FullyQualified: qualified,
		})
	}
	return out
}

// LoadExpr reports whether a value was materialized only partially by
// the backend's load limits and, if so, the synthesized expression that
// fetches the full value on demand.
func LoadExpr(v *api.Variable) (string, bool) {
	switch v.Kind {
	case reflect.Struct:
		if v.Len > 0 && int64(len(v.Children)) < v.Len && v.Addr != 0 {
			return fmt.Sprintf("*(*%q)(0x%x)", v.Type, v.Addr), true
		}
	case reflect.Interface:
		if len(v.Children) == 1 && v.Children[0].OnlyAddr && v.Children[0].Addr != 0 {
			return fmt.Sprintf("*(*%q)(0x%x)", v.Children[0].Type, v.Children[0].Addr), true
		}
	}
	return "", false
}

// SliceTailExpr reports whether a slice or array was materialized only
// up to the backend's element cap and, if so, the expression that
// fetches the next page of unloaded elements. The value must have an
// evaluable expression for a tail to be reachable at all.
func SliceTailExpr(v Variable) (string, bool) {
	if v.Kind != reflect.Slice && v.Kind != reflect.Array {
		return "", false
	}
	if v.FullyQualified == "" || int64(len(v.Children)) >= v.Len {
		return "", false
	}
	return fmt.Sprintf("%s[%d:]", v.FullyQualified, len(v.Children)), true
}

// qualifyDeref wraps a qualified name so field access through the
// pointer stays a valid expression.
func qualifyDeref(qualified string) string {
	if qualified == "" {
		return ""
	}
	return "(*" + qualified + ")"
}

// FlattenShadowed merges scope variables that share a name. Variables
// are grouped by name and sorted by descending declaration line, so the
// innermost shadow keeps the bare name and each outer one gains one
// more pair of parentheses. The backend has no scoped namespacing, so
// this is the only disambiguation the editor gets.
func FlattenShadowed(vars []api.Variable) []Variable {
	byName := make(map[string][]*api.Variable)
	order := make([]string, 0, len(vars))
	for i := range vars {
		name := vars[i].Name
		if _, seen := byName[name]; !seen {
			order = append(order, name)
		}
		byName[name] = append(byName[name], &vars[i])
	}

	out := make([]Variable, 0, len(vars))
	for _, name := range order {
		group := byName[name]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].DeclLine > group[j].DeclLine
		})
		for depth, v := range group {
			display := name
			if depth > 0 {
				display = strings.Repeat("(", depth) + name + strings.Repeat(")", depth)
			}
			qualified := ""
			if depth == 0 {
				// Only the innermost shadow is reachable by expression.
				qualified = name
			}
			out = append(out, Variable{Variable: v, DisplayName: display, FullyQualified: qualified})
		}
	}
	return out
}

// Flags exposes the backend's variable flag bits by meaning.
type Flags struct {
	Escaped        bool
	Shadowed       bool
	Constant       bool
	Argument       bool
	ReturnArgument bool
	FakeAddress    bool
}

// FlagsOf decodes a value's flag bits.
func FlagsOf(v *api.Variable) Flags {
	return Flags{
		Escaped:        v.Flags&api.VariableEscaped != 0,
		Shadowed:       v.Flags&api.VariableShadowed != 0,
		Constant:       v.Flags&api.VariableConstant != 0,
		Argument:       v.Flags&api.VariableArgument != 0,
		ReturnArgument: v.Flags&api.VariableReturnArgument != 0,
		FakeAddress:    v.Flags&api.VariableFakeAddress != 0,
	}
}
