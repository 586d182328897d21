package engine

import (
	"context"
	"fmt"
	"strings"
)

// TypeDescriptor is a first-class description of a value type.
//
// Descriptors form a tree rooted at Any. Each descriptor is identified by its
// full path from the root (for example "any/number/int"), which keeps the
// type comparable and usable as part of a map key.
type TypeDescriptor struct {
	path string
}

// Built-in descriptors.
var (
	Any    = TypeDescriptor{path: "any"}
	String = Derive(Any, "string")
	Bytes  = Derive(Any, "bytes")
	Bool   = Derive(Any, "bool")
	Number = Derive(Any, "number")
	Int    = Derive(Number, "int")
	Float  = Derive(Number, "float")
	List   = Derive(Any, "list")
	Map    = Derive(Any, "map")
)

var builtinTypes = map[string]TypeDescriptor{
	"any":    Any,
	"string": String,
	"bytes":  Bytes,
	"bool":   Bool,
	"number": Number,
	"int":    Int,
	"float":  Float,
	"list":   List,
	"map":    Map,
}

// Derive returns a new descriptor that is a subtype of parent.
func Derive(parent TypeDescriptor, name string) TypeDescriptor {
	if parent.path == "" {
		parent = Any
	}
	return TypeDescriptor{path: parent.path + "/" + name}
}

// ParseType parses a short builtin name ("int") or a full descriptor path
// ("any/number/int", "any/map/order").
func ParseType(s string) (TypeDescriptor, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Any, nil
	}
	if t, ok := builtinTypes[s]; ok {
		return t, nil
	}
	if s == "any" || strings.HasPrefix(s, "any/") {
		for _, seg := range strings.Split(s, "/") {
			if seg == "" {
				return TypeDescriptor{}, fmt.Errorf("invalid type path %q", s)
			}
		}
		return TypeDescriptor{path: s}, nil
	}
	return TypeDescriptor{}, fmt.Errorf("unknown type %q", s)
}

// MustParseType is like ParseType but panics on error.
func MustParseType(s string) TypeDescriptor {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the last path segment of the descriptor.
func (t TypeDescriptor) Name() string {
	p := t.Path()
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Path returns the full descriptor path.
func (t TypeDescriptor) Path() string {
	if t.path == "" {
		return Any.path
	}
	return t.path
}

// String implements fmt.Stringer.
func (t TypeDescriptor) String() string {
	return t.Path()
}

// AssignableFrom reports whether a value described by other may be used where
// t is expected: other is t itself or one of its descendants.
func (t TypeDescriptor) AssignableFrom(other TypeDescriptor) bool {
	tp, op := t.Path(), other.Path()
	return op == tp || strings.HasPrefix(op, tp+"/")
}

// MarshalText implements encoding.TextMarshaler.
func (t TypeDescriptor) MarshalText() ([]byte, error) {
	return []byte(t.Path()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TypeDescriptor) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Signature identifies a typed function: a logical identifier plus the input
// and output types requested by the caller. Two signatures are equal when all
// three fields are equal, so a Signature can be used directly as a map key.
type Signature struct {
	Identifier string
	Input      TypeDescriptor
	Output     TypeDescriptor
}

// NewSignature creates a signature.
func NewSignature(identifier string, in, out TypeDescriptor) Signature {
	return Signature{Identifier: identifier, Input: in.normalize(), Output: out.normalize()}
}

func (t TypeDescriptor) normalize() TypeDescriptor {
	if t.path == "" {
		return Any
	}
	return t
}

// Key returns a string form of the signature that is unique per distinct
// signature.
func (s Signature) Key() string {
	return fmt.Sprintf("%q|%s|%s", s.Identifier, s.Input.Path(), s.Output.Path())
}

// String implements fmt.Stringer.
func (s Signature) String() string {
	return fmt.Sprintf("%s(%s) %s", s.Identifier, s.Input.Path(), s.Output.Path())
}

// Executable is a runnable artifact with declared input and output types.
type Executable interface {
	// Invoke runs the executable with the given payload.
	Invoke(ctx context.Context, payload any) (any, error)

	// InputType returns the declared input type.
	InputType() TypeDescriptor

	// OutputType returns the declared output type.
	OutputType() TypeDescriptor
}

// Wirable is implemented by executables that need named collaborators
// injected before first use.
type Wirable interface {
	// Requires lists the collaborator names the executable depends on.
	Requires() []string

	// Wire supplies the requested collaborators.
	Wire(deps map[string]any) error
}

// FuncExecutable adapts a Go function to the Executable interface.
type FuncExecutable struct {
	in  TypeDescriptor
	out TypeDescriptor
	fn  func(ctx context.Context, payload any) (any, error)
}

// Func creates an executable from fn with the given declared types.
func Func(in, out TypeDescriptor, fn func(ctx context.Context, payload any) (any, error)) *FuncExecutable {
	return &FuncExecutable{in: in, out: out, fn: fn}
}

// Invoke implements Executable.
func (f *FuncExecutable) Invoke(ctx context.Context, payload any) (any, error) {
	return f.fn(ctx, payload)
}

// InputType implements Executable.
func (f *FuncExecutable) InputType() TypeDescriptor { return f.in }

// OutputType implements Executable.
func (f *FuncExecutable) OutputType() TypeDescriptor { return f.out }

// Source is a candidate source text for an identifier.
type Source struct {
	// Origin describes where the source came from (a path or URL).
	Origin string `json:"origin"`

	// Language selects the compiler ("starlark", "wasm").
	Language string `json:"language"`

	// Body is the raw source text or module bytes.
	Body []byte `json:"-"`
}

// Source languages.
const (
	LanguageStarlark = "starlark"
	LanguageWASM     = "wasm"
)
