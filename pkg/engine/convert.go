package engine

import (
	"context"
)

// TypedCallable is an executable whose declared types have been verified
// against a caller's requested signature.
type TypedCallable struct {
	sig Signature
	exe Executable
}

// Convert verifies that exe can serve the requested input and output types.
//
// The declared input type must be assignable from the requested input, and
// the declared output type must be assignable from the requested output.
// No value coercion takes place.
func Convert(identifier string, exe Executable, in, out TypeDescriptor) (*TypedCallable, error) {
	if declared := exe.InputType(); !declared.AssignableFrom(in) {
		return nil, &TypeMismatchError{Identifier: identifier, Slot: SlotInput, Declared: declared, Requested: in}
	}
	if declared := exe.OutputType(); !declared.AssignableFrom(out) {
		return nil, &TypeMismatchError{Identifier: identifier, Slot: SlotOutput, Declared: declared, Requested: out}
	}
	return &TypedCallable{sig: NewSignature(identifier, in, out), exe: exe}, nil
}

// Signature returns the signature the callable was verified against.
func (c *TypedCallable) Signature() Signature {
	return c.sig
}

// Executable returns the underlying executable.
func (c *TypedCallable) Executable() Executable {
	return c.exe
}

// Call invokes the underlying executable.
func (c *TypedCallable) Call(ctx context.Context, payload any) (any, error) {
	return c.exe.Invoke(ctx, payload)
}
