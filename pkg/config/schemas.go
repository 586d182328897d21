package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var configSchema string

// schema compiles the #Config definition into a fresh context. Values
// unified with it must come from the same context.
func schema() (*cue.Context, cue.Value, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, cue.Value{}, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return ctx, v.LookupPath(cue.ParsePath("#Config")), nil
}

// decodeCUE validates a CUE document against #Config and decodes it to a
// map suitable for viper.
func decodeCUE(data []byte, filename string) (map[string]any, error) {
	ctx, def, err := schema()
	if err != nil {
		return nil, err
	}

	user := ctx.CompileBytes(data, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return nil, formatCUEError(err, filename)
	}

	unified := def.Unify(user)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err, filename)
	}

	var out map[string]any
	if err := unified.Decode(&out); err != nil {
		return nil, formatCUEError(err, filename)
	}
	return out, nil
}

// formatCUEError flattens CUE's error list into one error carrying
// positions.
func formatCUEError(err error, filename string) error {
	list := errors.Errors(err)
	if len(list) == 0 {
		return fmt.Errorf("%s: %w", filename, err)
	}

	msg := ""
	for i, e := range list {
		if i > 0 {
			msg += "; "
		}
		pos := e.Position()
		if pos.IsValid() {
			msg += fmt.Sprintf("%s:%d:%d: ", filename, pos.Line(), pos.Column())
		}
		format, args := e.Msg()
		msg += fmt.Sprintf(format, args...)
		if path := e.Path(); len(path) > 0 {
			msg += fmt.Sprintf(" (at %v)", path)
		}
	}
	return fmt.Errorf("invalid configuration: %s", msg)
}
