package poolz

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// runSource compiles function source text as a JavaScript expression and
// applies it to params. It backs the "run" built-in, which is how anonymous
// functions submitted through ExecFunc execute inside a worker.
//
// Each invocation gets a fresh VM: submitted code shares no state between
// calls, matching the isolation a structured-clone transport would give.
func runSource(source string, params []any) (any, error) {
	vm := goja.New()
	v, err := vm.RunString("(" + source + ")")
	if err != nil {
		return nil, fmt.Errorf("compile function source: %w", err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("function source did not evaluate to a function")
	}
	args := make([]goja.Value, len(params))
	for i, p := range params {
		args[i] = vm.ToValue(p)
	}
	result, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, err
	}
	return result.Export(), nil
}

// builtinRun is the "run" method seeded into every registry. Params are the
// function source followed by its argument list.
func builtinRun(_ context.Context, params []any) (any, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("run: missing function source")
	}
	source, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("run: function source must be a string")
	}
	var args []any
	if len(params) > 1 {
		if list, ok := params[1].([]any); ok {
			args = list
		} else if params[1] != nil {
			args = params[1:2]
		}
	}
	return runSource(source, args)
}
