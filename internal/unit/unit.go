// Package unit is the child-process side of an invocation: it loads one
// execution unit script into a goja runtime and calls its entry point.
//
// The script must define a global `__main(encodedArgs)`. The host provides
// `console` (log/info/print to stdout, warn/error to stderr) and two
// natives for the wire format: `__decodeArgs(string) -> Array` and
// `__encodeResult(value) -> string`.
package unit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dop251/goja"

	"github.com/customlambda/customlambda/internal/wire"
)

// EntryPoint is the global function every unit defines.
const EntryPoint = "__main"

// Exit codes.
const (
	ExitOK        = 0
	ExitException = 1
	ExitUsage     = 2
)

// Run executes the unit at path with the encoded argument list and returns
// the process exit code.
func Run(path, encodedArgs string, stdout, stderr io.Writer) int {
	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "unit: %v\n", err)
		return ExitUsage
	}

	vm := goja.New()
	h := &host{vm: vm, stdout: stdout, stderr: stderr}
	if err := h.install(); err != nil {
		fmt.Fprintf(stderr, "unit: %v\n", err)
		return ExitUsage
	}

	if _, err := vm.RunScript(path, string(src)); err != nil {
		h.report(err)
		return ExitException
	}

	main, ok := goja.AssertFunction(vm.Get(EntryPoint))
	if !ok {
		fmt.Fprintf(stderr, "unit: %s does not define %s\n", path, EntryPoint)
		return ExitUsage
	}
	if _, err := main(goja.Undefined(), vm.ToValue(encodedArgs)); err != nil {
		h.report(err)
		return ExitException
	}
	return ExitOK
}

type host struct {
	vm     *goja.Runtime
	stdout io.Writer
	stderr io.Writer
}

func (h *host) install() error {
	console := h.vm.NewObject()
	for name, w := range map[string]io.Writer{
		"log":   h.stdout,
		"info":  h.stdout,
		"print": h.stdout,
		"warn":  h.stderr,
		"error": h.stderr,
	} {
		if err := console.Set(name, h.printer(w)); err != nil {
			return err
		}
	}
	if err := h.vm.Set("console", console); err != nil {
		return err
	}
	if err := h.vm.Set("print", h.printer(h.stdout)); err != nil {
		return err
	}
	if err := h.vm.Set("__decodeArgs", h.decodeArgs); err != nil {
		return err
	}
	return h.vm.Set("__encodeResult", h.encodeResult)
}

// printer writes each call as one line, unbuffered, so the parent sees
// output produced before a kill.
func (h *host) printer(w io.Writer) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = h.format(arg)
		}
		io.WriteString(w, strings.Join(parts, " ")+"\n")
		return goja.Undefined()
	}
}

func (h *host) format(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if _, isObj := v.(*goja.Object); !isObj {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(v); isFn {
		return v.String()
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return v.String()
	}
	return string(b)
}

func (h *host) decodeArgs(call goja.FunctionCall) goja.Value {
	args, err := wire.DecodeArgs(call.Argument(0).String())
	if err != nil {
		panic(h.vm.NewGoError(err))
	}
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = h.vm.ToValue(a)
	}
	return h.vm.NewArray(vals...)
}

func (h *host) encodeResult(call goja.FunctionCall) goja.Value {
	var v any
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		v = arg.Export()
	}
	s, err := wire.EncodeValue(v)
	if err != nil {
		panic(h.vm.NewGoError(err))
	}
	return h.vm.ToValue(s)
}

func (h *host) report(err error) {
	if ex, ok := err.(*goja.Exception); ok {
		fmt.Fprintln(h.stderr, ex.String())
		return
	}
	fmt.Fprintln(h.stderr, err)
}
