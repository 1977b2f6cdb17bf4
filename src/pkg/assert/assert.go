package assert

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Assert panics with the caller's position when condition does not hold.
// The optional args are a format string followed by its operands.
func Assert(condition bool, args ...any) {
	if condition {
		return
	}

	panic(failureMessage(2, args...))
}

func NoError(err error) {
	if err == nil {
		return
	}

	panic(failureMessage(2, "expected no error, got: %v", err))
}

// Cast performs a checked type assertion.
//
// Example usage:
//
//	ident := Cast[common.PageIdentity](elem.Value)
func Cast[T any](data any) T {
	casted, ok := data.(T)
	if !ok {
		panic(failureMessage(2, "couldn't cast %T to %T", data, *new(T)))
	}

	return casted
}

func failureMessage(skip int, args ...any) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "unknown"
		line = 0
	}
	filename := filepath.Base(file)

	if len(args) == 0 {
		return fmt.Sprintf("Assertion failed at %s:%d\n", filename, line)
	}

	format, ok := args[0].(string)
	if !ok {
		return fmt.Sprintf("Assertion failed: %v at %s:%d\n", args, filename, line)
	}

	return fmt.Sprintf(
		"Assertion failed: %s at %s:%d\n",
		fmt.Sprintf(format, args[1:]...),
		filename,
		line,
	)
}
