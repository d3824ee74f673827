package poolz

import (
	"context"
	"strings"
	"testing"
)

func TestRunSource(t *testing.T) {
	t.Run("Applies Arrow Function To Args", func(t *testing.T) {
		result, err := runSource("(a, b) => a + b", []any{2, 3})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != int64(5) {
			t.Errorf("expected 5, got %v (%T)", result, result)
		}
	})

	t.Run("Applies Classic Function", func(t *testing.T) {
		result, err := runSource("function (s) { return s.toUpperCase(); }", []any{"hello"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "HELLO" {
			t.Errorf("expected HELLO, got %v", result)
		}
	})

	t.Run("Objects Export As Maps", func(t *testing.T) {
		result, err := runSource("(n) => ({ doubled: n * 2 })", []any{21})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		obj, ok := result.(map[string]any)
		if !ok {
			t.Fatalf("expected map result, got %T", result)
		}
		if obj["doubled"] != int64(42) {
			t.Errorf("expected doubled 42, got %v", obj["doubled"])
		}
	})

	t.Run("Compile Errors Surface", func(t *testing.T) {
		_, err := runSource("(a, b) =>", nil)
		if err == nil {
			t.Fatal("expected a compile error")
		}
		if !strings.Contains(err.Error(), "compile function source") {
			t.Errorf("expected compile error context, got %v", err)
		}
	})

	t.Run("Non Function Source Rejected", func(t *testing.T) {
		_, err := runSource("42", nil)
		if err == nil {
			t.Fatal("expected an error for non-function source")
		}
	})

	t.Run("Thrown Errors Surface", func(t *testing.T) {
		_, err := runSource("() => { throw new Error('nope'); }", nil)
		if err == nil {
			t.Fatal("expected the thrown error")
		}
		if !strings.Contains(err.Error(), "nope") {
			t.Errorf("expected thrown message, got %v", err)
		}
	})

	t.Run("No State Leaks Between Calls", func(t *testing.T) {
		if _, err := runSource("() => { globalThis.leak = 'x'; return 1; }", nil); err != nil {
			t.Fatal(err)
		}
		result, err := runSource("() => typeof globalThis.leak", nil)
		if err != nil {
			t.Fatal(err)
		}
		if result != "undefined" {
			t.Errorf("expected fresh VM per call, found leak: %v", result)
		}
	})
}

func TestBuiltinRun(t *testing.T) {
	t.Run("Source Plus Args", func(t *testing.T) {
		result, err := builtinRun(context.Background(), []any{"(a, b) => a * b", []any{6, 7}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != int64(42) {
			t.Errorf("expected 42, got %v", result)
		}
	})

	t.Run("Missing Source Rejected", func(t *testing.T) {
		if _, err := builtinRun(context.Background(), nil); err == nil {
			t.Error("expected error for missing source")
		}
	})

	t.Run("Non String Source Rejected", func(t *testing.T) {
		if _, err := builtinRun(context.Background(), []any{42}); err == nil {
			t.Error("expected error for non-string source")
		}
	})
}
