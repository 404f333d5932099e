package vmerrors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "full error",
			err:      &Error{Phase: PhaseResolve, Kind: KindNotFound, Detail: "module not found"},
			contains: []string{"[resolve]", "not_found", "module not found"},
		},
		{
			name:     "minimal error",
			err:      &Error{Phase: PhaseModule, Kind: KindCompileError},
			contains: []string{"[module]", "compile_error"},
		},
		{
			name:     "error with cause",
			err:      &Error{Phase: PhaseAsync, Kind: KindTaskFailed, Detail: "fetch failed", Cause: errors.New("dial tcp: timeout")},
			contains: []string{"[async]", "task_failed", "fetch failed", "caused by", "dial tcp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{Phase: PhaseBridge, Kind: KindChildFaulted, Cause: cause}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := New(PhaseResolve, KindAmbiguous).Detail("x").Build()

	if !err.Is(&Error{Phase: PhaseResolve, Kind: KindAmbiguous}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseModule, Kind: KindAmbiguous}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhaseResolve, Kind: KindNotFound}) {
		t.Error("Is should not match different kind")
	}

	target := &Error{Phase: PhaseResolve, Kind: KindAmbiguous}
	if !errors.Is(err, target) {
		t.Error("errors.Is should match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseRuntime, KindWrongVM).
		Cause(cause).
		Detail("expected %s, got %s", "vm-a", "vm-b").
		Build()

	if err.Phase != PhaseRuntime {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseRuntime)
	}
	if err.Kind != KindWrongVM {
		t.Errorf("Kind = %v, want %v", err.Kind, KindWrongVM)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "expected vm-a, got vm-b" {
		t.Errorf("Detail = %v, want 'expected vm-a, got vm-b'", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		err := NotFound(PhaseResolve, "module", "foo/bar")
		if err.Kind != KindNotFound {
			t.Errorf("Kind = %v, want %v", err.Kind, KindNotFound)
		}
		if !strings.Contains(err.Detail, "foo/bar") {
			t.Errorf("Detail = %v, should contain name", err.Detail)
		}
	})

	t.Run("Ambiguous", func(t *testing.T) {
		err := Ambiguous(PhaseResolve, "foo", []string{"foo.lua", "foo.luau"})
		if err.Kind != KindAmbiguous {
			t.Errorf("Kind = %v, want %v", err.Kind, KindAmbiguous)
		}
		if !strings.Contains(err.Detail, "foo.lua") || !strings.Contains(err.Detail, "foo.luau") {
			t.Errorf("Detail = %v, should list candidates", err.Detail)
		}
	})

	t.Run("IOError", func(t *testing.T) {
		cause := errors.New("permission denied")
		err := IOError(PhaseResolve, "read foo.lua", cause)
		if err.Kind != KindIO {
			t.Errorf("Kind = %v, want %v", err.Kind, KindIO)
		}
		if !errors.Is(err.Cause, cause) {
			t.Errorf("Cause = %v, want %v", err.Cause, cause)
		}
	})

	t.Run("Disallowed", func(t *testing.T) {
		err := Disallowed(PhaseResolve, "require of net is disallowed")
		if err.Kind != KindDisallowed {
			t.Errorf("Kind = %v, want %v", err.Kind, KindDisallowed)
		}
	})

	t.Run("TaskFailed", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := TaskFailed(cause)
		if err.Phase != PhaseAsync || err.Kind != KindTaskFailed {
			t.Errorf("Phase/Kind = %v/%v, want %v/%v", err.Phase, err.Kind, PhaseAsync, KindTaskFailed)
		}
	})

	t.Run("ChildFaulted", func(t *testing.T) {
		cause := errors.New("spawned module panicked")
		err := ChildFaulted(cause)
		if err.Phase != PhaseBridge || err.Kind != KindChildFaulted {
			t.Errorf("Phase/Kind = %v/%v, want %v/%v", err.Phase, err.Kind, PhaseBridge, KindChildFaulted)
		}
	})

	t.Run("WrongVM", func(t *testing.T) {
		err := WrongVM()
		if err.Phase != PhaseRuntime || err.Kind != KindWrongVM {
			t.Errorf("Phase/Kind = %v/%v, want %v/%v", err.Phase, err.Kind, PhaseRuntime, KindWrongVM)
		}
	})
}
