package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type kindedErr struct{ k Kind }

func (e kindedErr) Error() string   { return "kinded" }
func (e kindedErr) FaultKind() Kind { return e.k }

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ConnectionLost, "market.stream", errors.New("eof")))
	if got := KindOf(err); got != ConnectionLost {
		t.Fatalf("expected connection_lost, got %s", got)
	}
	if !IsRetryable(err) {
		t.Fatalf("connection loss should be retryable")
	}
}

func TestKindOfForeignError(t *testing.T) {
	err := fmt.Errorf("call: %w", kindedErr{k: Auth})
	if got := KindOf(err); got != Auth {
		t.Fatalf("expected auth, got %s", got)
	}
	if IsRetryable(err) {
		t.Fatalf("auth must not be retryable")
	}
}

func TestInitInheritsCause(t *testing.T) {
	cases := []struct {
		cause error
		want  bool
	}{
		{kindedErr{k: Transport}, true},
		{kindedErr{k: Auth}, false},
		{errors.New("plain"), true},
	}
	for _, c := range cases {
		err := New(Init, "engine.new", c.cause)
		if got := IsRetryable(err); got != c.want {
			t.Errorf("IsRetryable(init(%v)) = %v, want %v", c.cause, got, c.want)
		}
	}
}

func TestCanceledNotRetryable(t *testing.T) {
	if IsRetryable(fmt.Errorf("run: %w", context.Canceled)) {
		t.Fatalf("context cancellation must not be retryable")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil must not be retryable")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Errorf(Protocol, "market.decode", "bad frame %d", 3)
	want := "market.decode: protocol: bad frame 3"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
