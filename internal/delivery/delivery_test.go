package delivery

import (
	"context"
	"errors"
	"testing"
)

var errDown = errors.New("down")

func TestFanoutSucceedsWhenAnyDelivererSucceeds(t *testing.T) {
	var calls int
	ok := Func(func(context.Context, Target, Envelope) error { calls++; return nil })
	bad := Func(func(context.Context, Target, Envelope) error { calls++; return errDown })

	if err := (Fanout{bad, ok}).Deliver(context.Background(), Target{}, Envelope{Type: "x"}); err != nil {
		t.Errorf("Deliver = %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}

	err := (Fanout{bad, bad}).Deliver(context.Background(), Target{}, Envelope{Type: "x"})
	if !errors.Is(err, errDown) {
		t.Errorf("Deliver = %v, want errDown", err)
	}
}

func TestSafeRecoversPanics(t *testing.T) {
	boom := Func(func(context.Context, Target, Envelope) error { panic("boom") })
	if err := Safe(context.Background(), boom, Target{SessionKey: "acme:1:WEB"}, Envelope{}); err == nil {
		t.Error("Safe returned nil for panicking deliverer")
	}
}
