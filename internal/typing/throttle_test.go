package typing

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
)

func TestShouldSendWindow(t *testing.T) {
	clk := clock.NewMock()
	th := NewThrottle(800*time.Millisecond, clk)
	key := Key("acme", 1, "laptop")

	if !th.ShouldSend(key) {
		t.Fatal("first call suppressed")
	}
	if th.ShouldSend(key) {
		t.Fatal("second call within window accepted")
	}

	clk.Add(799 * time.Millisecond)
	if th.ShouldSend(key) {
		t.Fatal("call at 799ms accepted")
	}

	clk.Add(time.Millisecond)
	if !th.ShouldSend(key) {
		t.Fatal("call at 800ms suppressed")
	}
	if th.ShouldSend(key) {
		t.Fatal("call right after reopened window accepted")
	}
}

func TestShouldSendKeysAreIndependent(t *testing.T) {
	th := NewThrottle(time.Second, clock.NewMock())

	if !th.ShouldSend(Key("acme", 1, "laptop")) {
		t.Fatal("laptop suppressed")
	}
	if !th.ShouldSend(Key("acme", 1, "phone")) {
		t.Error("second device of same user suppressed")
	}
	if !th.ShouldSend(Key("acme", 2, "laptop")) {
		t.Error("other user suppressed")
	}
}

func TestPrune(t *testing.T) {
	clk := clock.NewMock()
	th := NewThrottle(time.Second, clk)
	th.ShouldSend("old")
	clk.Add(time.Minute)
	th.ShouldSend("fresh")

	if removed := th.Prune(30 * time.Second); removed != 1 {
		t.Errorf("Prune removed %d, want 1", removed)
	}
	if th.Len() != 1 {
		t.Errorf("Len = %d, want 1", th.Len())
	}
}
