package call

import (
	"context"
	"testing"
	"time"

	"github.com/Tyrowin/nexus-realtime/internal/delivery"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
)

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	f := newFixture(t)
	rt := NewRingTimeout(f.coord, 45*time.Second, f.clock, logger.Nop())
	f.coord.Observe(rt)

	c := f.initiate(t)
	if rt.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", rt.Pending())
	}

	f.clock.Add(44 * time.Second)
	if _, ok := f.coord.Get(c.ID); !ok {
		t.Fatal("call resolved before the ring timeout")
	}

	f.clock.Add(time.Second)
	eventually(t, func() bool { return len(f.outcomes.all()) == 1 }, "call was not marked missed")

	if o := f.outcomes.all()[0]; o.Status != "MISSED" {
		t.Errorf("status = %s, want MISSED", o.Status)
	}
	for _, p := range []struct {
		name string
		n    int
	}{
		{"caller", countType(f.sink.to(userA), TypeEnd)},
		{"callee web", countType(f.sink.to(userB), TypeEnd)},
		{"callee mobile", countType(f.sink.to(userB2), TypeEnd)},
	} {
		if p.n != 1 {
			t.Errorf("%s received %d end notices, want 1", p.name, p.n)
		}
	}
	eventually(t, func() bool { return rt.Pending() == 0 }, "timer still pending")
}

func TestRingTimeoutStopsOnAnswer(t *testing.T) {
	f := newFixture(t)
	rt := NewRingTimeout(f.coord, 45*time.Second, f.clock, logger.Nop())
	f.coord.Observe(rt)

	c := f.initiate(t)
	if err := f.coord.Answer(context.Background(), c.ID, userB, "sdp"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if rt.Pending() != 0 {
		t.Fatalf("Pending after answer = %d, want 0", rt.Pending())
	}

	f.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got, ok := f.coord.Get(c.ID); !ok || got.State != StateAnswered {
		t.Errorf("call = %+v, %v; want ANSWERED", got, ok)
	}
	if n := len(f.outcomes.all()); n != 0 {
		t.Errorf("recorded %d outcomes, want 0", n)
	}
}

func TestRingTimeoutStop(t *testing.T) {
	f := newFixture(t)
	rt := NewRingTimeout(f.coord, time.Second, f.clock, logger.Nop())
	f.coord.Observe(rt)
	f.initiate(t)

	rt.Stop()
	f.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)

	if f.coord.Len() != 1 {
		t.Errorf("Len = %d, want 1", f.coord.Len())
	}
}

func countType(envs []delivery.Envelope, typ string) int {
	n := 0
	for _, env := range envs {
		if env.Type == typ {
			n++
		}
	}
	return n
}
