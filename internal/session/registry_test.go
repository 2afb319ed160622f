package session

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/Tyrowin/nexus-realtime/internal/identity"
)

func principal(ws string, user int64, device identity.DeviceType) identity.Principal {
	return identity.Principal{WorkspaceID: ws, UserID: user, DeviceType: device}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	p := principal("acme", 1, identity.DeviceWeb)
	key := NewKey(p)

	if !r.Register(key, p) {
		t.Fatal("first Register returned false")
	}
	r.UpdateVisibility(key, []int64{5}, nil)
	if r.Register(key, p) {
		t.Error("second Register returned true")
	}

	info, ok := r.Get(key)
	if !ok {
		t.Fatal("session missing after Register")
	}
	if _, visible := info.Visible[5]; !visible {
		t.Error("repeat Register reset the visible set")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestNewKey(t *testing.T) {
	tests := []struct {
		name string
		p    identity.Principal
		want Key
	}{
		{"device type only", principal("acme", 1, identity.DeviceWeb), "acme:1:WEB"},
		{"device id", identity.Principal{WorkspaceID: "acme", UserID: 1, DeviceType: identity.DeviceWeb, DeviceID: "tab-2"}, "acme:1:WEB:tab-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewKey(tt.p); got != tt.want {
				t.Errorf("NewKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceIDsKeepSeparateSessions(t *testing.T) {
	r := NewRegistry()
	first := identity.Principal{WorkspaceID: "acme", UserID: 1, DeviceType: identity.DeviceWeb, DeviceID: "tab-1"}
	second := first
	second.DeviceID = "tab-2"

	if !r.Register(NewKey(first), first) || !r.Register(NewKey(second), second) {
		t.Fatal("Register of a second device id returned false")
	}
	if got := len(r.SessionsForUser("acme", 1)); got != 2 {
		t.Errorf("SessionsForUser = %d sessions, want 2", got)
	}
	info, ok := r.Get(NewKey(second))
	if !ok {
		t.Fatal("second session missing")
	}
	if info.Principal() != second {
		t.Errorf("Principal = %+v, want %+v", info.Principal(), second)
	}
}

func TestUpdateVisibilityUnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry()
	if r.UpdateVisibility("acme:1:WEB", []int64{1, 2}, nil) {
		t.Error("UpdateVisibility on unknown key returned true")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestUpdateVisibilityReplacesSet(t *testing.T) {
	r := NewRegistry()
	p := principal("acme", 1, identity.DeviceWeb)
	key := NewKey(p)
	r.Register(key, p)

	opened := int64(3)
	r.UpdateVisibility(key, []int64{1, 2, 3}, &opened)
	r.UpdateVisibility(key, []int64{4}, nil)

	info, _ := r.Get(key)
	if !reflect.DeepEqual(info.Visible, map[int64]struct{}{4: {}}) {
		t.Errorf("Visible = %v, want {4}", info.Visible)
	}
	if info.Opened != nil {
		t.Errorf("Opened = %v, want nil", *info.Opened)
	}
}

func TestRemoveIsSafeToRepeat(t *testing.T) {
	r := NewRegistry()
	web := principal("acme", 1, identity.DeviceWeb)
	mobile := principal("acme", 1, identity.DeviceMobile)
	r.Register(NewKey(web), web)
	r.Register(NewKey(mobile), mobile)

	_, remaining, removed := r.Remove(NewKey(web))
	if !removed || remaining != 1 {
		t.Fatalf("first Remove = (%d, %v), want (1, true)", remaining, removed)
	}
	if _, _, removed := r.Remove(NewKey(web)); removed {
		t.Error("second Remove reported removal")
	}
	_, remaining, _ = r.Remove(NewKey(mobile))
	if remaining != 0 {
		t.Errorf("remaining after last Remove = %d, want 0", remaining)
	}
	if keys := r.SessionsForUser("acme", 1); len(keys) != 0 {
		t.Errorf("SessionsForUser = %v, want none", keys)
	}
}

func TestFindMatching(t *testing.T) {
	r := NewRegistry()
	a := principal("acme", 1, identity.DeviceWeb)
	b := principal("acme", 2, identity.DeviceWeb)
	c := principal("acme", 3, identity.DeviceMobile)
	other := principal("globex", 4, identity.DeviceWeb)
	for _, p := range []identity.Principal{a, b, c, other} {
		r.Register(NewKey(p), p)
	}
	r.UpdateVisibility(NewKey(a), []int64{5, 6, 7}, nil)
	r.UpdateVisibility(NewKey(b), []int64{8}, nil)
	r.UpdateVisibility(NewKey(c), []int64{7, 5}, nil)
	r.UpdateVisibility(NewKey(other), []int64{5}, nil)

	got := r.FindMatching("acme", []int64{5, 7, 9})
	want := map[Key][]int64{
		NewKey(a): {5, 7},
		NewKey(c): {5, 7},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FindMatching = %v, want %v", got, want)
	}

	if got := r.FindMatching("acme", nil); len(got) != 0 {
		t.Errorf("FindMatching(nil) = %v, want empty", got)
	}
}

func TestSessionsForUser(t *testing.T) {
	r := NewRegistry()
	web := principal("acme", 1, identity.DeviceWeb)
	mobile := principal("acme", 1, identity.DeviceMobile)
	elsewhere := principal("globex", 1, identity.DeviceWeb)
	for _, p := range []identity.Principal{web, mobile, elsewhere} {
		r.Register(NewKey(p), p)
	}

	got := r.SessionsForUser("acme", 1)
	want := []Key{NewKey(mobile), NewKey(web)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SessionsForUser = %v, want %v", got, want)
	}
}

// Sessions that never change are always reported while unrelated sessions
// churn concurrently.
func TestFindMatchingUnderConcurrentMutation(t *testing.T) {
	r := NewRegistry()
	stable := make([]Key, 0, 10)
	for i := int64(1); i <= 10; i++ {
		p := principal("acme", i, identity.DeviceWeb)
		key := NewKey(p)
		r.Register(key, p)
		r.UpdateVisibility(key, []int64{100}, nil)
		stable = append(stable, key)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				p := principal("acme", int64(1000+worker), identity.DeviceType(fmt.Sprintf("D%d", i%3)))
				key := NewKey(p)
				r.Register(key, p)
				r.UpdateVisibility(key, []int64{200, int64(i % 5)}, nil)
				r.Remove(key)
			}
		}(w)
	}

	for i := 0; i < 200; i++ {
		got := r.FindMatching("acme", []int64{100})
		if len(got) != len(stable) {
			t.Fatalf("FindMatching returned %d sessions, want %d", len(got), len(stable))
		}
		for _, key := range stable {
			if ids := got[key]; !reflect.DeepEqual(ids, []int64{100}) {
				t.Fatalf("session %s matched %v, want [100]", key, ids)
			}
		}
	}
	close(stop)
	wg.Wait()
}
