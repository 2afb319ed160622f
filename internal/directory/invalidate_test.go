package directory

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Tyrowin/nexus-realtime/internal/logger"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	users []string
	fail  int64
}

func (r *recordingInvalidator) Invalidate(_ context.Context, workspaceID string, userID int64) error {
	if userID == r.fail {
		return errors.New("redis down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, workspaceID+"/"+strconv.FormatInt(userID, 10))
	return nil
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func TestApplyMembershipChange(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		fail    int64
		want    int
		wantErr bool
	}{
		{name: "all users", data: `{"workspaceId":"acme","userIds":[1,2]}`, want: 2},
		{name: "skips invalid ids", data: `{"workspaceId":"acme","userIds":[0,-1,3]}`, want: 1},
		{name: "no users", data: `{"workspaceId":"acme"}`, want: 0},
		{name: "missing workspace", data: `{"userIds":[1]}`, wantErr: true},
		{name: "malformed", data: `{"workspaceId":`, wantErr: true},
		{name: "partial failure", data: `{"workspaceId":"acme","userIds":[1,2,3]}`, fail: 2, want: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &recordingInvalidator{fail: tt.fail}
			n, err := ApplyMembershipChange(context.Background(), inv, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if n != tt.want || inv.count() != tt.want {
				t.Errorf("invalidated = %d (recorded %d), want %d", n, inv.count(), tt.want)
			}
		})
	}
}

// Requires a running NATS server; set TEST_NATS_URL to enable.
func TestListenMembershipChanges(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("set TEST_NATS_URL to run NATS integration tests")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer nc.Close()

	prefix := "dir" + time.Now().Format("150405")
	inv := &recordingInvalidator{}
	sub, err := ListenMembershipChanges(context.Background(), nc, prefix, inv, logger.Nop())
	if err != nil {
		t.Fatalf("ListenMembershipChanges: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := nc.Publish(MembershipSubject(prefix), []byte(`{"workspaceId":"acme","userIds":[4,5]}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for inv.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("invalidated %d users, want 2", inv.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
