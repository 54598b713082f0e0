package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/park285/arcade-server/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	s, err := store.Open(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createRoom(t *testing.T, s *store.Store, id string) {
	t.Helper()
	rec := &store.RoomRecord{
		ID:        id,
		GameType:  "drop4",
		State:     json.RawMessage(`{}`),
		Phase:     store.PhaseWaiting,
		CreatedAt: time.Now(),
	}
	if err := s.CreateRoom(context.Background(), rec); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestJoinIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	tr := NewTracker(s)

	tr.RegisterConn("alice", "c1")
	tr.Join("alice", "r1")
	tr.Join("alice", "r1")

	if got := tr.Occupancy("r1"); got != 1 {
		t.Fatalf("occupancy = %d, want 1", got)
	}
	if users := tr.Present("r1"); len(users) != 1 || users[0] != "alice" {
		t.Fatalf("present = %v", users)
	}
	waitFor(t, time.Second, func() bool {
		n, err := s.Occupancy(context.Background(), "r1")
		return err == nil && n == 1
	}, "occupancy write-through")
}

func TestReconnectWinsOverGrace(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	tr := NewTracker(s, WithGracePeriod(40*time.Millisecond))

	tr.RegisterConn("alice", "c1")
	tr.Join("alice", "r1")
	if remaining := tr.DeregisterConn("alice", "c1"); remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}

	// Reconnect before the timer fires.
	tr.RegisterConn("alice", "c2")
	time.Sleep(120 * time.Millisecond)

	if !tr.IsPresent("alice", "r1") {
		t.Fatalf("user was removed despite reconnecting")
	}
	ok, err := s.RoomExists(context.Background(), "r1")
	if err != nil || !ok {
		t.Fatalf("room gone: %v (%v)", ok, err)
	}
}

func TestGraceExpiryRemovesUserAndDeletesEmptyRoom(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	if err := s.SaveMembership(context.Background(), "r1", "alice", "host"); err != nil {
		t.Fatalf("SaveMembership: %v", err)
	}
	tr := NewTracker(s, WithGracePeriod(30*time.Millisecond))

	tr.RegisterConn("alice", "c1")
	tr.Join("alice", "r1")
	tr.DeregisterConn("alice", "c1")

	waitFor(t, time.Second, func() bool {
		return !tr.IsPresent("alice", "r1")
	}, "grace removal")
	waitFor(t, time.Second, func() bool {
		ok, err := s.RoomExists(context.Background(), "r1")
		return err == nil && !ok
	}, "empty room deletion")
}

func TestSecondConnectionHoldsPresence(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	tr := NewTracker(s, WithGracePeriod(30*time.Millisecond))

	tr.RegisterConn("alice", "c1")
	tr.RegisterConn("alice", "c2")
	tr.Join("alice", "r1")

	if remaining := tr.DeregisterConn("alice", "c1"); remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}
	time.Sleep(100 * time.Millisecond)
	if !tr.IsPresent("alice", "r1") {
		t.Fatalf("user removed while a connection was still live")
	}
}

func TestLeaveIntentIgnoresLiveConnection(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	if err := s.SaveMembership(context.Background(), "r1", "alice", "host"); err != nil {
		t.Fatalf("SaveMembership: %v", err)
	}
	tr := NewTracker(s)

	tr.RegisterConn("alice", "c1")
	tr.Join("alice", "r1")
	tr.ScheduleLeaveIntent("alice", "r1", 30*time.Millisecond)

	waitFor(t, time.Second, func() bool {
		return !tr.IsPresent("alice", "r1")
	}, "explicit leave removal")
}

func TestJoinCancelsPendingLeave(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	tr := NewTracker(s)

	tr.RegisterConn("alice", "c1")
	tr.Join("alice", "r1")
	tr.ScheduleLeaveIntent("alice", "r1", 40*time.Millisecond)
	tr.Join("alice", "r1")

	time.Sleep(120 * time.Millisecond)
	if !tr.IsPresent("alice", "r1") {
		t.Fatalf("rejoin did not cancel the pending leave")
	}
}

func TestRecentRoomDeletionDeferred(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	if err := s.SaveMembership(context.Background(), "r1", "alice", "host"); err != nil {
		t.Fatalf("SaveMembership: %v", err)
	}
	tr := NewTracker(s, WithRecentRoomTTL(50*time.Millisecond))

	tr.MarkRoomCreated("r1")
	tr.RegisterConn("alice", "c1")
	tr.Join("alice", "r1")
	tr.Leave(context.Background(), "alice", "r1")

	// Inside the creation TTL the room must survive.
	ok, err := s.RoomExists(context.Background(), "r1")
	if err != nil || !ok {
		t.Fatalf("room deleted inside the creation TTL: %v (%v)", ok, err)
	}

	// The deferred re-check fires after the TTL and finds it still empty.
	waitFor(t, 2*time.Second, func() bool {
		ok, err := s.RoomExists(context.Background(), "r1")
		return err == nil && !ok
	}, "deferred deletion")
}

func TestRejoinDuringDeferralKeepsRoom(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	if err := s.SaveMembership(context.Background(), "r1", "alice", "host"); err != nil {
		t.Fatalf("SaveMembership: %v", err)
	}
	tr := NewTracker(s, WithRecentRoomTTL(50*time.Millisecond))

	tr.MarkRoomCreated("r1")
	tr.RegisterConn("alice", "c1")
	tr.Join("alice", "r1")
	tr.Leave(context.Background(), "alice", "r1")
	tr.Join("alice", "r1")

	time.Sleep(800 * time.Millisecond)
	ok, err := s.RoomExists(context.Background(), "r1")
	if err != nil || !ok {
		t.Fatalf("room deleted although a user rejoined: %v (%v)", ok, err)
	}
}

func TestSweepRepairsOccupancyDrift(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	tr := NewTracker(s)

	tr.RegisterConn("alice", "c1")
	tr.Join("alice", "r1")
	waitFor(t, time.Second, func() bool {
		n, err := s.Occupancy(context.Background(), "r1")
		return err == nil && n == 1
	}, "initial write-through")

	// Corrupt the stored value; the sweep must restore the live count.
	if err := s.SetOccupancy(context.Background(), "r1", 7); err != nil {
		t.Fatalf("SetOccupancy: %v", err)
	}
	tr.Sweep(context.Background())
	n, err := s.Occupancy(context.Background(), "r1")
	if err != nil || n != 1 {
		t.Fatalf("occupancy = %d (%v), want 1", n, err)
	}
}

func TestSweepDeletesAbandonedRoom(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	tr := NewTracker(s)

	tr.Sweep(context.Background())
	ok, err := s.RoomExists(context.Background(), "r1")
	if err != nil || ok {
		t.Fatalf("abandoned room survived the sweep: %v (%v)", ok, err)
	}
}

// slowStore delays teardown so concurrent SafeDelete calls overlap.
type slowStore struct {
	mu          sync.Mutex
	deleteCalls int
}

func (f *slowStore) RoomExists(context.Context, string) (bool, error) { return true, nil }
func (f *slowStore) ListRoomIDs(context.Context) ([]string, error) { return nil, nil }
func (f *slowStore) SetOccupancy(context.Context, string, int) error { return nil }
func (f *slowStore) Occupancy(context.Context, string) (int, error) { return 0, nil }
func (f *slowStore) MemberCount(context.Context, string) (int64, error) { return 0, nil }
func (f *slowStore) DeleteMembership(context.Context, string, string) error { return nil }

func (f *slowStore) WipeMemberships(context.Context, string) error {
	time.Sleep(50 * time.Millisecond)
	return nil
}

func (f *slowStore) DeleteRoom(context.Context, string) error {
	f.mu.Lock()
	f.deleteCalls++
	f.mu.Unlock()
	return nil
}

func TestSafeDeleteRunsAtMostOnce(t *testing.T) {
	fs := &slowStore{}
	tr := NewTracker(fs)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.SafeDelete(context.Background(), "r1"); err != nil {
				t.Errorf("SafeDelete: %v", err)
			}
		}()
	}
	wg.Wait()

	fs.mu.Lock()
	calls := fs.deleteCalls
	fs.mu.Unlock()
	if calls != 1 {
		t.Fatalf("DeleteRoom ran %d times, want 1", calls)
	}
}

func TestStopCancelsTimers(t *testing.T) {
	s := newTestStore(t)
	createRoom(t, s, "r1")
	tr := NewTracker(s, WithGracePeriod(30*time.Millisecond), WithSweepInterval(10*time.Millisecond))
	tr.Start()

	tr.RegisterConn("alice", "c1")
	tr.Join("alice", "r1")
	tr.DeregisterConn("alice", "c1")
	tr.Stop()

	time.Sleep(100 * time.Millisecond)
	if !tr.IsPresent("alice", "r1") {
		t.Fatalf("stopped tracker still fired a grace timer")
	}
}
