package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/arcade-server/internal/obslog"
)

// RoomStore is the slice of the persistent store the tracker needs. The
// in-memory present-sets stay authoritative; the store is written through
// asynchronously and repaired by the sweep when writes were lost.
type RoomStore interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	ListRoomIDs(ctx context.Context) ([]string, error)
	SetOccupancy(ctx context.Context, roomID string, n int) error
	Occupancy(ctx context.Context, roomID string) (int, error)
	MemberCount(ctx context.Context, roomID string) (int64, error)
	DeleteMembership(ctx context.Context, roomID, userID string) error
	WipeMemberships(ctx context.Context, roomID string) error
	DeleteRoom(ctx context.Context, roomID string) error
}

// SideChannel tears down an external per-room resource (the chat channel)
// during room deletion. Failures are logged, never propagated.
type SideChannel interface {
	DeleteChannel(ctx context.Context, roomID string) error
}

// Notifier receives lifecycle events the transport layer should fan out.
type Notifier interface {
	RoomClosed(roomID string)
	RoomListChanged()
}

const storeWriteTimeout = 5 * time.Second

// Tracker owns every mutable presence structure: the connection registry,
// the room/user present-sets, the grace timer table, the deletion marker
// set and the recent-creation markers. All mutation goes through its
// methods under one mutex.
type Tracker struct {
	mu          sync.Mutex
	userConns   map[string]map[string]struct{} // userID -> live connection IDs
	userRooms   map[string]map[string]struct{} // userID -> occupied room IDs
	roomUsers   map[string]map[string]struct{} // roomID -> present user IDs
	graceTimers map[string]map[string]*time.Timer // userID -> roomID -> timer
	retryTimers map[string]*time.Timer            // roomID -> deferred-delete retry
	deleting    map[string]struct{}
	recentRooms map[string]time.Time // roomID -> creation time

	store  RoomStore
	chat   SideChannel
	notify Notifier

	grace      time.Duration
	recentTTL  time.Duration
	sweepEvery time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(*Tracker)

func WithGracePeriod(d time.Duration) Option {
	return func(t *Tracker) { t.grace = d }
}

func WithRecentRoomTTL(d time.Duration) Option {
	return func(t *Tracker) { t.recentTTL = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(t *Tracker) { t.sweepEvery = d }
}

func WithSideChannel(c SideChannel) Option {
	return func(t *Tracker) { t.chat = c }
}

func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notify = n }
}

// SetNotifier wires the transport-layer notifier after construction. The
// tracker and the event router reference each other, so one of them has to
// be attached late.
func (t *Tracker) SetNotifier(n Notifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = n
}

func NewTracker(store RoomStore, opts ...Option) *Tracker {
	t := &Tracker{
		userConns:   make(map[string]map[string]struct{}),
		userRooms:   make(map[string]map[string]struct{}),
		roomUsers:   make(map[string]map[string]struct{}),
		graceTimers: make(map[string]map[string]*time.Timer),
		retryTimers: make(map[string]*time.Timer),
		deleting:    make(map[string]struct{}),
		recentRooms: make(map[string]time.Time),
		store:       store,
		grace:       15 * time.Second,
		recentTTL:   15 * time.Second,
		sweepEvery:  10 * time.Second,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the reconciliation sweep loop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop halts the sweep and cancels every outstanding timer.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, byRoom := range t.graceTimers {
		for _, tm := range byRoom {
			tm.Stop()
		}
	}
	t.graceTimers = make(map[string]map[string]*time.Timer)
	for _, tm := range t.retryTimers {
		tm.Stop()
	}
	t.retryTimers = make(map[string]*time.Timer)
}

// RegisterConn records a live connection for the user. A user may hold any
// number of simultaneous connections (duplicate tabs included).
func (t *Tracker) RegisterConn(userID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.userConns[userID]
	if !ok {
		set = make(map[string]struct{})
		t.userConns[userID] = set
	}
	set[connID] = struct{}{}
}

// DeregisterConn drops the connection and returns how many remain. When the
// count reaches zero, a grace-period teardown is armed for every room the
// user occupies.
func (t *Tracker) DeregisterConn(userID, connID string) int {
	t.mu.Lock()
	set := t.userConns[userID]
	delete(set, connID)
	remaining := len(set)
	if remaining == 0 {
		delete(t.userConns, userID)
	}
	var rooms []string
	if remaining == 0 {
		for roomID := range t.userRooms[userID] {
			rooms = append(rooms, roomID)
		}
	}
	t.mu.Unlock()

	if remaining > 0 {
		return remaining
	}
	for _, roomID := range rooms {
		t.ScheduleGracefulLeave(userID, roomID, t.grace)
	}
	return 0
}

// ConnCount reports the number of live connections the user holds.
func (t *Tracker) ConnCount(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.userConns[userID])
}

// Join marks the user present in the room. It is idempotent, cancels any
// pending grace timer for the pair and triggers an asynchronous occupancy
// write-through recomputed from the present-set.
func (t *Tracker) Join(userID, roomID string) {
	t.mu.Lock()
	rset, ok := t.roomUsers[roomID]
	if !ok {
		rset = make(map[string]struct{})
		t.roomUsers[roomID] = rset
	}
	rset[userID] = struct{}{}
	uset, ok := t.userRooms[userID]
	if !ok {
		uset = make(map[string]struct{})
		t.userRooms[userID] = uset
	}
	uset[roomID] = struct{}{}
	t.cancelGraceLocked(userID, roomID)
	size := len(rset)
	t.mu.Unlock()

	obslog.L().Debug("presence_join", zap.String("user_id", userID), zap.String("room_id", roomID), zap.Int("occupancy", size))
	go t.writeOccupancy(roomID, size)
}

// Leave removes the user immediately, reconciles the store and hands the
// room to the deletion guard when it emptied out.
func (t *Tracker) Leave(ctx context.Context, userID, roomID string) {
	t.mu.Lock()
	if rset, ok := t.roomUsers[roomID]; ok {
		delete(rset, userID)
		if len(rset) == 0 {
			delete(t.roomUsers, roomID)
		}
	}
	if uset, ok := t.userRooms[userID]; ok {
		delete(uset, roomID)
		if len(uset) == 0 {
			delete(t.userRooms, userID)
		}
	}
	t.cancelGraceLocked(userID, roomID)
	size := len(t.roomUsers[roomID])
	t.mu.Unlock()

	if err := t.store.DeleteMembership(ctx, roomID, userID); err != nil {
		obslog.L().Warn("membership_delete_failed", zap.String("user_id", userID), zap.String("room_id", roomID), zap.Error(err))
	}
	if err := t.store.SetOccupancy(ctx, roomID, size); err != nil {
		obslog.L().Warn("occupancy_write_failed", zap.String("room_id", roomID), zap.Int("occupancy", size), zap.Error(err))
	}
	obslog.L().Info("presence_leave", zap.String("user_id", userID), zap.String("room_id", roomID), zap.Int("occupancy", size))

	if size == 0 {
		members, err := t.store.MemberCount(ctx, roomID)
		if err != nil {
			obslog.L().Warn("member_count_failed", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		if members == 0 {
			t.maybeDelete(ctx, roomID)
		}
	}
	if t.notify != nil {
		t.notify.RoomListChanged()
	}
}

// ScheduleGracefulLeave arms the single-slot grace timer for (user, room).
// Arming replaces any existing timer. When it fires, a liveness re-check
// decides whether the removal still applies: a user who reconnected in the
// meantime always wins over the stale timer.
func (t *Tracker) ScheduleGracefulLeave(userID, roomID string, grace time.Duration) {
	t.armGrace(userID, roomID, grace, true)
}

// ScheduleLeaveIntent arms the grace timer for an explicit leave-room
// request. The user keeps their live connection, so the offline re-check is
// skipped; only a fresh join (which cancels the timer) forgives the leave.
func (t *Tracker) ScheduleLeaveIntent(userID, roomID string, grace time.Duration) {
	t.armGrace(userID, roomID, grace, false)
}

func (t *Tracker) armGrace(userID, roomID string, grace time.Duration, requireOffline bool) {
	t.mu.Lock()
	t.cancelGraceLocked(userID, roomID)
	byRoom, ok := t.graceTimers[userID]
	if !ok {
		byRoom = make(map[string]*time.Timer)
		t.graceTimers[userID] = byRoom
	}
	byRoom[roomID] = time.AfterFunc(grace, func() { t.fireGrace(userID, roomID, requireOffline) })
	t.mu.Unlock()

	obslog.L().Info("grace_armed", zap.String("user_id", userID), zap.String("room_id", roomID), zap.Duration("grace", grace))
}

// CancelGrace is an idempotent cancel; cancelling a fired or absent timer
// is a no-op.
func (t *Tracker) CancelGrace(userID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelGraceLocked(userID, roomID)
}

func (t *Tracker) cancelGraceLocked(userID, roomID string) {
	byRoom, ok := t.graceTimers[userID]
	if !ok {
		return
	}
	if tm, ok := byRoom[roomID]; ok {
		tm.Stop()
		delete(byRoom, roomID)
	}
	if len(byRoom) == 0 {
		delete(t.graceTimers, userID)
	}
}

// fireGrace runs when a grace timer expires. The world may have changed
// since it was armed, so presence is re-checked before anything happens.
func (t *Tracker) fireGrace(userID, roomID string, requireOffline bool) {
	t.mu.Lock()
	if byRoom, ok := t.graceTimers[userID]; ok {
		delete(byRoom, roomID)
		if len(byRoom) == 0 {
			delete(t.graceTimers, userID)
		}
	}
	alive := len(t.userConns[userID]) > 0
	t.mu.Unlock()

	if requireOffline && alive {
		obslog.L().Info("grace_aborted_reconnected", zap.String("user_id", userID), zap.String("room_id", roomID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	exists, err := t.store.RoomExists(ctx, roomID)
	if err != nil {
		obslog.L().Warn("grace_room_check_failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if !exists {
		t.mu.Lock()
		if uset, ok := t.userRooms[userID]; ok {
			delete(uset, roomID)
			if len(uset) == 0 {
				delete(t.userRooms, userID)
			}
		}
		if rset, ok := t.roomUsers[roomID]; ok {
			delete(rset, userID)
			if len(rset) == 0 {
				delete(t.roomUsers, roomID)
			}
		}
		t.mu.Unlock()
		return
	}

	obslog.L().Info("grace_expired", zap.String("user_id", userID), zap.String("room_id", roomID))
	t.Leave(ctx, userID, roomID)
}

// MarkRoomCreated suppresses deletion of a freshly created room until the
// recent-creation TTL elapses, covering the creator's redirect/reconnect gap.
func (t *Tracker) MarkRoomCreated(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recentRooms[roomID] = time.Now()
}

// maybeDelete applies the recent-creation rule before invoking the deletion
// guard: rooms still inside the TTL get a one-shot retry at TTL expiry.
func (t *Tracker) maybeDelete(ctx context.Context, roomID string) {
	t.mu.Lock()
	createdAt, recent := t.recentRooms[roomID]
	t.mu.Unlock()

	if recent {
		if left := t.recentTTL - time.Since(createdAt); left > 0 {
			t.armRetry(roomID, left+500*time.Millisecond)
			return
		}
	}
	if err := t.SafeDelete(ctx, roomID); err != nil {
		obslog.L().Error("room_delete_failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// armRetry schedules the deferred empty-room re-check. Single slot per room.
func (t *Tracker) armRetry(roomID string, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.retryTimers[roomID]; ok {
		tm.Stop()
	}
	t.retryTimers[roomID] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.retryTimers, roomID)
		occ := len(t.roomUsers[roomID])
		t.mu.Unlock()
		if occ > 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		defer cancel()
		members, err := t.store.MemberCount(ctx, roomID)
		if err != nil {
			obslog.L().Warn("retry_member_count_failed", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		if members > 0 {
			return
		}
		if err := t.SafeDelete(ctx, roomID); err != nil {
			obslog.L().Error("room_delete_failed", zap.String("room_id", roomID), zap.Error(err))
		}
	})
	obslog.L().Info("room_delete_deferred", zap.String("room_id", roomID), zap.Duration("delay", delay))
}

// SafeDelete is the deletion guard: teardown executes at most once even
// under concurrent triggers (grace timer, explicit leave, sweep). A second
// caller finding the "deleting" marker returns immediately.
func (t *Tracker) SafeDelete(ctx context.Context, roomID string) error {
	t.mu.Lock()
	if _, busy := t.deleting[roomID]; busy {
		t.mu.Unlock()
		return nil
	}
	t.deleting[roomID] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.deleting, roomID)
		t.mu.Unlock()
	}()

	if err := t.store.WipeMemberships(ctx, roomID); err != nil {
		obslog.L().Warn("membership_wipe_failed", zap.String("room_id", roomID), zap.Error(err))
	}
	if err := t.store.DeleteRoom(ctx, roomID); err != nil {
		obslog.L().Warn("room_record_delete_failed", zap.String("room_id", roomID), zap.Error(err))
	}

	t.mu.Lock()
	for userID := range t.roomUsers[roomID] {
		if uset, ok := t.userRooms[userID]; ok {
			delete(uset, roomID)
			if len(uset) == 0 {
				delete(t.userRooms, userID)
			}
		}
	}
	delete(t.roomUsers, roomID)
	for userID, byRoom := range t.graceTimers {
		if tm, ok := byRoom[roomID]; ok {
			tm.Stop()
			delete(byRoom, roomID)
		}
		if len(byRoom) == 0 {
			delete(t.graceTimers, userID)
		}
	}
	if tm, ok := t.retryTimers[roomID]; ok {
		tm.Stop()
		delete(t.retryTimers, roomID)
	}
	delete(t.recentRooms, roomID)
	t.mu.Unlock()

	if t.chat != nil {
		if err := t.chat.DeleteChannel(ctx, roomID); err != nil {
			obslog.L().Warn("chat_channel_delete_failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	obslog.L().Info("room_deleted", zap.String("room_id", roomID))
	if t.notify != nil {
		t.notify.RoomClosed(roomID)
		t.notify.RoomListChanged()
	}
	return nil
}

// Occupancy reports live unique users present in the room.
func (t *Tracker) Occupancy(roomID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.roomUsers[roomID])
}

// Present returns the user IDs currently present in the room, sorted.
func (t *Tracker) Present(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]string, 0, len(t.roomUsers[roomID]))
	for u := range t.roomUsers[roomID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Rooms returns the room IDs the user currently occupies, sorted.
func (t *Tracker) Rooms(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	rooms := make([]string, 0, len(t.userRooms[userID]))
	for r := range t.userRooms[userID] {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

func (t *Tracker) IsPresent(userID, roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.roomUsers[roomID][userID]
	return ok
}

func (t *Tracker) writeOccupancy(roomID string, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := t.store.SetOccupancy(ctx, roomID, n); err != nil {
		// In-memory state stays authoritative; the sweep repairs the store.
		obslog.L().Warn("occupancy_write_failed", zap.String("room_id", roomID), zap.Int("occupancy", n), zap.Error(err))
	}
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Sweep(context.Background())
		}
	}
}

// Sweep is the self-healing backstop: it repairs occupancy drift between
// the present-sets and the store, and deletes empty rooms missed by the
// event-driven cleanup. A failure on one room never halts the others.
func (t *Tracker) Sweep(ctx context.Context) {
	t.mu.Lock()
	for roomID, createdAt := range t.recentRooms {
		if time.Since(createdAt) > t.recentTTL+time.Second {
			delete(t.recentRooms, roomID)
		}
	}
	t.mu.Unlock()

	ids, err := t.store.ListRoomIDs(ctx)
	if err != nil {
		obslog.L().Warn("sweep_list_failed", zap.Error(err))
		return
	}
	for _, roomID := range ids {
		if err := t.sweepRoom(ctx, roomID); err != nil {
			obslog.L().Warn("sweep_room_failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

func (t *Tracker) sweepRoom(ctx context.Context, roomID string) error {
	t.mu.Lock()
	occ := len(t.roomUsers[roomID])
	t.mu.Unlock()

	exists, err := t.store.RoomExists(ctx, roomID)
	if err != nil {
		return err
	}
	if !exists {
		// Index entry outlived the record (e.g. TTL expiry); drop leftovers.
		if occ == 0 {
			return t.store.DeleteRoom(ctx, roomID)
		}
		return nil
	}

	stored, err := t.store.Occupancy(ctx, roomID)
	if err != nil {
		return err
	}
	if stored != occ {
		obslog.L().Info("sweep_occupancy_repair", zap.String("room_id", roomID), zap.Int("stored", stored), zap.Int("live", occ))
		if err := t.store.SetOccupancy(ctx, roomID, occ); err != nil {
			return err
		}
	}

	if occ == 0 {
		members, err := t.store.MemberCount(ctx, roomID)
		if err != nil {
			return err
		}
		if members == 0 {
			t.maybeDelete(ctx, roomID)
		}
	}
	return nil
}
