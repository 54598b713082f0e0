package server

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/arcade-server/internal/archive"
	"github.com/park285/arcade-server/internal/chatrelay"
	"github.com/park285/arcade-server/internal/game"
	"github.com/park285/arcade-server/internal/msgcat"
	"github.com/park285/arcade-server/internal/obslog"
	"github.com/park285/arcade-server/internal/presence"
	"github.com/park285/arcade-server/internal/store"
	"github.com/park285/arcade-server/internal/ws"
	"github.com/park285/arcade-server/pkg/roomdto"
)

// Server routes boundary events from connections through presence and turn
// enforcement into the game modules, and fans resulting state out to every
// present connection in the room.
type Server struct {
	tracker *presence.Tracker
	store   *store.Store
	games   *game.Registry
	cat     *msgcat.Catalog

	chat *chatrelay.Client   // optional
	repo *archive.Repository // optional

	grace time.Duration

	mu     sync.RWMutex
	conns  map[string]*ws.Conn            // connID -> conn
	byUser map[string]map[string]*ws.Conn // userID -> connID -> conn
}

type Option func(*Server)

func WithChatRelay(c *chatrelay.Client) Option {
	return func(s *Server) { s.chat = c }
}

func WithArchive(r *archive.Repository) Option {
	return func(s *Server) { s.repo = r }
}

func WithGracePeriod(d time.Duration) Option {
	return func(s *Server) { s.grace = d }
}

func New(tracker *presence.Tracker, st *store.Store, games *game.Registry, cat *msgcat.Catalog, opts ...Option) *Server {
	s := &Server{
		tracker: tracker,
		store:   st,
		games:   games,
		cat:     cat,
		grace:   15 * time.Second,
		conns:   make(map[string]*ws.Conn),
		byUser:  make(map[string]map[string]*ws.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleEvent implements ws.Handler.
func (s *Server) HandleEvent(ctx context.Context, c *ws.Conn, env *roomdto.Envelope) {
	if env.Type == roomdto.EvHello {
		s.handleHello(c, env)
		return
	}
	if c.UserID() == "" {
		s.replyErr(c, env.RoomID, roomdto.CodeBadRequest, "error.bad_request", nil)
		return
	}
	switch env.Type {
	case roomdto.EvCreateRoom:
		s.handleCreateRoom(ctx, c, env)
	case roomdto.EvJoinRoom, roomdto.EvJoinGame:
		s.handleJoin(ctx, c, env)
	case roomdto.EvLeaveRoom:
		s.handleLeave(c, env)
	case roomdto.EvAction:
		s.handleAction(ctx, c, env)
	case roomdto.EvRequestSync:
		s.handleSync(ctx, c, env)
	case roomdto.EvSuggestMove:
		s.handleSuggest(ctx, c, env)
	case roomdto.EvResetGame:
		s.handleReset(ctx, c, env)
	case roomdto.EvListRooms:
		s.handleListRooms(ctx, c)
	default:
		s.replyErr(c, env.RoomID, roomdto.CodeBadRequest, "error.bad_request", nil)
	}
}

// HandleDisconnect implements ws.Handler: it triggers grace-path teardown
// for every room the departing connection's user occupied.
func (s *Server) HandleDisconnect(c *ws.Conn) {
	userID := c.UserID()
	if userID == "" {
		return
	}
	s.mu.Lock()
	delete(s.conns, c.ID())
	if set, ok := s.byUser[userID]; ok {
		delete(set, c.ID())
		if len(set) == 0 {
			delete(s.byUser, userID)
		}
	}
	s.mu.Unlock()

	remaining := s.tracker.DeregisterConn(userID, c.ID())
	obslog.L().Info("conn_closed", zap.String("user_id", userID), zap.String("conn_id", c.ID()), zap.Int("remaining", remaining))
}

func (s *Server) handleHello(c *ws.Conn, env *roomdto.Envelope) {
	var hello roomdto.Hello
	if err := json.Unmarshal(env.Payload, &hello); err != nil || hello.UserID == "" {
		s.replyErr(c, "", roomdto.CodeBadRequest, "error.bad_request", nil)
		return
	}
	c.SetIdentity(hello.UserID, hello.Name)

	s.mu.Lock()
	s.conns[c.ID()] = c
	set, ok := s.byUser[hello.UserID]
	if !ok {
		set = make(map[string]*ws.Conn)
		s.byUser[hello.UserID] = set
	}
	set[c.ID()] = c
	s.mu.Unlock()

	s.tracker.RegisterConn(hello.UserID, c.ID())
	obslog.L().Info("conn_hello", zap.String("user_id", hello.UserID), zap.String("conn_id", c.ID()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if list, err := s.roomList(ctx); err == nil {
		s.send(c, roomdto.EvRoomList, "", list)
	}
}

func (s *Server) handleCreateRoom(ctx context.Context, c *ws.Conn, env *roomdto.Envelope) {
	var req roomdto.CreateRoom
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.replyErr(c, "", roomdto.CodeBadRequest, "error.bad_request", nil)
		return
	}
	mod, ok := s.games.Get(req.GameType)
	if !ok {
		s.replyErr(c, "", roomdto.CodeBadRequest, "error.unknown_game", map[string]any{"GameType": req.GameType})
		return
	}
	initial, err := mod.InitialState()
	if err != nil {
		s.replyErr(c, "", roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}

	userID := c.UserID()
	roomID := uuid.NewString()
	rec := &store.RoomRecord{
		ID:        roomID,
		GameType:  req.GameType,
		State:     initial,
		Phase:     store.PhaseWaiting,
		Private:   req.Private,
		CreatedAt: time.Now(),
		Occupancy: 1,
	}
	if err := s.store.CreateRoom(ctx, rec); err != nil {
		obslog.L().Error("room_create_failed", zap.String("room_id", roomID), zap.Error(err))
		s.replyErr(c, "", roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}
	if err := s.store.SaveMembership(ctx, roomID, userID, string(game.RoleHost)); err != nil {
		obslog.L().Warn("membership_save_failed", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
	}

	s.tracker.MarkRoomCreated(roomID)
	s.tracker.Join(userID, roomID)

	if s.chat != nil {
		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.chat.CreateChannel(cctx, roomID); err != nil {
				obslog.L().Warn("chat_channel_create_failed", zap.String("room_id", roomID), zap.Error(err))
			}
		}()
	}

	obslog.L().Info("room_created",
		zap.String("room_id", roomID),
		zap.String("game_type", req.GameType),
		zap.String("user_id", userID),
	)
	s.send(c, roomdto.EvRoomCreated, roomID, roomdto.RoomCreated{
		RoomID:  roomID,
		Role:    string(game.RoleHost),
		State:   initial,
		Message: s.cat.Render("info.room_created", map[string]any{"RoomID": roomID}),
	})
	s.RoomListChanged()
}

// handleJoin serves both join-room and join-game; repeated calls from the
// same user are idempotent and keep the originally assigned role.
func (s *Server) handleJoin(ctx context.Context, c *ws.Conn, env *roomdto.Envelope) {
	roomID := env.RoomID
	userID := c.UserID()
	rec, err := s.store.LoadRoom(ctx, roomID)
	if err != nil {
		s.replyErr(c, roomID, roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}
	if rec == nil {
		s.replyErr(c, roomID, roomdto.CodeNotFound, "error.not_found", map[string]any{"RoomID": roomID})
		return
	}

	// Seats are claimed atomically: two users joining at once must never
	// both resolve to the same role.
	role, err := s.store.ClaimMembership(ctx, roomID, userID)
	if err != nil {
		s.replyErr(c, roomID, roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}

	s.tracker.Join(userID, roomID)
	obslog.L().Info("room_join", zap.String("room_id", roomID), zap.String("user_id", userID), zap.String("role", role))
	s.send(c, roomdto.EvJoined, roomID, roomdto.Joined{RoomID: roomID, Role: role, Phase: rec.Phase, State: rec.State})
	s.RoomListChanged()
}

// handleLeave starts the same grace path as an implicit disconnect so a
// quick rejoin is still forgiven, but skips the offline re-check since the
// connection itself stays up.
func (s *Server) handleLeave(c *ws.Conn, env *roomdto.Envelope) {
	s.tracker.ScheduleLeaveIntent(c.UserID(), env.RoomID, s.grace)
}

func (s *Server) handleAction(ctx context.Context, c *ws.Conn, env *roomdto.Envelope) {
	roomID := env.RoomID
	userID := c.UserID()

	role, err := s.store.Membership(ctx, roomID, userID)
	if err != nil {
		s.replyErr(c, roomID, roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}
	if role == "" {
		s.replyErr(c, roomID, roomdto.CodeUnauthorized, "error.unauthorized", nil)
		return
	}

	rec0, err := s.store.LoadRoom(ctx, roomID)
	if err != nil {
		s.replyErr(c, roomID, roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}
	if rec0 == nil {
		s.replyErr(c, roomID, roomdto.CodeNotFound, "error.not_found", map[string]any{"RoomID": roomID})
		return
	}
	mod, ok := s.games.Get(rec0.GameType)
	if !ok {
		s.replyErr(c, roomID, roomdto.CodeBadRequest, "error.unknown_game", map[string]any{"GameType": rec0.GameType})
		return
	}

	var details json.RawMessage
	var res game.Result
	rec, err := s.store.UpdateRoomTx(ctx, roomID, func(rec *store.RoomRecord) error {
		if rec.Phase == store.PhaseFinished {
			return game.ErrInvalidAction
		}
		newState, det, r, derr := game.Dispatch(mod, rec.State, env.Payload, game.Role(role))
		if derr != nil {
			return derr
		}
		rec.State = newState
		details = det
		res = r
		if r.Done {
			rec.Phase = store.PhaseFinished
		} else {
			rec.Phase = store.PhaseInProgress
		}
		return nil
	})
	if err != nil {
		s.replyActionErr(c, roomID, err)
		return
	}

	turn, _ := mod.WhoseTurn(rec.State)
	payload := roomdto.State{
		RoomID:  roomID,
		Phase:   rec.Phase,
		State:   rec.State,
		Turn:    string(turn),
		Details: details,
		Winner:  string(res.Winner),
		Draw:    res.Draw,
	}
	obslog.L().Info("action_applied",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.String("role", role),
		zap.String("phase", rec.Phase),
	)
	s.broadcastRoom(roomID, roomdto.EvState, payload)

	if res.Done && s.repo != nil {
		s.archiveResult(rec, mod, res)
	}
	if res.Done {
		s.RoomListChanged()
	}
}

func (s *Server) handleSync(ctx context.Context, c *ws.Conn, env *roomdto.Envelope) {
	// Full state is only served to members, so an unlisted room's state
	// cannot be read by guessing its ID.
	role, err := s.store.Membership(ctx, env.RoomID, c.UserID())
	if err != nil {
		s.replyErr(c, env.RoomID, roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}
	if role == "" {
		s.replyErr(c, env.RoomID, roomdto.CodeUnauthorized, "error.unauthorized", nil)
		return
	}
	rec, err := s.store.LoadRoom(ctx, env.RoomID)
	if err != nil {
		s.replyErr(c, env.RoomID, roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}
	if rec == nil {
		s.replyErr(c, env.RoomID, roomdto.CodeNotFound, "error.not_found", map[string]any{"RoomID": env.RoomID})
		return
	}
	payload := roomdto.State{RoomID: rec.ID, Phase: rec.Phase, State: rec.State}
	if mod, ok := s.games.Get(rec.GameType); ok {
		if turn, err := mod.WhoseTurn(rec.State); err == nil {
			payload.Turn = string(turn)
		}
	}
	s.send(c, roomdto.EvState, rec.ID, payload)
}

// handleSuggest answers with a recommended action for the asking player's
// seat. Suggestions go to the sender only and never mutate room state.
func (s *Server) handleSuggest(ctx context.Context, c *ws.Conn, env *roomdto.Envelope) {
	roomID := env.RoomID
	role, err := s.store.Membership(ctx, roomID, c.UserID())
	if err != nil {
		s.replyErr(c, roomID, roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}
	if role == "" {
		s.replyErr(c, roomID, roomdto.CodeUnauthorized, "error.unauthorized", nil)
		return
	}
	rec, err := s.store.LoadRoom(ctx, roomID)
	if err != nil {
		s.replyErr(c, roomID, roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}
	if rec == nil {
		s.replyErr(c, roomID, roomdto.CodeNotFound, "error.not_found", map[string]any{"RoomID": roomID})
		return
	}
	mod, ok := s.games.Get(rec.GameType)
	if !ok {
		s.replyErr(c, roomID, roomdto.CodeBadRequest, "error.unknown_game", map[string]any{"GameType": rec.GameType})
		return
	}
	adviser, ok := mod.(game.Adviser)
	if !ok || rec.Phase == store.PhaseFinished {
		s.replyErr(c, roomID, roomdto.CodeInvalidAction, "error.invalid_action", nil)
		return
	}
	seat, ok := game.SeatFor(mod, game.Role(role))
	if !ok {
		s.replyErr(c, roomID, roomdto.CodeUnauthorized, "error.spectator", nil)
		return
	}
	action, err := adviser.SuggestMove(rec.State, seat)
	if err != nil {
		s.replyActionErr(c, roomID, err)
		return
	}
	s.send(c, roomdto.EvSuggestion, roomID, roomdto.Suggestion{RoomID: roomID, Action: action})
}

// handleReset re-enters the initial state from the terminal phase. Host only.
func (s *Server) handleReset(ctx context.Context, c *ws.Conn, env *roomdto.Envelope) {
	roomID := env.RoomID
	role, err := s.store.Membership(ctx, roomID, c.UserID())
	if err != nil {
		s.replyErr(c, roomID, roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}
	if role != string(game.RoleHost) {
		s.replyErr(c, roomID, roomdto.CodeUnauthorized, "error.host_only", nil)
		return
	}

	rec, err := s.store.UpdateRoomTx(ctx, roomID, func(rec *store.RoomRecord) error {
		if rec.Phase != store.PhaseFinished {
			return errNotFinished
		}
		mod, ok := s.games.Get(rec.GameType)
		if !ok {
			return game.ErrUnknownGame
		}
		initial, ierr := mod.InitialState()
		if ierr != nil {
			return ierr
		}
		rec.State = initial
		rec.Phase = store.PhaseWaiting
		return nil
	})
	if err != nil {
		s.replyActionErr(c, roomID, err)
		return
	}

	payload := roomdto.State{RoomID: roomID, Phase: rec.Phase, State: rec.State}
	if mod, ok := s.games.Get(rec.GameType); ok {
		if turn, terr := mod.WhoseTurn(rec.State); terr == nil {
			payload.Turn = string(turn)
		}
	}
	obslog.L().Info("room_reset", zap.String("room_id", roomID), zap.String("user_id", c.UserID()))
	s.broadcastRoom(roomID, roomdto.EvState, payload)
}

func (s *Server) handleListRooms(ctx context.Context, c *ws.Conn) {
	list, err := s.roomList(ctx)
	if err != nil {
		s.replyErr(c, "", roomdto.CodeStoreUnavailable, "error.store", nil)
		return
	}
	s.send(c, roomdto.EvRoomList, "", list)
}

func (s *Server) roomList(ctx context.Context) (*roomdto.RoomList, error) {
	ids, err := s.store.ListRoomIDs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	list := &roomdto.RoomList{Rooms: []roomdto.RoomSummary{}}
	for _, id := range ids {
		rec, err := s.store.LoadRoom(ctx, id)
		if err != nil || rec == nil || rec.Private {
			continue
		}
		list.Rooms = append(list.Rooms, roomdto.RoomSummary{
			RoomID:    rec.ID,
			GameType:  rec.GameType,
			Occupancy: s.tracker.Occupancy(rec.ID),
			Phase:     rec.Phase,
			CreatedAt: rec.CreatedAt,
		})
	}
	return list, nil
}

// RoomClosed implements presence.Notifier.
func (s *Server) RoomClosed(roomID string) {
	env, err := roomdto.Marshal(roomdto.EvRoomClosed, roomID, roomdto.RoomClosed{
		RoomID:  roomID,
		Message: s.cat.Render("info.room_closed", map[string]any{"RoomID": roomID}),
	})
	if err != nil {
		return
	}
	s.broadcastAll(env)
}

// RoomListChanged implements presence.Notifier.
func (s *Server) RoomListChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := s.roomList(ctx)
	if err != nil {
		obslog.L().Warn("room_list_failed", zap.Error(err))
		return
	}
	env, err := roomdto.Marshal(roomdto.EvRoomList, "", list)
	if err != nil {
		return
	}
	s.broadcastAll(env)
}

func (s *Server) archiveResult(rec *store.RoomRecord, mod game.Module, res game.Result) {
	outcome := "win"
	if res.Draw {
		outcome = "draw"
	}
	result := &archive.Result{
		RoomID:     rec.ID,
		GameType:   rec.GameType,
		Outcome:    outcome,
		WinnerSeat: string(res.Winner),
		FinalState: rec.State,
		StartedAt:  rec.CreatedAt,
		FinishedAt: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if res.Winner != "" {
			if members, err := s.store.Memberships(ctx, rec.ID); err == nil {
				result.WinnerID = winnerUser(mod, res.Winner, members)
			}
		}
		if err := s.repo.SaveResult(ctx, result); err != nil {
			obslog.L().Error("result_archive_failed", zap.String("room_id", rec.ID), zap.Error(err))
			return
		}
		obslog.L().Info("result_archived", zap.String("room_id", rec.ID), zap.String("outcome", outcome))
	}()
}

// winnerUser resolves the winning seat back to a user through the persisted
// membership roles.
func winnerUser(mod game.Module, winner game.Seat, members map[string]string) string {
	seats := mod.Seats()
	var wantRole game.Role
	switch winner {
	case seats[0]:
		wantRole = game.RoleHost
	case seats[1]:
		wantRole = game.RolePlayer
	default:
		return ""
	}
	for userID, role := range members {
		if role == string(wantRole) {
			return userID
		}
	}
	return ""
}

// broadcastRoom fans an event out to every connection of every user
// currently present in the room.
func (s *Server) broadcastRoom(roomID, typ string, payload any) {
	env, err := roomdto.Marshal(typ, roomID, payload)
	if err != nil {
		obslog.L().Error("broadcast_marshal_failed", zap.String("type", typ), zap.Error(err))
		return
	}
	users := s.tracker.Present(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, userID := range users {
		for _, conn := range s.byUser[userID] {
			conn.Send(env)
		}
	}
}

func (s *Server) broadcastAll(env *roomdto.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conn := range s.conns {
		conn.Send(env)
	}
}

func (s *Server) send(c *ws.Conn, typ, roomID string, payload any) {
	env, err := roomdto.Marshal(typ, roomID, payload)
	if err != nil {
		obslog.L().Error("send_marshal_failed", zap.String("type", typ), zap.Error(err))
		return
	}
	c.Send(env)
}

// errNotFinished guards reset against a game still in play.
var errNotFinished = errors.New("game not finished")

// replyActionErr maps dispatch and transaction failures onto the error
// taxonomy. Replies always go to the offending connection only.
func (s *Server) replyActionErr(c *ws.Conn, roomID string, err error) {
	switch {
	case errors.Is(err, errNotFinished):
		s.replyErr(c, roomID, roomdto.CodeInvalidAction, "error.not_finished", nil)
	case errors.Is(err, game.ErrSpectator):
		s.replyErr(c, roomID, roomdto.CodeUnauthorized, "error.spectator", nil)
	case errors.Is(err, game.ErrOutOfTurn):
		s.replyErr(c, roomID, roomdto.CodeUnauthorized, "error.out_of_turn", nil)
	case errors.Is(err, game.ErrInvalidAction):
		s.replyErr(c, roomID, roomdto.CodeInvalidAction, "error.invalid_action", nil)
	case errors.Is(err, store.ErrRoomGone):
		s.replyErr(c, roomID, roomdto.CodeNotFound, "error.not_found", map[string]any{"RoomID": roomID})
	case errors.Is(err, store.ErrConflict):
		s.replyErr(c, roomID, roomdto.CodeStoreUnavailable, "error.store", nil)
	default:
		obslog.L().Error("action_failed", zap.String("room_id", roomID), zap.Error(err))
		s.replyErr(c, roomID, roomdto.CodeStoreUnavailable, "error.store", nil)
	}
}

func (s *Server) replyErr(c *ws.Conn, roomID, code, msgKey string, data map[string]any) {
	s.send(c, roomdto.EvError, roomID, roomdto.Error{Code: code, Message: s.cat.Render(msgKey, data)})
}
