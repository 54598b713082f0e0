package game

import (
	"encoding/json"
	"sort"
	"sync"
)

// Seat identifies a side within a game variant ("red", "white", ...).
// SeatAny is returned by WhoseTurn when either seated player may act,
// e.g. during a simultaneous placement phase.
type Seat string

const SeatAny Seat = ""

// Role is the persisted membership role assigned at join time. It is the
// source of truth for turn enforcement and is distinct from live presence.
type Role string

const (
	RoleHost      Role = "host"
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// RoleForJoinIndex implements the deterministic seat policy: first joiner
// becomes Host, second Player, everyone after that a Spectator.
func RoleForJoinIndex(n int) Role {
	switch n {
	case 0:
		return RoleHost
	case 1:
		return RolePlayer
	default:
		return RoleSpectator
	}
}

// Result is the outcome query of a game state.
type Result struct {
	Done   bool
	Draw   bool
	Winner Seat
}

// Module is the capability contract every game variant implements. State and
// actions are opaque JSON blobs owned by the module; the lifecycle manager
// never inspects them beyond this interface.
type Module interface {
	Name() string
	// Seats returns the two playable seats in host-first order.
	Seats() [2]Seat
	InitialState() (json.RawMessage, error)
	// WhoseTurn derives the seat allowed to act next from the state alone.
	WhoseTurn(state json.RawMessage) (Seat, error)
	// ValidateAction is pure: it must not mutate state and returns
	// ErrInvalidAction (possibly wrapped) for malformed or illegal actions.
	ValidateAction(state, action json.RawMessage, seat Seat) error
	// ApplyAction returns the successor state plus optional side-channel
	// details (e.g. hit/miss/sunk for a targeting game).
	ApplyAction(state, action json.RawMessage, seat Seat) (newState, details json.RawMessage, err error)
	Result(state json.RawMessage) (Result, error)
}

// Adviser is an optional module capability: variants that can recommend a
// move for a seat implement it. The returned action uses the same encoding
// ApplyAction accepts.
type Adviser interface {
	SuggestMove(state json.RawMessage, seat Seat) (json.RawMessage, error)
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

var (
	ErrSpectator     = staticErr("spectators cannot act")
	ErrOutOfTurn     = staticErr("not your turn")
	ErrInvalidAction = staticErr("invalid action")
	ErrUnknownGame   = staticErr("unknown game type")
)

// SeatFor maps a membership role onto a module seat. Spectators get none.
func SeatFor(m Module, role Role) (Seat, bool) {
	seats := m.Seats()
	switch role {
	case RoleHost:
		return seats[0], true
	case RolePlayer:
		return seats[1], true
	default:
		return "", false
	}
}

// Dispatch runs the two-layer check and applies the action: the role/turn
// gate first, then module-level legality. An out-of-turn actor is rejected
// before ValidateAction ever runs, so a module with weak validation still
// cannot let the wrong player mutate shared state.
func Dispatch(m Module, state, action json.RawMessage, role Role) (newState, details json.RawMessage, res Result, err error) {
	seat, ok := SeatFor(m, role)
	if !ok {
		return nil, nil, Result{}, ErrSpectator
	}
	turn, err := m.WhoseTurn(state)
	if err != nil {
		return nil, nil, Result{}, err
	}
	if turn != SeatAny && turn != seat {
		return nil, nil, Result{}, ErrOutOfTurn
	}
	if err := m.ValidateAction(state, action, seat); err != nil {
		return nil, nil, Result{}, err
	}
	newState, details, err = m.ApplyAction(state, action, seat)
	if err != nil {
		return nil, nil, Result{}, err
	}
	res, err = m.Result(newState)
	if err != nil {
		return nil, nil, Result{}, err
	}
	return newState, details, res, nil
}

// Registry is the explicit variant table populated at startup.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Name()] = m
}

func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
