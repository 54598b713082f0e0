package battleship

import (
	"encoding/json"
	"fmt"

	"github.com/park285/arcade-server/internal/game"
)

const (
	size = 10

	SeatRed  game.Seat = "red"
	SeatBlue game.Seat = "blue"

	phasePlacement = "placement"
	phaseBattle    = "battle"

	cellEmpty = 0
	cellShip  = 1
	cellHit   = 2
	cellMiss  = 3
)

// fleet is the set of ship lengths each seat must place.
var fleet = []int{5, 4, 3, 3, 2}

// Module implements ten-by-ten battleship with a placement phase followed by
// alternating shots. A shot reports hit/miss/sunk through action details.
type Module struct{}

func New() *Module { return &Module{} }

func (*Module) Name() string { return "battleship" }
func (*Module) Seats() [2]game.Seat { return [2]game.Seat{SeatRed, SeatBlue} }

type placement struct {
	X   int    `json:"x"`
	Y   int    `json:"y"`
	Len int    `json:"len"`
	Dir string `json:"dir"` // "h" or "v"
}

type state struct {
	Boards map[game.Seat][][]int     `json:"boards"`
	Fleets map[game.Seat][]placement `json:"fleets"`
	Placed map[game.Seat]bool        `json:"placed"`
	Phase  string                    `json:"phase"`
	Turn   game.Seat                 `json:"turn"`
}

type action struct {
	Kind  string      `json:"kind"` // "place" or "fire"
	Ships []placement `json:"ships,omitempty"`
	X     int         `json:"x"`
	Y     int         `json:"y"`
}

type fireDetails struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Result string `json:"result"` // "hit", "miss" or "sunk"
}

func (*Module) InitialState() (json.RawMessage, error) {
	st := state{
		Boards: map[game.Seat][][]int{SeatRed: emptyGrid(), SeatBlue: emptyGrid()},
		Fleets: map[game.Seat][]placement{},
		Placed: map[game.Seat]bool{},
		Phase:  phasePlacement,
		Turn:   SeatRed,
	}
	return json.Marshal(st)
}

func (*Module) WhoseTurn(raw json.RawMessage) (game.Seat, error) {
	st, err := decode(raw)
	if err != nil {
		return "", err
	}
	if st.Phase == phasePlacement {
		// Whoever has not placed yet may act; both outstanding means either.
		switch {
		case st.Placed[SeatRed] && !st.Placed[SeatBlue]:
			return SeatBlue, nil
		case st.Placed[SeatBlue] && !st.Placed[SeatRed]:
			return SeatRed, nil
		default:
			return game.SeatAny, nil
		}
	}
	return st.Turn, nil
}

func (*Module) ValidateAction(raw, act json.RawMessage, seat game.Seat) error {
	st, err := decode(raw)
	if err != nil {
		return err
	}
	var a action
	if err := json.Unmarshal(act, &a); err != nil {
		return fmt.Errorf("%w: %v", game.ErrInvalidAction, err)
	}
	switch a.Kind {
	case "place":
		if st.Phase != phasePlacement {
			return fmt.Errorf("%w: placement phase is over", game.ErrInvalidAction)
		}
		if st.Placed[seat] {
			return fmt.Errorf("%w: fleet already placed", game.ErrInvalidAction)
		}
		return validateFleet(a.Ships)
	case "fire":
		if st.Phase != phaseBattle {
			return fmt.Errorf("%w: fleets not placed yet", game.ErrInvalidAction)
		}
		if a.X < 0 || a.X >= size || a.Y < 0 || a.Y >= size {
			return fmt.Errorf("%w: shot (%d,%d) out of range", game.ErrInvalidAction, a.X, a.Y)
		}
		target := st.Boards[opponent(seat)]
		if c := target[a.Y][a.X]; c == cellHit || c == cellMiss {
			return fmt.Errorf("%w: cell (%d,%d) already resolved", game.ErrInvalidAction, a.X, a.Y)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", game.ErrInvalidAction, a.Kind)
	}
}

func (m *Module) ApplyAction(raw, act json.RawMessage, seat game.Seat) (json.RawMessage, json.RawMessage, error) {
	if err := m.ValidateAction(raw, act, seat); err != nil {
		return nil, nil, err
	}
	st, err := decode(raw)
	if err != nil {
		return nil, nil, err
	}
	var a action
	if err := json.Unmarshal(act, &a); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", game.ErrInvalidAction, err)
	}

	var det json.RawMessage
	switch a.Kind {
	case "place":
		board := st.Boards[seat]
		for _, p := range a.Ships {
			for _, c := range cellsOf(p) {
				board[c[1]][c[0]] = cellShip
			}
		}
		st.Fleets[seat] = a.Ships
		st.Placed[seat] = true
		if st.Placed[SeatRed] && st.Placed[SeatBlue] {
			st.Phase = phaseBattle
			st.Turn = SeatRed
		}
	case "fire":
		opp := opponent(seat)
		board := st.Boards[opp]
		result := "miss"
		if board[a.Y][a.X] == cellShip {
			board[a.Y][a.X] = cellHit
			result = "hit"
			if sunkAt(st.Fleets[opp], board, a.X, a.Y) {
				result = "sunk"
			}
		} else {
			board[a.Y][a.X] = cellMiss
		}
		st.Turn = opp
		det, err = json.Marshal(fireDetails{X: a.X, Y: a.Y, Result: result})
		if err != nil {
			return nil, nil, err
		}
	}

	newRaw, err := json.Marshal(st)
	if err != nil {
		return nil, nil, err
	}
	return newRaw, det, nil
}

func (*Module) Result(raw json.RawMessage) (game.Result, error) {
	st, err := decode(raw)
	if err != nil {
		return game.Result{}, err
	}
	if st.Phase != phaseBattle {
		return game.Result{}, nil
	}
	for _, seat := range []game.Seat{SeatRed, SeatBlue} {
		if fleetSunk(st.Boards[seat]) {
			return game.Result{Done: true, Winner: opponent(seat)}, nil
		}
	}
	return game.Result{}, nil
}

func validateFleet(ships []placement) error {
	if len(ships) != len(fleet) {
		return fmt.Errorf("%w: expected %d ships, got %d", game.ErrInvalidAction, len(fleet), len(ships))
	}
	want := map[int]int{}
	for _, l := range fleet {
		want[l]++
	}
	seen := map[[2]int]bool{}
	for _, p := range ships {
		if p.Dir != "h" && p.Dir != "v" {
			return fmt.Errorf("%w: bad ship direction %q", game.ErrInvalidAction, p.Dir)
		}
		if want[p.Len] == 0 {
			return fmt.Errorf("%w: unexpected ship length %d", game.ErrInvalidAction, p.Len)
		}
		want[p.Len]--
		for _, c := range cellsOf(p) {
			if c[0] < 0 || c[0] >= size || c[1] < 0 || c[1] >= size {
				return fmt.Errorf("%w: ship out of bounds", game.ErrInvalidAction)
			}
			if seen[c] {
				return fmt.Errorf("%w: overlapping ships", game.ErrInvalidAction)
			}
			seen[c] = true
		}
	}
	return nil
}

func cellsOf(p placement) [][2]int {
	cells := make([][2]int, 0, p.Len)
	for i := 0; i < p.Len; i++ {
		x, y := p.X, p.Y
		if p.Dir == "h" {
			x += i
		} else {
			y += i
		}
		cells = append(cells, [2]int{x, y})
	}
	return cells
}

func sunkAt(fleets []placement, board [][]int, x, y int) bool {
	for _, p := range fleets {
		cells := cellsOf(p)
		owns := false
		for _, c := range cells {
			if c[0] == x && c[1] == y {
				owns = true
				break
			}
		}
		if !owns {
			continue
		}
		for _, c := range cells {
			if board[c[1]][c[0]] != cellHit {
				return false
			}
		}
		return true
	}
	return false
}

func fleetSunk(board [][]int) bool {
	any := false
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			switch board[y][x] {
			case cellShip:
				return false
			case cellHit:
				any = true
			}
		}
	}
	return any
}

func opponent(seat game.Seat) game.Seat {
	if seat == SeatRed {
		return SeatBlue
	}
	return SeatRed
}

func emptyGrid() [][]int {
	g := make([][]int, size)
	for i := range g {
		g[i] = make([]int, size)
	}
	return g
}

func decode(raw json.RawMessage) (*state, error) {
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode battleship state: %w", err)
	}
	return &st, nil
}
