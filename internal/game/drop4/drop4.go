package drop4

import (
	"encoding/json"
	"fmt"

	"github.com/park285/arcade-server/internal/game"
)

const (
	rows = 6
	cols = 7

	SeatRed  game.Seat = "red"
	SeatBlue game.Seat = "blue"
)

// Module implements six-by-seven connect-four: drop a piece into a column,
// first four in a row (horizontal, vertical or diagonal) wins.
type Module struct{}

func New() *Module { return &Module{} }

func (*Module) Name() string { return "drop4" }
func (*Module) Seats() [2]game.Seat { return [2]game.Seat{SeatRed, SeatBlue} }

type state struct {
	Board [][]game.Seat `json:"board"` // "" = empty cell
	Turn  game.Seat     `json:"turn"`
}

type action struct {
	Col int `json:"col"`
}

type details struct {
	Row  int       `json:"row"`
	Col  int       `json:"col"`
	Seat game.Seat `json:"seat"`
}

func (*Module) InitialState() (json.RawMessage, error) {
	board := make([][]game.Seat, rows)
	for r := range board {
		board[r] = make([]game.Seat, cols)
	}
	return json.Marshal(state{Board: board, Turn: SeatRed})
}

func (*Module) WhoseTurn(raw json.RawMessage) (game.Seat, error) {
	st, err := decode(raw)
	if err != nil {
		return "", err
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
	if a.Col < 0 || a.Col >= cols {
		return fmt.Errorf("%w: column %d out of range", game.ErrInvalidAction, a.Col)
	}
	if st.Board[0][a.Col] != "" {
		return fmt.Errorf("%w: column %d is full", game.ErrInvalidAction, a.Col)
	}
	return nil
}

func (m *Module) ApplyAction(raw, act json.RawMessage, seat game.Seat) (json.RawMessage, json.RawMessage, error) {
	st, err := decode(raw)
	if err != nil {
		return nil, nil, err
	}
	var a action
	if err := json.Unmarshal(act, &a); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", game.ErrInvalidAction, err)
	}
	landed := -1
	for r := rows - 1; r >= 0; r-- {
		if st.Board[r][a.Col] == "" {
			st.Board[r][a.Col] = seat
			landed = r
			break
		}
	}
	if landed < 0 {
		return nil, nil, fmt.Errorf("%w: column %d is full", game.ErrInvalidAction, a.Col)
	}
	if seat == SeatRed {
		st.Turn = SeatBlue
	} else {
		st.Turn = SeatRed
	}
	newRaw, err := json.Marshal(st)
	if err != nil {
		return nil, nil, err
	}
	det, err := json.Marshal(details{Row: landed, Col: a.Col, Seat: seat})
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
	for _, seat := range []game.Seat{SeatRed, SeatBlue} {
		if hasFour(st.Board, seat) {
			return game.Result{Done: true, Winner: seat}, nil
		}
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if st.Board[r][c] == "" {
				return game.Result{}, nil
			}
		}
	}
	return game.Result{Done: true, Draw: true}, nil
}

func hasFour(b [][]game.Seat, seat game.Seat) bool {
	dirs := [4][2]int{{0, 1}, {1, 0}, {1, 1}, {-1, 1}}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if b[r][c] != seat {
				continue
			}
			for _, d := range dirs {
				rr, cc := r, c
				run := 0
				for rr >= 0 && rr < rows && cc >= 0 && cc < cols && b[rr][cc] == seat {
					run++
					if run == 4 {
						return true
					}
					rr += d[0]
					cc += d[1]
				}
			}
		}
	}
	return false
}

func decode(raw json.RawMessage) (*state, error) {
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode drop4 state: %w", err)
	}
	if len(st.Board) != rows {
		return nil, fmt.Errorf("decode drop4 state: bad board shape")
	}
	return &st, nil
}
