package drop4

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/park285/arcade-server/internal/game"
)

func play(t *testing.T, m *Module, st json.RawMessage, seat game.Seat, col int) json.RawMessage {
	t.Helper()
	act := json.RawMessage(fmt.Sprintf(`{"col":%d}`, col))
	if err := m.ValidateAction(st, act, seat); err != nil {
		t.Fatalf("validate col %d for %s: %v", col, seat, err)
	}
	next, _, err := m.ApplyAction(st, act, seat)
	if err != nil {
		t.Fatalf("apply col %d for %s: %v", col, seat, err)
	}
	return next
}

func TestVerticalWin(t *testing.T) {
	m := New()
	st, err := m.InitialState()
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}
	turn, err := m.WhoseTurn(st)
	if err != nil || turn != SeatRed {
		t.Fatalf("expected red to start, got %s (%v)", turn, err)
	}

	// Red stacks column 0, blue wastes moves in column 1.
	moves := []struct {
		seat game.Seat
		col  int
	}{
		{SeatRed, 0}, {SeatBlue, 1},
		{SeatRed, 0}, {SeatBlue, 1},
		{SeatRed, 0}, {SeatBlue, 1},
		{SeatRed, 0},
	}
	for _, mv := range moves {
		st = play(t, m, st, mv.seat, mv.col)
	}

	res, err := m.Result(st)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !res.Done || res.Winner != SeatRed || res.Draw {
		t.Fatalf("expected red win, got %+v", res)
	}
}

func TestTurnAlternates(t *testing.T) {
	m := New()
	st, _ := m.InitialState()
	st = play(t, m, st, SeatRed, 3)
	turn, err := m.WhoseTurn(st)
	if err != nil || turn != SeatBlue {
		t.Fatalf("expected blue after red's move, got %s (%v)", turn, err)
	}
}

func TestFullColumnRejected(t *testing.T) {
	m := New()
	st, _ := m.InitialState()
	seat := SeatRed
	for i := 0; i < 6; i++ {
		st = play(t, m, st, seat, 2)
		if seat == SeatRed {
			seat = SeatBlue
		} else {
			seat = SeatRed
		}
	}
	err := m.ValidateAction(st, json.RawMessage(`{"col":2}`), seat)
	if !errors.Is(err, game.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction for full column, got %v", err)
	}
}

func TestOutOfRangeColumnRejected(t *testing.T) {
	m := New()
	st, _ := m.InitialState()
	for _, col := range []int{-1, 7} {
		err := m.ValidateAction(st, json.RawMessage(fmt.Sprintf(`{"col":%d}`, col)), SeatRed)
		if !errors.Is(err, game.ErrInvalidAction) {
			t.Fatalf("col %d: expected ErrInvalidAction, got %v", col, err)
		}
	}
}

func TestDropDetailsReportLanding(t *testing.T) {
	m := New()
	st, _ := m.InitialState()
	_, det, err := m.ApplyAction(st, json.RawMessage(`{"col":4}`), SeatRed)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var d struct {
		Row  int       `json:"row"`
		Col  int       `json:"col"`
		Seat game.Seat `json:"seat"`
	}
	if err := json.Unmarshal(det, &d); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if d.Row != 5 || d.Col != 4 || d.Seat != SeatRed {
		t.Fatalf("unexpected details: %+v", d)
	}
}
