package chessgame

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/park285/arcade-server/internal/game"
)

func move(t *testing.T, m *Module, st json.RawMessage, seat game.Seat, mv string) json.RawMessage {
	t.Helper()
	act := json.RawMessage(fmt.Sprintf(`{"move":%q}`, mv))
	if err := m.ValidateAction(st, act, seat); err != nil {
		t.Fatalf("validate %q: %v", mv, err)
	}
	next, _, err := m.ApplyAction(st, act, seat)
	if err != nil {
		t.Fatalf("apply %q: %v", mv, err)
	}
	return next
}

func TestUCIAndSANMoves(t *testing.T) {
	m := New()
	st, err := m.InitialState()
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}
	turn, err := m.WhoseTurn(st)
	if err != nil || turn != SeatWhite {
		t.Fatalf("expected white to start, got %q (%v)", turn, err)
	}

	st = move(t, m, st, SeatWhite, "e2e4") // UCI
	st = move(t, m, st, SeatBlack, "Nc6")  // SAN fallback

	var s struct {
		MovesUCI []string  `json:"moves_uci"`
		MovesSAN []string  `json:"moves_san"`
		Turn     game.Seat `json:"turn"`
	}
	if err := json.Unmarshal(st, &s); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(s.MovesUCI) != 2 || len(s.MovesSAN) != 2 {
		t.Fatalf("move history not recorded: %+v", s)
	}
	if s.MovesUCI[0] != "e2e4" || s.MovesUCI[1] != "b8c6" {
		t.Fatalf("unexpected UCI history: %v", s.MovesUCI)
	}
	if s.Turn != SeatWhite {
		t.Fatalf("expected white to move, got %q", s.Turn)
	}
}

func TestIllegalMoveRejected(t *testing.T) {
	m := New()
	st, _ := m.InitialState()
	for _, mv := range []string{"", "e2e5", "zz9"} {
		act := json.RawMessage(fmt.Sprintf(`{"move":%q}`, mv))
		if err := m.ValidateAction(st, act, SeatWhite); !errors.Is(err, game.ErrInvalidAction) {
			t.Fatalf("move %q: expected ErrInvalidAction, got %v", mv, err)
		}
	}
}

func TestScholarsMateEndsGame(t *testing.T) {
	m := New()
	st, _ := m.InitialState()
	seq := []struct {
		seat game.Seat
		mv   string
	}{
		{SeatWhite, "e2e4"}, {SeatBlack, "e7e5"},
		{SeatWhite, "d1h5"}, {SeatBlack, "b8c6"},
		{SeatWhite, "f1c4"}, {SeatBlack, "g8f6"},
		{SeatWhite, "h5f7"},
	}
	for _, s := range seq {
		st = move(t, m, st, s.seat, s.mv)
	}
	res, err := m.Result(st)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !res.Done || res.Winner != SeatWhite {
		t.Fatalf("expected white checkmate win, got %+v", res)
	}
}

func TestResultOngoingGame(t *testing.T) {
	m := New()
	st, _ := m.InitialState()
	res, err := m.Result(st)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Done {
		t.Fatalf("fresh game reported as finished: %+v", res)
	}
}
