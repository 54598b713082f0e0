package battleship

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/park285/arcade-server/internal/game"
)

// validFleet lays each ship horizontally on its own row.
func validFleet() string {
	return `[
		{"x":0,"y":0,"len":5,"dir":"h"},
		{"x":0,"y":1,"len":4,"dir":"h"},
		{"x":0,"y":2,"len":3,"dir":"h"},
		{"x":0,"y":3,"len":3,"dir":"h"},
		{"x":0,"y":4,"len":2,"dir":"h"}
	]`
}

func placeBoth(t *testing.T, m *Module) json.RawMessage {
	t.Helper()
	st, err := m.InitialState()
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}
	act := json.RawMessage(fmt.Sprintf(`{"kind":"place","ships":%s}`, validFleet()))
	for _, seat := range []game.Seat{SeatRed, SeatBlue} {
		st, _, err = m.ApplyAction(st, act, seat)
		if err != nil {
			t.Fatalf("place for %s: %v", seat, err)
		}
	}
	return st
}

func fire(t *testing.T, m *Module, st json.RawMessage, seat game.Seat, x, y int) (json.RawMessage, string) {
	t.Helper()
	act := json.RawMessage(fmt.Sprintf(`{"kind":"fire","x":%d,"y":%d}`, x, y))
	next, det, err := m.ApplyAction(st, act, seat)
	if err != nil {
		t.Fatalf("fire (%d,%d) by %s: %v", x, y, seat, err)
	}
	var d struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(det, &d); err != nil {
		t.Fatalf("decode fire details: %v", err)
	}
	return next, d.Result
}

func TestPlacementPhaseAllowsEitherSeat(t *testing.T) {
	m := New()
	st, _ := m.InitialState()
	turn, err := m.WhoseTurn(st)
	if err != nil || turn != game.SeatAny {
		t.Fatalf("expected SeatAny during placement, got %q (%v)", turn, err)
	}

	act := json.RawMessage(fmt.Sprintf(`{"kind":"place","ships":%s}`, validFleet()))
	st, _, err = m.ApplyAction(st, act, SeatBlue)
	if err != nil {
		t.Fatalf("blue placement: %v", err)
	}
	turn, err = m.WhoseTurn(st)
	if err != nil || turn != SeatRed {
		t.Fatalf("expected red (unplaced) to act, got %q (%v)", turn, err)
	}
}

func TestBattleStartsAfterBothPlaced(t *testing.T) {
	m := New()
	st := placeBoth(t, m)
	turn, err := m.WhoseTurn(st)
	if err != nil || turn != SeatRed {
		t.Fatalf("expected red to open the battle, got %q (%v)", turn, err)
	}
	res, err := m.Result(st)
	if err != nil || res.Done {
		t.Fatalf("game over before any shot: %+v (%v)", res, err)
	}
}

func TestFireHitMissSunk(t *testing.T) {
	m := New()
	st := placeBoth(t, m)

	// Blue's two-cell ship sits at (0,4)-(1,4).
	st, result := fire(t, m, st, SeatRed, 0, 4)
	if result != "hit" {
		t.Fatalf("expected hit, got %q", result)
	}
	st, result = fire(t, m, st, SeatBlue, 9, 9)
	if result != "miss" {
		t.Fatalf("expected miss, got %q", result)
	}
	_, result = fire(t, m, st, SeatRed, 1, 4)
	if result != "sunk" {
		t.Fatalf("expected sunk, got %q", result)
	}
}

func TestRepeatShotRejected(t *testing.T) {
	m := New()
	st := placeBoth(t, m)
	st, _ = fire(t, m, st, SeatRed, 9, 9)
	st, _ = fire(t, m, st, SeatBlue, 9, 9)
	err := m.ValidateAction(st, json.RawMessage(`{"kind":"fire","x":9,"y":9}`), SeatRed)
	if !errors.Is(err, game.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction for repeat shot, got %v", err)
	}
}

func TestFireBeforePlacementRejected(t *testing.T) {
	m := New()
	st, _ := m.InitialState()
	err := m.ValidateAction(st, json.RawMessage(`{"kind":"fire","x":0,"y":0}`), SeatRed)
	if !errors.Is(err, game.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestFleetValidation(t *testing.T) {
	m := New()
	st, _ := m.InitialState()
	cases := []string{
		`[]`,                                // wrong count
		`[{"x":0,"y":0,"len":5,"dir":"d"}]`, // bad direction
		`[
			{"x":0,"y":0,"len":5,"dir":"h"},
			{"x":0,"y":0,"len":4,"dir":"h"},
			{"x":0,"y":2,"len":3,"dir":"h"},
			{"x":0,"y":3,"len":3,"dir":"h"},
			{"x":0,"y":4,"len":2,"dir":"h"}
		]`, // overlap
		`[
			{"x":6,"y":0,"len":5,"dir":"h"},
			{"x":0,"y":1,"len":4,"dir":"h"},
			{"x":0,"y":2,"len":3,"dir":"h"},
			{"x":0,"y":3,"len":3,"dir":"h"},
			{"x":0,"y":4,"len":2,"dir":"h"}
		]`, // out of bounds
	}
	for i, ships := range cases {
		act := json.RawMessage(fmt.Sprintf(`{"kind":"place","ships":%s}`, ships))
		err := m.ValidateAction(st, act, SeatRed)
		if !errors.Is(err, game.ErrInvalidAction) {
			t.Fatalf("case %d: expected ErrInvalidAction, got %v", i, err)
		}
	}
}

func TestWholeFleetSunkWinsGame(t *testing.T) {
	m := New()
	st := placeBoth(t, m)

	// Red shells every blue fleet cell; blue answers with misses far away.
	targets := [][2]int{}
	for _, p := range []placement{
		{X: 0, Y: 0, Len: 5, Dir: "h"},
		{X: 0, Y: 1, Len: 4, Dir: "h"},
		{X: 0, Y: 2, Len: 3, Dir: "h"},
		{X: 0, Y: 3, Len: 3, Dir: "h"},
		{X: 0, Y: 4, Len: 2, Dir: "h"},
	} {
		for _, c := range cellsOf(p) {
			targets = append(targets, c)
		}
	}
	missX := 9
	missY := 9
	for _, c := range targets {
		st, _ = fire(t, m, st, SeatRed, c[0], c[1])
		res, err := m.Result(st)
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		if res.Done {
			if res.Winner != SeatRed {
				t.Fatalf("expected red winner, got %+v", res)
			}
			return
		}
		st, _ = fire(t, m, st, SeatBlue, missX, missY)
		missX--
		if missX < 5 {
			missX = 9
			missY--
		}
	}
	t.Fatalf("fleet destroyed but no winner reported")
}
