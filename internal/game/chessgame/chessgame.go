package chessgame

import (
	"encoding/json"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/arcade-server/internal/game"
)

const (
	SeatWhite game.Seat = "white"
	SeatBlack game.Seat = "black"
)

// Module plays standard chess through the generic dispatch contract. Moves
// are accepted in UCI notation with an algebraic (SAN) fallback.
type Module struct{}

func New() *Module { return &Module{} }

func (*Module) Name() string { return "chess" }
func (*Module) Seats() [2]game.Seat { return [2]game.Seat{SeatWhite, SeatBlack} }

type state struct {
	FEN      string    `json:"fen"`
	MovesUCI []string  `json:"moves_uci"`
	MovesSAN []string  `json:"moves_san"`
	Turn     game.Seat `json:"turn"`
}

type action struct {
	Move string `json:"move"`
}

type moveDetails struct {
	UCI string `json:"uci"`
	SAN string `json:"san"`
}

func (*Module) InitialState() (json.RawMessage, error) {
	g := nchess.NewGame()
	return json.Marshal(state{FEN: g.FEN(), MovesUCI: []string{}, MovesSAN: []string{}, Turn: SeatWhite})
}

func (*Module) WhoseTurn(raw json.RawMessage) (game.Seat, error) {
	st, err := decode(raw)
	if err != nil {
		return "", err
	}
	return st.Turn, nil
}

func (m *Module) ValidateAction(raw, act json.RawMessage, seat game.Seat) error {
	st, err := decode(raw)
	if err != nil {
		return err
	}
	var a action
	if err := json.Unmarshal(act, &a); err != nil {
		return fmt.Errorf("%w: %v", game.ErrInvalidAction, err)
	}
	g := reconstruct(st.MovesUCI)
	if g == nil {
		return fmt.Errorf("reconstruct chess game from %d moves", len(st.MovesUCI))
	}
	if _, _, err := tryMove(g, a.Move); err != nil {
		return err
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
	g := reconstruct(st.MovesUCI)
	if g == nil {
		return nil, nil, fmt.Errorf("reconstruct chess game from %d moves", len(st.MovesUCI))
	}
	uci, san, err := tryMove(g, a.Move)
	if err != nil {
		return nil, nil, err
	}
	st.MovesUCI = append(st.MovesUCI, uci)
	st.MovesSAN = append(st.MovesSAN, san)
	st.FEN = g.FEN()
	if g.Position().Turn() == nchess.White {
		st.Turn = SeatWhite
	} else {
		st.Turn = SeatBlack
	}
	newRaw, err := json.Marshal(st)
	if err != nil {
		return nil, nil, err
	}
	det, err := json.Marshal(moveDetails{UCI: uci, SAN: san})
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
	g := reconstruct(st.MovesUCI)
	if g == nil {
		return game.Result{}, fmt.Errorf("reconstruct chess game from %d moves", len(st.MovesUCI))
	}
	switch g.Outcome() {
	case nchess.WhiteWon:
		return game.Result{Done: true, Winner: SeatWhite}, nil
	case nchess.BlackWon:
		return game.Result{Done: true, Winner: SeatBlack}, nil
	case nchess.Draw:
		return game.Result{Done: true, Draw: true}, nil
	default:
		return game.Result{}, nil
	}
}

// tryMove applies a move in UCI notation, falling back to SAN, and returns
// both encodings of the move actually played.
func tryMove(g *nchess.Game, raw string) (uci, san string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty move", game.ErrInvalidAction)
	}
	pos := g.Position()
	notationUCI := nchess.UCINotation{}
	if mv, derr := notationUCI.Decode(pos, strings.ToLower(raw)); derr == nil {
		san = nchess.AlgebraicNotation{}.Encode(pos, mv)
		if err := g.Move(mv, nil); err != nil {
			return "", "", fmt.Errorf("%w: %s", game.ErrInvalidAction, raw)
		}
		return strings.ToLower(raw), san, nil
	}
	if err := g.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
		return "", "", fmt.Errorf("%w: %s", game.ErrInvalidAction, raw)
	}
	moves := g.Moves()
	last := moves[len(moves)-1]
	return last.String(), nchess.AlgebraicNotation{}.Encode(pos, last), nil
}

// Always rebuild from the start position by replaying stored UCI moves; the
// FEN on the state is kept for presentation only.
func reconstruct(moves []string) *nchess.Game {
	g := nchess.NewGame()
	for _, mv := range moves {
		if err := g.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil
		}
	}
	return g
}

func decode(raw json.RawMessage) (*state, error) {
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode chess state: %w", err)
	}
	return &st, nil
}
