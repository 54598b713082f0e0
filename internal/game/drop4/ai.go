package drop4

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/park285/arcade-server/internal/game"
)

const (
	suggestDepth = 5
	winValue     = 1_000_000
)

// SuggestMove recommends a column for the seat using minimax with
// alpha-beta pruning. Immediate wins are taken and immediate opponent wins
// blocked before any search runs.
func (m *Module) SuggestMove(raw json.RawMessage, seat game.Seat) (json.RawMessage, error) {
	st, err := decode(raw)
	if err != nil {
		return nil, err
	}
	col := suggest(st.Board, seat)
	if col < 0 {
		return nil, fmt.Errorf("%w: board is full", game.ErrInvalidAction)
	}
	return json.Marshal(action{Col: col})
}

func suggest(b [][]game.Seat, seat game.Seat) int {
	valid := validMoves(b)
	if len(valid) == 0 {
		return -1
	}
	opp := otherSeat(seat)

	// Take an immediate win.
	for _, c := range valid {
		r := drop(b, c, seat)
		won := hasFour(b, seat)
		lift(b, c, r)
		if won {
			return c
		}
	}
	// Block the opponent's immediate win.
	for _, c := range valid {
		r := drop(b, c, opp)
		loses := hasFour(b, opp)
		lift(b, c, r)
		if loses {
			return c
		}
	}

	// Search center-out so equal scores resolve toward the middle.
	sort.SliceStable(valid, func(i, j int) bool {
		return abs(valid[i]-cols/2) < abs(valid[j]-cols/2)
	})
	best := valid[0]
	bestScore := math.MinInt
	for _, c := range valid {
		r := drop(b, c, seat)
		score := minimax(b, suggestDepth-1, math.MinInt, math.MaxInt, false, seat)
		lift(b, c, r)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

func minimax(b [][]game.Seat, depth, alpha, beta int, maximizing bool, seat game.Seat) int {
	opp := otherSeat(seat)
	valid := validMoves(b)
	if depth == 0 || hasFour(b, seat) || hasFour(b, opp) || len(valid) == 0 {
		switch {
		case hasFour(b, seat):
			return winValue
		case hasFour(b, opp):
			return -winValue
		default:
			return scorePosition(b, seat)
		}
	}

	if maximizing {
		value := math.MinInt
		for _, c := range valid {
			r := drop(b, c, seat)
			v := minimax(b, depth-1, alpha, beta, false, seat)
			lift(b, c, r)
			if v > value {
				value = v
			}
			if value > alpha {
				alpha = value
			}
			if alpha >= beta {
				break
			}
		}
		return value
	}

	value := math.MaxInt
	for _, c := range valid {
		r := drop(b, c, opp)
		v := minimax(b, depth-1, alpha, beta, true, seat)
		lift(b, c, r)
		if v < value {
			value = v
		}
		if value < beta {
			beta = value
		}
		if alpha >= beta {
			break
		}
	}
	return value
}

// scorePosition is the heuristic for non-terminal leaves: a center-column
// bonus plus every four-cell window in all four directions.
func scorePosition(b [][]game.Seat, seat game.Seat) int {
	score := 0
	for r := 0; r < rows; r++ {
		if b[r][cols/2] == seat {
			score += 6
		}
	}
	for r := 0; r < rows; r++ {
		for c := 0; c+3 < cols; c++ {
			score += windowScore([4]game.Seat{b[r][c], b[r][c+1], b[r][c+2], b[r][c+3]}, seat)
		}
	}
	for c := 0; c < cols; c++ {
		for r := 0; r+3 < rows; r++ {
			score += windowScore([4]game.Seat{b[r][c], b[r+1][c], b[r+2][c], b[r+3][c]}, seat)
		}
	}
	for r := 0; r+3 < rows; r++ {
		for c := 0; c+3 < cols; c++ {
			score += windowScore([4]game.Seat{b[r][c], b[r+1][c+1], b[r+2][c+2], b[r+3][c+3]}, seat)
		}
	}
	for r := 0; r+3 < rows; r++ {
		for c := 3; c < cols; c++ {
			score += windowScore([4]game.Seat{b[r][c], b[r+1][c-1], b[r+2][c-2], b[r+3][c-3]}, seat)
		}
	}
	return score
}

func windowScore(w [4]game.Seat, seat game.Seat) int {
	opp := otherSeat(seat)
	var mine, theirs, empty int
	for _, cell := range w {
		switch cell {
		case seat:
			mine++
		case opp:
			theirs++
		default:
			empty++
		}
	}
	score := 0
	switch {
	case mine == 4:
		score += 10000
	case mine == 3 && empty == 1:
		score += 100
	case mine == 2 && empty == 2:
		score += 10
	}
	switch {
	case theirs == 3 && empty == 1:
		score -= 80
	case theirs == 2 && empty == 2:
		score -= 5
	}
	return score
}

func validMoves(b [][]game.Seat) []int {
	moves := make([]int, 0, cols)
	for c := 0; c < cols; c++ {
		if b[0][c] == "" {
			moves = append(moves, c)
		}
	}
	return moves
}

// drop places the piece and returns the landing row, -1 when full.
func drop(b [][]game.Seat, col int, seat game.Seat) int {
	for r := rows - 1; r >= 0; r-- {
		if b[r][col] == "" {
			b[r][col] = seat
			return r
		}
	}
	return -1
}

func lift(b [][]game.Seat, col, row int) {
	if row >= 0 {
		b[row][col] = ""
	}
}

func otherSeat(seat game.Seat) game.Seat {
	if seat == SeatRed {
		return SeatBlue
	}
	return SeatRed
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
