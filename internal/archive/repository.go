package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Result is the durable record of a finished game, written once the room's
// phase turns terminal.
type Result struct {
	RoomID     string
	GameType   string
	Outcome    string // "win" or "draw"
	WinnerSeat string
	WinnerID   string
	FinalState json.RawMessage
	StartedAt  time.Time
	FinishedAt time.Time
}

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts the final result; replays of the same room ID are
// harmless, matching the at-least-once delivery model upstream.
func (r *Repository) SaveResult(ctx context.Context, res *Result) error {
	if r == nil || r.db == nil || res == nil {
		return nil
	}
	duration := res.FinishedAt.Sub(res.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	q := `INSERT INTO game_results (
	    room_id, game_type, outcome, winner_seat, winner_id,
	    final_state, started_at, ended_at, duration_ms
	  ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	  ON CONFLICT (room_id) DO UPDATE SET
	    game_type=EXCLUDED.game_type,
	    outcome=EXCLUDED.outcome,
	    winner_seat=EXCLUDED.winner_seat,
	    winner_id=EXCLUDED.winner_id,
	    final_state=EXCLUDED.final_state,
	    started_at=EXCLUDED.started_at,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`
	_, err := r.db.ExecContext(ctx, q,
		res.RoomID, res.GameType, res.Outcome, res.WinnerSeat, res.WinnerID,
		string(res.FinalState), res.StartedAt, res.FinishedAt, duration,
	)
	return err
}
