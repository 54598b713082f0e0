package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/arcade-server/internal/game"
)

const ttlRoom = 24 * time.Hour

// Room phases. Transition out of PhaseInProgress happens only when the game
// module reports a result; PhaseFinished is terminal until an explicit reset.
const (
	PhaseWaiting    = "waiting"
	PhaseInProgress = "in-progress"
	PhaseFinished   = "finished"
)

var (
	ErrRoomGone   = errors.New("room not found or expired")
	ErrRoomExists = errors.New("room already exists")
	// ErrConflict is surfaced when an optimistic transaction loses the race.
	ErrConflict = errors.New("concurrent update detected")
)

// RoomRecord is stored as JSON under room:<id>. Occupancy lives in a
// companion key and is always written as a recomputed absolute value, never
// as a relative increment.
type RoomRecord struct {
	ID        string          `json:"id"`
	GameType  string          `json:"game_type"`
	State     json.RawMessage `json:"state"`
	Phase     string          `json:"phase"`
	Private   bool            `json:"private"`
	CreatedAt time.Time       `json:"created_at"`

	Occupancy int `json:"-"`
}

// Store provides CRUD access to rooms and memberships in Redis.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Open connects to Redis using a redis:// or rediss:// URL and verifies the
// connection with a ping.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, errors.New("REDIS_URL required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) keyRoom(id string) string { return "room:" + strings.TrimSpace(id) }
func (s *Store) keyOcc(id string) string { return s.keyRoom(id) + ":occ" }
func (s *Store) keyMembers(id string) string { return s.keyRoom(id) + ":members" }
func (s *Store) keyIndex() string { return "room:index" }

// CreateRoom writes a fresh room record, guarding against ID reuse.
func (s *Store) CreateRoom(ctx context.Context, rec *RoomRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.keyRoom(rec.ID), raw, ttlRoom).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomExists
	}
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, s.keyIndex(), rec.ID)
	pipe.Set(ctx, s.keyOcc(rec.ID), rec.Occupancy, ttlRoom)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) SaveRoom(ctx context.Context, rec *RoomRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyRoom(rec.ID), raw, ttlRoom).Err()
}

// LoadRoom returns nil, nil when the room does not exist.
func (s *Store) LoadRoom(ctx context.Context, id string) (*RoomRecord, error) {
	raw, err := s.rdb.Get(ctx, s.keyRoom(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec RoomRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if occ, err := s.rdb.Get(ctx, s.keyOcc(id)).Result(); err == nil {
		if n, err := strconv.Atoi(occ); err == nil {
			rec.Occupancy = n
		}
	}
	return &rec, nil
}

func (s *Store) RoomExists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.keyRoom(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteRoom removes the room record and its companions. Deleting a room
// that is already gone is a successful no-op.
func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, s.keyRoom(id), s.keyOcc(id), s.keyMembers(id))
	pipe.SRem(ctx, s.keyIndex(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOccupancy overwrites the stored occupancy with an absolute value
// recomputed by the caller from its present-set.
func (s *Store) SetOccupancy(ctx context.Context, id string, n int) error {
	return s.rdb.Set(ctx, s.keyOcc(id), n, ttlRoom).Err()
}

func (s *Store) Occupancy(ctx context.Context, id string) (int, error) {
	v, err := s.rdb.Get(ctx, s.keyOcc(id)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func (s *Store) ListRoomIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyIndex()).Result()
}

// SaveMembership persists the (user, room, role) tuple.
func (s *Store) SaveMembership(ctx context.Context, roomID, userID, role string) error {
	if err := s.rdb.HSet(ctx, s.keyMembers(roomID), userID, role).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, s.keyMembers(roomID), ttlRoom).Err()
}

// ClaimMembership resolves the user's role in the room, assigning the next
// free seat when no record exists yet. The claim runs under WATCH on the
// members key so two users joining at the same moment cannot both read the
// same member count and land on the same seat; the loser retries against
// the fresh count.
func (s *Store) ClaimMembership(ctx context.Context, roomID, userID string) (string, error) {
	key := s.keyMembers(roomID)
	for attempt := 0; attempt < 8; attempt++ {
		var role string
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			existing, err := tx.HGet(ctx, key, userID).Result()
			if err == nil {
				role = existing
				return nil
			}
			if err != redis.Nil {
				return err
			}
			n, err := tx.HLen(ctx, key).Result()
			if err != nil {
				return err
			}
			role = string(game.RoleForJoinIndex(int(n)))
			pipe := tx.TxPipeline()
			pipe.HSet(ctx, key, userID, role)
			pipe.Expire(ctx, key, ttlRoom)
			_, err = pipe.Exec(ctx)
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", err
		}
		return role, nil
	}
	return "", ErrConflict
}

// Membership returns the persisted role, or "" when no record exists.
func (s *Store) Membership(ctx context.Context, roomID, userID string) (string, error) {
	role, err := s.rdb.HGet(ctx, s.keyMembers(roomID), userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return role, err
}

func (s *Store) Memberships(ctx context.Context, roomID string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, s.keyMembers(roomID)).Result()
}

func (s *Store) MemberCount(ctx context.Context, roomID string) (int64, error) {
	return s.rdb.HLen(ctx, s.keyMembers(roomID)).Result()
}

func (s *Store) DeleteMembership(ctx context.Context, roomID, userID string) error {
	return s.rdb.HDel(ctx, s.keyMembers(roomID), userID).Err()
}

// WipeMemberships drops every membership record for the room. Missing key
// counts as success.
func (s *Store) WipeMemberships(ctx context.Context, roomID string) error {
	return s.rdb.Del(ctx, s.keyMembers(roomID)).Err()
}

// UpdateRoomTx runs fn against the current room record inside an optimistic
// WATCH transaction, so two concurrent actions on the same room cannot both
// commit. fn may mutate State and Phase; the occupancy key is untouched.
func (s *Store) UpdateRoomTx(ctx context.Context, id string, fn func(rec *RoomRecord) error) (*RoomRecord, error) {
	key := s.keyRoom(id)
	var out *RoomRecord
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrRoomGone
		}
		if err != nil {
			return err
		}
		var rec RoomRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		newRaw, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, ttlRoom)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = &rec
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	if occ, oerr := s.Occupancy(ctx, id); oerr == nil {
		out.Occupancy = occ
	}
	return out, nil
}
