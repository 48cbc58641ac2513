package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Store is the pgx-backed durable record of duels, answers, ratings and
// match results. It is the only component touching the duel database.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(c Config) *Store {
	return &Store{db: c.DB}
}

// CreateDuel inserts a new duel row and fills in its generated id.
func (s *Store) CreateDuel(ctx context.Context, d *domain.Duel) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate duel ID: %w", err)
	}

	const stmt = `
INSERT INTO duels (duel_id, status, mode, topic, language, creator_id, creator_name, opponent_id, opponent_name, question_count, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`

	_, err = s.db.Exec(ctx, stmt,
		id, d.Status, d.Mode, d.Topic, d.Language,
		d.CreatorID, d.CreatorName, d.OpponentID, d.OpponentName,
		d.QuestionCount, d.CreateTime,
	)
	if err != nil {
		return fmt.Errorf("insert duel: %w", err)
	}

	d.DuelID = id.String()
	return nil
}

// GetDuel loads a duel row. Returns CodeNotFound for an unknown id.
func (s *Store) GetDuel(ctx context.Context, duelID string) (*domain.Duel, error) {
	const stmt = `
SELECT duel_id, status, mode, topic, language, creator_id, creator_name, opponent_id, opponent_name,
       question_count, creator_score, opponent_score, winner_id, create_time, finish_time
FROM duels WHERE duel_id = $1;`

	var (
		d          domain.Duel
		finishTime *time.Time
	)
	err := s.db.QueryRow(ctx, stmt, duelID).Scan(
		&d.DuelID, &d.Status, &d.Mode, &d.Topic, &d.Language,
		&d.CreatorID, &d.CreatorName, &d.OpponentID, &d.OpponentName,
		&d.QuestionCount, &d.CreatorScore, &d.OpponentScore, &d.WinnerID,
		&d.CreateTime, &finishTime,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("duel not found: %s", duelID))
	}
	if err != nil {
		return nil, fmt.Errorf("select duel: %w", err)
	}

	if finishTime != nil {
		d.FinishTime = *finishTime
	}
	return &d, nil
}

// SetOpponent records the opponent slot of an invite duel and moves it to
// ready. The update only applies while the slot is still open, so when two
// players race for it exactly one write lands; the loser gets AlreadyExists.
func (s *Store) SetOpponent(ctx context.Context, duelID, opponentID, opponentName string) error {
	const stmt = `
UPDATE duels SET opponent_id = $2, opponent_name = $3, status = $4
WHERE duel_id = $1 AND opponent_id = '' AND status = $5;`

	ct, err := s.db.Exec(ctx, stmt, duelID, opponentID, opponentName, domain.StatusReady, domain.StatusWaiting)
	if err != nil {
		return fmt.Errorf("set opponent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("opponent slot already taken: duel=%s", duelID))
	}
	return nil
}

// UpdateDuelStatus moves a duel to a new lifecycle status. Finished rows are
// never touched: the write runs on fire-and-forget goroutines and a late
// in_progress persist must not revert an already finished duel.
func (s *Store) UpdateDuelStatus(ctx context.Context, duelID string, status domain.DuelStatus) error {
	const stmt = `UPDATE duels SET status = $2 WHERE duel_id = $1 AND status <> $3;`

	_, err := s.db.Exec(ctx, stmt, duelID, status, domain.StatusFinished)
	if err != nil {
		return fmt.Errorf("update duel status: %w", err)
	}
	return nil
}

// FinishDuel writes the terminal duel record: final scores and winner.
// winnerID stays NULL on a draw.
func (s *Store) FinishDuel(ctx context.Context, d *domain.Duel) error {
	const stmt = `
UPDATE duels SET status = $2, creator_score = $3, opponent_score = $4, winner_id = $5, finish_time = $6
WHERE duel_id = $1;`

	_, err := s.db.Exec(ctx, stmt,
		d.DuelID, domain.StatusFinished, d.CreatorScore, d.OpponentScore, d.WinnerID, d.FinishTime,
	)
	if err != nil {
		return fmt.Errorf("finish duel: %w", err)
	}
	return nil
}

// AppendAnswer persists one submitted answer with its response latency.
func (s *Store) AppendAnswer(ctx context.Context, a domain.Answer) error {
	const stmt = `
INSERT INTO answers (duel_id, player_id, question_index, answer_index, answered_at, latency_ms)
VALUES ($1, $2, $3, $4, $5, $6);`

	_, err := s.db.Exec(ctx, stmt,
		a.DuelID, a.PlayerID, a.QuestionIndex, a.AnswerIndex, a.AnsweredAt, a.LatencyMillis,
	)
	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}
	return nil
}

// GetRating loads a player's rating row. Returns CodeNotFound for players
// without one; callers fall back to the engine defaults.
func (s *Store) GetRating(ctx context.Context, userID string) (*domain.RatingRecord, error) {
	const stmt = `SELECT user_id, sr, rd, games_played FROM ratings WHERE user_id = $1;`

	var r domain.RatingRecord
	err := s.db.QueryRow(ctx, stmt, userID).Scan(&r.UserID, &r.SR, &r.RD, &r.GamesPlayed)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("rating not found: user=%s", userID))
	}
	if err != nil {
		return nil, fmt.Errorf("select rating: %w", err)
	}

	return &r, nil
}

// UpsertRating writes a player's rating row, creating it on first ranked duel.
func (s *Store) UpsertRating(ctx context.Context, r domain.RatingRecord) error {
	const stmt = `
INSERT INTO ratings (user_id, sr, rd, games_played)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO UPDATE SET sr = $2, rd = $3, games_played = $4;`

	_, err := s.db.Exec(ctx, stmt, r.UserID, r.SR, r.RD, r.GamesPlayed)
	if err != nil {
		return fmt.Errorf("upsert rating: %w", err)
	}
	return nil
}

// AppendMatchResult records the outcome of a finished ranked duel.
func (s *Store) AppendMatchResult(ctx context.Context, m domain.MatchResult) error {
	const stmt = `
INSERT INTO match_results (duel_id, player1_id, player2_id, winner_id, player1_delta, player2_delta, rated, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	_, err := s.db.Exec(ctx, stmt,
		m.DuelID, m.Player1ID, m.Player2ID, m.WinnerID,
		m.Player1Delta, m.Player2Delta, m.Rated, m.CreateTime,
	)
	if err != nil {
		return fmt.Errorf("insert match result: %w", err)
	}
	return nil
}

// CountRecentRankedMatches counts ranked matches between an ordered pair
// since the given time, in either seat order. Feeds the pair gate.
func (s *Store) CountRecentRankedMatches(ctx context.Context, player1ID, player2ID string, since time.Time) (int, error) {
	const stmt = `
SELECT COUNT(*) FROM match_results
WHERE ((player1_id = $1 AND player2_id = $2) OR (player1_id = $2 AND player2_id = $1))
  AND create_time >= $3;`

	var n int
	err := s.db.QueryRow(ctx, stmt, player1ID, player2ID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent matches: %w", err)
	}
	return n, nil
}
