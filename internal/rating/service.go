package rating

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/event"
)

// pairGate: the same ordered pair only moves ratings on the first few ranked
// matches per day; further rematches are recorded but leave SR untouched.
const (
	pairGateWindow  = 24 * time.Hour
	pairGateMatches = 3
)

type Store interface {
	GetRating(ctx context.Context, userID string) (*domain.RatingRecord, error)
	UpsertRating(ctx context.Context, r domain.RatingRecord) error
	AppendMatchResult(ctx context.Context, m domain.MatchResult) error
	CountRecentRankedMatches(ctx context.Context, player1ID, player2ID string, since time.Time) (int, error)
}

type Config struct {
	EventBus *event.Bus
	Store    Store

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Service applies rating updates for finished ranked duels. It subscribes to
// duel.finished and is fire-and-forget relative to the finish broadcast:
// failures here are logged and never revise an already delivered result.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store: c.Store,
		now:   c.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	if c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameDuelFinished, func(ctx context.Context, e event.Event) error {
			return s.ProcessResult(ctx, e.(domain.EventDuelFinished).Result)
		})
	}

	return s
}

// GetOrDefault loads a player's rating row, falling back to the documented
// defaults when the player has never played a ranked duel.
func (s *Service) GetOrDefault(ctx context.Context, userID string) (domain.RatingRecord, error) {
	r, err := s.store.GetRating(ctx, userID)
	if errors.Is(err, errors.CodeNotFound) {
		return domain.RatingRecord{
			UserID: userID,
			SR:     DefaultSR,
			RD:     DefaultRD,
		}, nil
	}
	if err != nil {
		return domain.RatingRecord{}, fmt.Errorf("get rating: user=%s: %w", userID, err)
	}

	return *r, nil
}

// ProcessResult updates both players' ratings for a finished ranked duel and
// appends the match-result row. Invite duels are ignored. The pair gate is
// decided before any delta is computed.
func (s *Service) ProcessResult(ctx context.Context, res domain.DuelResult) error {
	if res.Mode != domain.ModeRanked {
		return nil
	}
	if len(res.Players) != 2 {
		return fmt.Errorf("rating: duel %s finished with %d players", res.DuelID, len(res.Players))
	}

	p1, p2 := res.Players[0], res.Players[1]

	recent, err := s.store.CountRecentRankedMatches(ctx, p1.PlayerID, p2.PlayerID, s.now().Add(-pairGateWindow))
	if err != nil {
		return fmt.Errorf("rating: count recent matches: %w", err)
	}
	rated := recent < pairGateMatches

	r1, err := s.GetOrDefault(ctx, p1.PlayerID)
	if err != nil {
		return err
	}
	r2, err := s.GetOrDefault(ctx, p2.PlayerID)
	if err != nil {
		return err
	}

	var d1, d2 int
	if rated {
		s1 := PlayerStats{SR: r1.SR, RD: r1.RD, Correct: p1.Correct, Faster: p1.Faster}
		s2 := PlayerStats{SR: r2.SR, RD: r2.RD, Correct: p2.Correct, Faster: p2.Faster}

		d1 = Delta(s1, s2, res.QuestionCount)
		d2 = Delta(s2, s1, res.QuestionCount)

		r1.SR, r1.RD = ApplySR(r1.SR, d1), ApplyRD(r1.RD)
		r2.SR, r2.RD = ApplySR(r2.SR, d2), ApplyRD(r2.RD)
	} else {
		slog.InfoContext(ctx, "rating: pair gate active, ratings unchanged",
			"duel", res.DuelID,
			"player1", p1.PlayerID,
			"player2", p2.PlayerID,
			"recent_matches", recent,
		)
	}

	r1.GamesPlayed++
	r2.GamesPlayed++

	if err := s.store.UpsertRating(ctx, r1); err != nil {
		return fmt.Errorf("rating: upsert player1: %w", err)
	}
	if err := s.store.UpsertRating(ctx, r2); err != nil {
		return fmt.Errorf("rating: upsert player2: %w", err)
	}

	if err := s.store.AppendMatchResult(ctx, domain.MatchResult{
		DuelID:       res.DuelID,
		Player1ID:    p1.PlayerID,
		Player2ID:    p2.PlayerID,
		WinnerID:     res.WinnerID,
		Player1Delta: d1,
		Player2Delta: d2,
		Rated:        rated,
		CreateTime:   s.now(),
	}); err != nil {
		return fmt.Errorf("rating: append match result: %w", err)
	}

	slog.InfoContext(ctx, "rating: processed duel",
		"duel", res.DuelID,
		"rated", rated,
		"delta1", d1,
		"delta2", d2,
	)

	return nil
}
