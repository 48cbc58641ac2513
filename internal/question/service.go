package question

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/errors"
)

const (
	// rankedPoolSize is how many bank questions a ranked pool draws from.
	// Each duel samples its own shuffled subset, so the pool can be shared.
	rankedPoolSize = 200

	defaultCacheTTL = 5 * time.Minute
)

type Config struct {
	DB       *pgxpool.Pool
	Redis    redis.UniversalClient
	Prefix   string
	CacheTTL time.Duration
}

// Service supplies ordered question sets for duels from the postgres bank.
// Ranked pools are cached in redis per language to absorb matchmaking bursts.
type Service struct {
	db       *pgxpool.Pool
	redis    redis.UniversalClient
	prefix   string
	cacheTTL time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		db:       c.DB,
		redis:    c.Redis,
		prefix:   c.Prefix,
		cacheTTL: c.CacheTTL,
	}
	if s.cacheTTL == 0 {
		s.cacheTTL = defaultCacheTTL
	}

	return s
}

// SupplyRequest selects questions by topic/language/difficulty, or a diverse
// ranked mix when Ranked is set (topic and difficulty are ignored then).
type SupplyRequest struct {
	Topic      string
	Language   string
	Difficulty string
	Count      int
	Ranked     bool
}

// Supply returns an ordered question set with its seed and commit hash.
// Returning fewer questions than requested is not an error; the duel plays
// the lesser of requested and supplied.
func (s *Service) Supply(ctx context.Context, req SupplyRequest) (*domain.QuestionSet, error) {
	if req.Count <= 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("question count must be positive, got %d", req.Count))
	}

	pool, err := s.loadPool(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("no questions available: language=%s topic=%s", req.Language, req.Topic))
	}

	seed, err := newSeed()
	if err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}

	qs := sample(pool, req.Count, seed)

	return &domain.QuestionSet{
		Questions:  qs,
		Seed:       seed,
		CommitHash: CommitHash(seed, qs),
	}, nil
}

func (s *Service) loadPool(ctx context.Context, req SupplyRequest) ([]domain.Question, error) {
	if req.Ranked && s.redis != nil {
		return s.loadRankedPool(ctx, req.Language)
	}

	return s.queryBank(ctx, req)
}

func (s *Service) loadRankedPool(ctx context.Context, language string) ([]domain.Question, error) {
	key := fmt.Sprintf("%s:ranked:%s", s.prefix, language)

	if b, err := s.redis.Get(ctx, key).Bytes(); err == nil {
		var pool []domain.Question
		if err := json.Unmarshal(b, &pool); err == nil && len(pool) > 0 {
			return pool, nil
		}
		// Corrupt cache entry falls through to the bank.
	}

	pool, err := s.queryBank(ctx, SupplyRequest{Language: language, Ranked: true, Count: rankedPoolSize})
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(pool); err == nil {
		if err := s.redis.Set(ctx, key, b, s.cacheTTL).Err(); err != nil {
			// Cache write failure is not fatal; the bank query succeeded.
			return pool, nil
		}
	}

	return pool, nil
}

func (s *Service) queryBank(ctx context.Context, req SupplyRequest) ([]domain.Question, error) {
	var (
		stmt string
		args []any
	)

	if req.Ranked {
		// Diverse mix: every topic and difficulty, random order.
		stmt = `
SELECT text, options, correct_index FROM questions
WHERE language = $1
ORDER BY random()
LIMIT $2;`
		args = []any{req.Language, rankedPoolSize}
	} else {
		stmt = `
SELECT text, options, correct_index FROM questions
WHERE language = $1
  AND ($2 = '' OR topic = $2)
  AND ($3 = '' OR difficulty = $3)
ORDER BY random()
LIMIT $4;`
		args = []any{req.Language, req.Topic, req.Difficulty, req.Count}
	}

	rows, err := s.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query question bank: %w", err)
	}

	qs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		if err := r.Scan(&q.Text, &q.Options, &q.CorrectIndex); err != nil {
			return domain.Question{}, err
		}
		return q, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect questions: %w", err)
	}

	return qs, nil
}

// sample deterministically shuffles the pool with the given seed and takes
// the first count questions. The same seed over the same pool always yields
// the same set, which is what makes the commit hash verifiable.
func sample(pool []domain.Question, count int, seed string) []domain.Question {
	shuffled := make([]domain.Question, len(pool))
	copy(shuffled, pool)

	r := mathrand.New(mathrand.NewSource(seedSource(seed)))
	r.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	if count > len(shuffled) {
		count = len(shuffled)
	}
	return shuffled[:count]
}

func seedSource(seed string) int64 {
	h := sha256.Sum256([]byte(seed))
	return int64(new(big.Int).SetBytes(h[:8]).Uint64())
}

func newSeed() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CommitHash binds the seed to the correct-answer sequence. It is published
// with the question set before play so the answer key can be verified after
// the duel without trusting the server's reveal.
func CommitHash(seed string, qs []domain.Question) string {
	var sb strings.Builder
	sb.WriteString(seed)
	for _, q := range qs {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(q.CorrectIndex))
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
