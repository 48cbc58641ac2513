package matchmaking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/event"
	"github.com/victornm/duelo/internal/telemetry"
)

const (
	defaultSweepInterval = 2 * time.Second
	defaultWidenInterval = 12 * time.Second
	defaultQueueTimeout  = 60 * time.Second
	defaultQuestionCount = 10
)

// windowWidths is the widening schedule: +/-200 on enqueue, +/-400 after one
// widen interval, +/-600 after a second. The window never widens further.
var windowWidths = []int{200, 400, 600}

type Store interface {
	CreateDuel(ctx context.Context, d *domain.Duel) error
}

// Notifier is the player's realtime handle for queue notifications.
type Notifier interface {
	Send(event string, data any)
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Config struct {
	Store    Store
	EventBus *event.Bus

	QuestionCount int
	SweepInterval time.Duration
	WidenInterval time.Duration
	QueueTimeout  time.Duration

	// Now and NewTickerFunc are injectable for tests.
	Now           func() time.Time
	NewTickerFunc func(d time.Duration) Ticker
}

// searchWindow is a queued player's current acceptable rating range. It only
// ever widens, on a fixed schedule keyed off the last widen time.
type searchWindow struct {
	min            int
	max            int
	step           int
	lastExpandedAt time.Time
}

func newWindow(rating int, now time.Time) searchWindow {
	return searchWindow{
		min:            rating - windowWidths[0],
		max:            rating + windowWidths[0],
		lastExpandedAt: now,
	}
}

type entry struct {
	playerID    string
	displayName string
	rating      int
	language    string
	enqueuedAt  time.Time
	window      searchWindow
	notifier    Notifier
}

// Service is the per-language matchmaking queue. A periodic sweep widens
// windows, expires stale entries, and commits at most one match per tick so
// pairing decisions stay serializable.
type Service struct {
	store Store
	eb    *event.Bus

	questionCount int
	sweepInterval time.Duration
	widenInterval time.Duration
	queueTimeout  time.Duration

	now       func() time.Time
	newTicker func(d time.Duration) Ticker

	stopOnce sync.Once
	stopCh   chan struct{}

	// mu guards queues and byPlayer. The duel-creation call runs outside the
	// lock; commitMatch removes both entries first so a concurrent sweep or
	// enqueue can never double-book either player.
	mu sync.Mutex
	// queues preserves insertion order per language; byPlayer enforces the
	// one-entry-per-player invariant.
	queues   map[string][]*entry
	byPlayer map[string]*entry
}

func NewService(c Config) *Service {
	s := &Service{
		store:         c.Store,
		eb:            c.EventBus,
		questionCount: c.QuestionCount,
		sweepInterval: c.SweepInterval,
		widenInterval: c.WidenInterval,
		queueTimeout:  c.QueueTimeout,
		now:           c.Now,
		newTicker:     c.NewTickerFunc,
		stopCh:        make(chan struct{}),
		queues:        make(map[string][]*entry),
		byPlayer:      make(map[string]*entry),
	}

	if s.questionCount == 0 {
		s.questionCount = defaultQuestionCount
	}
	if s.sweepInterval == 0 {
		s.sweepInterval = defaultSweepInterval
	}
	if s.widenInterval == 0 {
		s.widenInterval = defaultWidenInterval
	}
	if s.queueTimeout == 0 {
		s.queueTimeout = defaultQueueTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newTicker == nil {
		s.newTicker = func(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }
	}

	return s
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Run drives the periodic sweep until Stop is called or the context ends.
func (s *Service) Run(ctx context.Context) {
	t := s.newTicker(s.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C():
			s.Sweep(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

type EnqueueRequest struct {
	PlayerID    string
	DisplayName string
	Rating      int
	Language    string
	Notifier    Notifier
}

// Enqueue adds a player to the queue for their language. A player already
// queued is rejected explicitly, never silently replaced.
func (s *Service) Enqueue(req EnqueueRequest) error {
	s.mu.Lock()

	if _, ok := s.byPlayer[req.PlayerID]; ok {
		s.mu.Unlock()
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("already queued: player=%s", req.PlayerID))
	}

	now := s.now()
	e := &entry{
		playerID:    req.PlayerID,
		displayName: req.DisplayName,
		rating:      req.Rating,
		language:    req.Language,
		enqueuedAt:  now,
		window:      newWindow(req.Rating, now),
		notifier:    req.Notifier,
	}

	s.queues[req.Language] = append(s.queues[req.Language], e)
	s.byPlayer[req.PlayerID] = e
	telemetry.QueueDepth.Inc()
	s.mu.Unlock()

	s.notifySearching(e)
	return nil
}

// Cancel removes a player from the queue on their own request.
func (s *Service) Cancel(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPlayer[playerID]; !ok {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("not queued: player=%s", playerID))
	}

	s.removeLocked(playerID)
	return nil
}

// OnDisconnect drops a disconnected player from the queue. Unlike Cancel it
// is a no-op for players who were not queued.
func (s *Service) OnDisconnect(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(playerID)
}

// Sweep widens windows, expires stale entries, and commits at most one match.
func (s *Service) Sweep(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	s.widenWindowsLocked(now)
	expired := s.expireStaleLocked(now)
	pair, found := s.findMatchLocked()
	if found {
		// Both leave the queue before the duel-creation call so no later
		// sweep can pair either of them again while it is in flight.
		s.removeLocked(pair[0].playerID)
		s.removeLocked(pair[1].playerID)
	}
	s.mu.Unlock()

	for _, e := range expired {
		if e.notifier != nil {
			e.notifier.Send("matchmaking_status", StatusPayload{Status: "timeout"})
		}
	}

	if found {
		s.commitMatch(ctx, pair[0], pair[1])
	}
}

func (s *Service) widenWindowsLocked(now time.Time) {
	for _, bucket := range s.queues {
		for _, e := range bucket {
			if e.window.step >= len(windowWidths)-1 {
				continue
			}
			if now.Sub(e.window.lastExpandedAt) < s.widenInterval {
				continue
			}

			e.window.step++
			w := windowWidths[e.window.step]
			e.window.min = e.rating - w
			e.window.max = e.rating + w
			e.window.lastExpandedAt = now
		}
	}
}

func (s *Service) expireStaleLocked(now time.Time) []*entry {
	var expired []*entry
	for _, bucket := range s.queues {
		for _, e := range bucket {
			if now.Sub(e.enqueuedAt) >= s.queueTimeout {
				expired = append(expired, e)
			}
		}
	}

	for _, e := range expired {
		s.removeLocked(e.playerID)
	}
	return expired
}

// findMatchLocked scans each language bucket in insertion order and returns
// the first compatible pair. Compatibility is symmetric and deliberately
// permissive: the pair matches as soon as either window reaches the other,
// i.e. the two ranges overlap. A player whose window is still narrow is
// never forced to match outside it.
func (s *Service) findMatchLocked() ([2]*entry, bool) {
	for _, bucket := range s.queues {
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				if compatible(bucket[i], bucket[j]) {
					return [2]*entry{bucket[i], bucket[j]}, true
				}
			}
		}
	}

	return [2]*entry{}, false
}

func compatible(a, b *entry) bool {
	return a.window.min <= b.window.max && b.window.min <= a.window.max
}

// commitMatch creates the duel record for a pair already removed from the
// queue. If creation fails, both players go back in with fresh enqueue
// timestamps and windows; they restart their search rather than failing
// silently.
func (s *Service) commitMatch(ctx context.Context, a, b *entry) {
	d := &domain.Duel{
		Status:        domain.StatusPending,
		Mode:          domain.ModeRanked,
		Language:      a.language,
		CreatorID:     a.playerID,
		CreatorName:   a.displayName,
		OpponentID:    b.playerID,
		OpponentName:  b.displayName,
		QuestionCount: s.questionCount,
		CreateTime:    s.now(),
	}

	if err := s.store.CreateDuel(ctx, d); err != nil {
		slog.ErrorContext(ctx, "matchmaking: create duel failed, re-queueing players",
			"player1", a.playerID,
			"player2", b.playerID,
			"error", err,
		)

		s.requeue(a)
		s.requeue(b)
		return
	}

	telemetry.MatchesMade.Inc()

	s.notifyFound(a, d, b)
	s.notifyFound(b, d, a)

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventMatchCreated{Duel: *d})
	}

	slog.InfoContext(ctx, "matchmaking: match created",
		"duel", d.DuelID,
		"player1", a.playerID,
		"player2", b.playerID,
		"language", a.language,
	)
}

// requeue puts a player back after a failed duel creation. The enqueue
// timestamp and window reset to now; the player restarts with a fresh search.
// The duel-creation call ran outside the lock, so the one-entry-per-player
// invariant is re-checked here: a player who enqueued again in the meantime
// keeps that newer entry.
func (s *Service) requeue(e *entry) {
	now := s.now()
	e.enqueuedAt = now
	e.window = newWindow(e.rating, now)

	s.mu.Lock()
	if _, ok := s.byPlayer[e.playerID]; ok {
		s.mu.Unlock()
		return
	}
	s.queues[e.language] = append(s.queues[e.language], e)
	s.byPlayer[e.playerID] = e
	telemetry.QueueDepth.Inc()
	s.mu.Unlock()

	s.notifySearching(e)
}

func (s *Service) removeLocked(playerID string) {
	e, ok := s.byPlayer[playerID]
	if !ok {
		return
	}

	delete(s.byPlayer, playerID)
	telemetry.QueueDepth.Dec()

	bucket := s.queues[e.language]
	for i, x := range bucket {
		if x.playerID == playerID {
			s.queues[e.language] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(s.queues[e.language]) == 0 {
		delete(s.queues, e.language)
	}
}

// StatusPayload is the matchmaking_status notification body.
type StatusPayload struct {
	Status    string          `json:"status"`
	RatingMin int             `json:"rating_min,omitempty"`
	RatingMax int             `json:"rating_max,omitempty"`
	DuelID    string          `json:"duel_id,omitempty"`
	Opponent  *OpponentReveal `json:"opponent,omitempty"`
}

type OpponentReveal struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Rating      int    `json:"rating"`
}

func (s *Service) notifySearching(e *entry) {
	if e.notifier == nil {
		return
	}

	e.notifier.Send("matchmaking_status", StatusPayload{
		Status:    "searching",
		RatingMin: e.window.min,
		RatingMax: e.window.max,
	})
}

func (s *Service) notifyFound(e *entry, d *domain.Duel, opp *entry) {
	if e.notifier == nil {
		return
	}

	e.notifier.Send("matchmaking_status", StatusPayload{
		Status: "found",
		DuelID: d.DuelID,
		Opponent: &OpponentReveal{
			PlayerID:    opp.playerID,
			DisplayName: opp.displayName,
			Rating:      opp.rating,
		},
	})
}

// QueueDepthByLanguage reports current queue sizes, for the health endpoint.
func (s *Service) QueueDepthByLanguage() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.queues))
	for lang, bucket := range s.queues {
		out[lang] = len(bucket)
	}
	return out
}
