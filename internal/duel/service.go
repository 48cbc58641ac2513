package duel

import (
	"context"
	"time"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/event"
	"github.com/victornm/duelo/internal/question"
)

type Store interface {
	CreateDuel(ctx context.Context, d *domain.Duel) error
	GetDuel(ctx context.Context, duelID string) (*domain.Duel, error)
	SetOpponent(ctx context.Context, duelID, opponentID, opponentName string) error
	UpdateDuelStatus(ctx context.Context, duelID string, status domain.DuelStatus) error
	FinishDuel(ctx context.Context, d *domain.Duel) error
	AppendAnswer(ctx context.Context, a domain.Answer) error
}

type Supplier interface {
	Supply(ctx context.Context, req question.SupplyRequest) (*domain.QuestionSet, error)
}

// Transport is a player's live connection handle. Send must never block; the
// websocket layer buffers and drops slow clients so session handlers are
// never held up by a peer.
type Transport interface {
	Send(event string, data any)
}

// Timing holds every scheduled delay of a duel session. Zero values take the
// reference defaults; tests shrink them to milliseconds.
type Timing struct {
	// StartCountdown is the delay between in_progress and the first question.
	StartCountdown time.Duration
	// QuestionTime is the primary per-question deadline.
	QuestionTime time.Duration
	// LockWindow is the shorter deadline for the remaining player once the
	// first answer arrives.
	LockWindow time.Duration
	// InterDelay is the result display delay between questions, and before
	// the finish broadcast after the last question.
	InterDelay time.Duration
	// TickInterval is the remaining-time broadcast cadence.
	TickInterval time.Duration
}

func (t *Timing) applyDefaults() {
	if t.StartCountdown == 0 {
		t.StartCountdown = 3 * time.Second
	}
	if t.QuestionTime == 0 {
		t.QuestionTime = 60 * time.Second
	}
	if t.LockWindow == 0 {
		t.LockWindow = 10 * time.Second
	}
	if t.InterDelay == 0 {
		t.InterDelay = 3 * time.Second
	}
	if t.TickInterval == 0 {
		t.TickInterval = time.Second
	}
}

type Config struct {
	Store    Store
	Supplier Supplier
	EventBus *event.Bus

	Timing Timing

	// QuestionCount is the default for invite duels; matchmaking duels carry
	// their count on the duel record.
	QuestionCount int

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Service owns every live duel session and routes player operations to them.
type Service struct {
	store    Store
	supplier Supplier
	eb       *event.Bus
	timing   Timing
	qcount   int
	now      func() time.Time

	registry registry
}

func NewService(c Config) *Service {
	c.Timing.applyDefaults()

	s := &Service{
		store:    c.Store,
		supplier: c.Supplier,
		eb:       c.EventBus,
		timing:   c.Timing,
		qcount:   c.QuestionCount,
		now:      c.Now,
	}
	if s.qcount == 0 {
		s.qcount = 10
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.registry.init()

	return s
}

type CreateInviteRequest struct {
	CreatorID   string
	CreatorName string
	Topic       string
	Language    string
}

// CreateInvite creates an invite duel awaiting an opponent. The duel id is
// the invite link's payload; the opponent slot stays unfilled until someone
// joins it.
func (s *Service) CreateInvite(ctx context.Context, req CreateInviteRequest) (*domain.Duel, error) {
	d := &domain.Duel{
		Status:        domain.StatusWaiting,
		Mode:          domain.ModeInvite,
		Topic:         req.Topic,
		Language:      req.Language,
		CreatorID:     req.CreatorID,
		CreatorName:   req.CreatorName,
		QuestionCount: s.qcount,
		CreateTime:    s.now(),
	}

	if err := s.store.CreateDuel(ctx, d); err != nil {
		return nil, err
	}

	return d, nil
}

// Join attaches the player's transport to the duel's session, hydrating the
// session from the store on first access.
func (s *Service) Join(ctx context.Context, duelID, playerID, displayName string, t Transport) error {
	sess, err := s.session(ctx, duelID)
	if err != nil {
		return err
	}

	return sess.join(ctx, playerID, displayName, t)
}

// Start begins an invite duel. Only the creator may call it, only from ready.
func (s *Service) Start(ctx context.Context, duelID, callerID string) error {
	sess, err := s.session(ctx, duelID)
	if err != nil {
		return err
	}

	return sess.start(ctx, callerID)
}

// SubmitAnswer records a player's answer for the current question. Late,
// duplicate, and wrong-index submissions are silently ignored.
func (s *Service) SubmitAnswer(ctx context.Context, duelID, playerID string, questionIndex, answerIndex int) error {
	sess, err := s.session(ctx, duelID)
	if err != nil {
		return err
	}

	return sess.submitAnswer(ctx, playerID, questionIndex, answerIndex)
}

// Sync re-delivers the full current snapshot to a reconnected player.
func (s *Service) Sync(ctx context.Context, duelID, playerID string) error {
	sess, err := s.session(ctx, duelID)
	if err != nil {
		return err
	}

	return sess.sync(playerID)
}

// Disconnect clears the player's transport on their active session, if any.
// Game state is preserved; disconnection is not a forfeit.
func (s *Service) Disconnect(playerID string) {
	if sess := s.registry.byPlayer(playerID); sess != nil {
		sess.disconnect(playerID)
	}
}

// Shutdown cancels all live session timers. Sessions are not finished or
// persisted; they are simply stopped.
func (s *Service) Shutdown() {
	for _, sess := range s.registry.all() {
		sess.stop()
	}
}
