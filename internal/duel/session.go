package duel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/question"
	"github.com/victornm/duelo/internal/telemetry"
)

// Server-to-client event names. The realtime layer forwards these verbatim.
const (
	evJoined             = "joined"
	evStarting           = "starting"
	evQuestion           = "question"
	evTick               = "tick"
	evPlayerAnswered     = "player_answered"
	evSecondTimerStarted = "second_timer_started"
	evQuestionResult     = "question_result"
	evFinished           = "finished"
	evPlayerDisconnected = "player_disconnected"
	evPlayerReconnected  = "player_reconnected"
	evError              = "error"
)

// playerSeat is one side of a duel. transport is nil while disconnected; the
// rest of the state survives disconnection for later sync.
type playerSeat struct {
	id        string
	name      string
	transport Transport
	score     int
	answers   map[int]seatAnswer
}

type seatAnswer struct {
	option int
	at     time.Time
}

// Session is one duel's live state machine. All fields behind mu; handlers
// release the lock around store and supplier calls and re-validate their
// precondition after re-acquiring it.
type Session struct {
	svc *Service

	mu sync.Mutex

	id       string
	mode     domain.DuelMode
	status   domain.DuelStatus
	topic    string
	language string

	questionCount int // requested count; playable is min of this and supplied
	questions     []domain.Question
	seed          string
	commitHash    string
	supplying     bool

	creator  playerSeat
	opponent *playerSeat // nil until the invite opponent claims the slot

	idx              int
	questionStart    time.Time
	questionDeadline time.Time
	locked           bool
	lockDeadline     time.Time
	questionEnded    bool

	results []domain.QuestionResult

	questionTimer *time.Timer
	lockTimer     *time.Timer
	delayTimer    *time.Timer
	tickStop      chan struct{}
}

func newSession(svc *Service, d *domain.Duel) *Session {
	s := &Session{
		svc:           svc,
		id:            d.DuelID,
		mode:          d.Mode,
		status:        d.Status,
		topic:         d.Topic,
		language:      d.Language,
		questionCount: d.QuestionCount,
		creator: playerSeat{
			id:      d.CreatorID,
			name:    d.CreatorName,
			answers: make(map[int]seatAnswer),
		},
	}

	if d.OpponentID != "" {
		s.opponent = &playerSeat{
			id:      d.OpponentID,
			name:    d.OpponentName,
			answers: make(map[int]seatAnswer),
		}
	}

	return s
}

func (s *Session) playerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := []string{s.creator.id}
	if s.opponent != nil {
		ids = append(ids, s.opponent.id)
	}
	return ids
}

// seatOf returns the seat owned by the player, or nil for outsiders.
// Callers hold s.mu.
func (s *Session) seatOf(playerID string) *playerSeat {
	if s.creator.id == playerID {
		return &s.creator
	}
	if s.opponent != nil && s.opponent.id == playerID {
		return s.opponent
	}
	return nil
}

func (s *Session) seats() []*playerSeat {
	seats := []*playerSeat{&s.creator}
	if s.opponent != nil {
		seats = append(seats, s.opponent)
	}
	return seats
}

// playableCount is the number of questions this duel will actually play:
// the lesser of the requested count and what the supplier returned.
func (s *Session) playableCount() int {
	if len(s.questions) < s.questionCount {
		return len(s.questions)
	}
	return s.questionCount
}

// join validates the caller's seat, records the transport, and for
// matchmaking duels auto-starts once both transports are present.
func (s *Session) join(ctx context.Context, playerID, displayName string, t Transport) error {
	s.mu.Lock()

	if s.status == domain.StatusFinished {
		s.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("duel already finished: %s", s.id))
	}

	seat := s.seatOf(playerID)
	if seat == nil {
		if s.opponent == nil && s.status == domain.StatusWaiting && playerID != s.creator.id {
			return s.claimOpponentSlot(ctx, playerID, displayName, t)
		}

		s.mu.Unlock()
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("not in duel: player=%s duel=%s", playerID, s.id))
	}

	rejoined := seat.transport == nil && s.status == domain.StatusInProgress
	seat.transport = t
	t.Send(evJoined, s.snapshotLocked())

	if rejoined {
		s.notifyOtherLocked(playerID, evPlayerReconnected, PlayerEventPayload{PlayerID: playerID})
	}

	if s.shouldAutoStartLocked() {
		return s.superviseSupplyAndStart(ctx)
	}

	s.mu.Unlock()
	return nil
}

// claimOpponentSlot fills the invite duel's open seat. The slot is claimed in
// the store first, conditionally, so exactly one of two racing joins wins;
// the in-memory seat is then re-checked after the await since the winner may
// already have filled it. Entered holding s.mu.
func (s *Session) claimOpponentSlot(ctx context.Context, playerID, displayName string, t Transport) error {
	s.mu.Unlock()
	err := s.svc.store.SetOpponent(ctx, s.id, playerID, displayName)
	s.mu.Lock()

	if errors.Is(err, errors.CodeAlreadyExists) {
		// Lost the claim race. The winner's join owns the seat.
		taken := s.opponent != nil && s.opponent.id == playerID
		s.mu.Unlock()
		if taken {
			return nil
		}
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("not in duel: player=%s duel=%s", playerID, s.id))
	}
	if err != nil {
		s.mu.Unlock()
		return errors.New(errors.CodeUnavailable, errors.WithCause(err))
	}

	if s.opponent != nil || s.status != domain.StatusWaiting {
		taken := s.opponent != nil && s.opponent.id == playerID
		s.mu.Unlock()
		if taken {
			return nil
		}
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("not in duel: player=%s duel=%s", playerID, s.id))
	}

	s.opponent = &playerSeat{
		id:        playerID,
		name:      displayName,
		transport: t,
		answers:   make(map[int]seatAnswer),
	}
	s.status = domain.StatusReady

	s.svc.registry.indexPlayer(playerID, s.id)

	t.Send(evJoined, s.snapshotLocked())
	s.notifyOtherLocked(playerID, evJoined, s.snapshotLocked())
	s.mu.Unlock()
	return nil
}

// shouldAutoStartLocked reports whether a matchmaking duel can skip ready and
// go straight to in_progress. Invite duels always wait for an explicit start.
func (s *Session) shouldAutoStartLocked() bool {
	if s.mode != domain.ModeRanked || s.status != domain.StatusPending {
		return false
	}
	if len(s.questions) > 0 || s.supplying {
		return false
	}
	return s.creator.transport != nil && s.opponent != nil && s.opponent.transport != nil
}

// superviseSupplyAndStart loads questions and begins play. Entered holding
// s.mu, which is released around the supplier call; the pending status and
// empty question list are re-checked after the await.
func (s *Session) superviseSupplyAndStart(ctx context.Context) error {
	s.supplying = true

	s.mu.Unlock()
	qs, err := s.svc.supplier.Supply(ctx, question.SupplyRequest{
		Topic:    s.topic,
		Language: s.language,
		Count:    s.questionCount,
		Ranked:   s.mode == domain.ModeRanked,
	})
	s.mu.Lock()

	s.supplying = false

	if err != nil {
		// The duel cannot proceed without questions; the whole room hears it.
		s.broadcastLocked(evError, ErrorPayload{
			Code:    errors.Convert(err).CodeName(),
			Message: "question supply failed",
		})
		s.mu.Unlock()
		return errors.New(errors.CodeUnavailable, errors.WithCause(err))
	}

	if s.status != domain.StatusPending && s.status != domain.StatusReady {
		s.mu.Unlock()
		return nil
	}
	if len(s.questions) > 0 {
		s.mu.Unlock()
		return nil
	}

	s.questions = qs.Questions
	s.seed = qs.Seed
	s.commitHash = qs.CommitHash

	s.beginLocked(ctx)
	s.mu.Unlock()
	return nil
}

// start is the explicit start call for invite duels.
func (s *Session) start(ctx context.Context, callerID string) error {
	s.mu.Lock()

	if s.seatOf(callerID) == nil {
		s.mu.Unlock()
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("not in duel: player=%s duel=%s", callerID, s.id))
	}
	if callerID != s.creator.id {
		s.mu.Unlock()
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the creator may start duel %s", s.id))
	}
	if s.status != domain.StatusReady {
		s.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("cannot start duel in status %s", s.status))
	}
	if s.opponent == nil || s.opponent.transport == nil {
		s.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("opponent not present in duel %s", s.id))
	}

	if len(s.questions) == 0 {
		return s.superviseSupplyAndStart(ctx)
	}

	s.beginLocked(ctx)
	s.mu.Unlock()
	return nil
}

// beginLocked moves the session to in_progress and schedules the first
// question after the countdown. Callers hold s.mu.
func (s *Session) beginLocked(ctx context.Context) {
	s.status = domain.StatusInProgress
	telemetry.DuelsStarted.Inc()

	go func(pctx context.Context) {
		if err := s.svc.store.UpdateDuelStatus(pctx, s.id, domain.StatusInProgress); err != nil {
			slog.ErrorContext(pctx, "duel: persist in_progress failed", "duel", s.id, "error", err)
		}
	}(context.WithoutCancel(ctx))

	s.broadcastLocked(evStarting, StartingPayload{
		CountdownSeconds: int(s.svc.timing.StartCountdown / time.Second),
		QuestionCount:    s.playableCount(),
		CommitHash:       s.commitHash,
	})

	s.delayTimer = time.AfterFunc(s.svc.timing.StartCountdown, s.deliverQuestion)

	slog.InfoContext(ctx, "duel: started",
		"duel", s.id,
		"mode", s.mode,
		"questions", s.playableCount(),
	)
}

// deliverQuestion broadcasts the question at the current index and arms its
// timers. Runs on timer goroutines.
func (s *Session) deliverQuestion() {
	s.mu.Lock()

	if s.status != domain.StatusInProgress {
		s.mu.Unlock()
		return
	}

	// The supplier may have returned fewer questions than requested; the
	// duel finishes early instead of erroring.
	if s.idx >= s.playableCount() {
		s.mu.Unlock()
		s.finish()
		return
	}

	q := s.questions[s.idx]
	now := s.svc.now()

	s.questionEnded = false
	s.locked = false
	s.lockDeadline = time.Time{}
	s.questionStart = now
	s.questionDeadline = now.Add(s.svc.timing.QuestionTime)

	s.broadcastLocked(evQuestion, s.questionPayloadLocked(q))

	idx := s.idx
	s.questionTimer = time.AfterFunc(s.svc.timing.QuestionTime, func() {
		s.onTimerExpired(idx)
	})

	stop := make(chan struct{})
	s.tickStop = stop
	go s.runTicker(idx, stop)

	s.mu.Unlock()
}

// questionPayloadLocked sanitizes the current question: the answer key never
// travels to clients before the question ends.
func (s *Session) questionPayloadLocked(q domain.Question) QuestionPayload {
	return QuestionPayload{
		QuestionIndex:   s.idx,
		QuestionCount:   s.playableCount(),
		Text:            q.Text,
		Options:         q.Options,
		TimeLimitMillis: s.svc.timing.QuestionTime.Milliseconds(),
		StartedAt:       s.questionStart,
		DeadlineAt:      s.questionDeadline,
	}
}

func (s *Session) runTicker(idx int, stop chan struct{}) {
	t := time.NewTicker(s.svc.timing.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if !s.broadcastTick(idx) {
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Session) broadcastTick(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.StatusInProgress || s.idx != idx || s.questionEnded {
		return false
	}

	now := s.svc.now()
	p := TickPayload{
		QuestionIndex:   idx,
		RemainingMillis: max(s.questionDeadline.Sub(now).Milliseconds(), 0),
		Locked:          s.locked,
	}
	if s.locked {
		p.LockRemainingMillis = max(s.lockDeadline.Sub(now).Milliseconds(), 0)
	}

	s.broadcastLocked(evTick, p)
	return true
}

// submitAnswer records the player's answer for the current question. The
// server clock is authoritative: anything after the true deadline has
// already been ended by the timer and falls into the silent no-op guard.
func (s *Session) submitAnswer(ctx context.Context, playerID string, questionIndex, answerIndex int) error {
	s.mu.Lock()

	seat := s.seatOf(playerID)
	if seat == nil {
		s.mu.Unlock()
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("not in duel: player=%s duel=%s", playerID, s.id))
	}

	if s.status != domain.StatusInProgress || questionIndex != s.idx || s.questionEnded {
		s.mu.Unlock()
		return nil
	}
	if _, answered := seat.answers[questionIndex]; answered {
		// Idempotent: first submission wins, repeats are ignored.
		s.mu.Unlock()
		return nil
	}

	if answerIndex < 0 || answerIndex >= len(s.questions[s.idx].Options) {
		s.mu.Unlock()
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("answer index out of range: %d", answerIndex))
	}

	now := s.svc.now()
	seat.answers[questionIndex] = seatAnswer{option: answerIndex, at: now}
	telemetry.AnswersSubmitted.Inc()

	first := !s.locked
	if first {
		// First answer locks the question: the remaining player gets a
		// shorter deadline.
		s.locked = true
		s.lockDeadline = now.Add(s.svc.timing.LockWindow)

		idx := s.idx
		s.lockTimer = time.AfterFunc(s.svc.timing.LockWindow, func() {
			s.onTimerExpired(idx)
		})

		s.broadcastLocked(evSecondTimerStarted, SecondTimerPayload{DeadlineAt: s.lockDeadline})
	}

	s.broadcastLocked(evPlayerAnswered, PlayerEventPayload{PlayerID: playerID, IsFirst: first})

	if s.bothAnsweredLocked() {
		s.endQuestionLocked(ctx)
	}

	s.mu.Unlock()
	return nil
}

func (s *Session) bothAnsweredLocked() bool {
	if s.opponent == nil {
		return false
	}
	_, c := s.creator.answers[s.idx]
	_, o := s.opponent.answers[s.idx]
	return c && o
}

// onTimerExpired handles both the primary deadline and the lock deadline.
// Expiry is a normal transition, never an error. The index guard plus the
// questionEnded flag make the end transition fire at most once per question.
func (s *Session) onTimerExpired(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.StatusInProgress || s.idx != idx || s.questionEnded {
		return
	}

	s.endQuestionLocked(context.Background())
}

// endQuestionLocked computes correctness, increments scores (the only place
// scores ever change), persists answers, broadcasts the result snapshot, and
// schedules the next question or the finish. Callers hold s.mu.
func (s *Session) endQuestionLocked(ctx context.Context) {
	// Mark ended and drop the timer handles before computing anything, so a
	// racing timer callback hits the guard instead of double-scoring.
	s.questionEnded = true
	s.stopQuestionTimersLocked()

	q := s.questions[s.idx]

	firstID := ""
	var firstAt time.Time
	for _, seat := range s.seats() {
		if a, ok := seat.answers[s.idx]; ok {
			if firstID == "" || a.at.Before(firstAt) {
				firstID, firstAt = seat.id, a.at
			}
		}
	}

	result := domain.QuestionResult{
		QuestionIndex: s.idx,
		CorrectIndex:  q.CorrectIndex,
	}

	pctx := context.WithoutCancel(ctx)
	for _, seat := range s.seats() {
		pr := domain.PlayerQuestionResult{PlayerID: seat.id}

		if a, ok := seat.answers[s.idx]; ok {
			opt := a.option
			pr.AnswerIndex = &opt
			pr.Correct = a.option == q.CorrectIndex
			pr.First = seat.id == firstID
			pr.LatencyMillis = a.at.Sub(s.questionStart).Milliseconds()

			if pr.Correct {
				seat.score++
			}

			row := domain.Answer{
				DuelID:        s.id,
				PlayerID:      seat.id,
				QuestionIndex: s.idx,
				AnswerIndex:   a.option,
				AnsweredAt:    a.at,
				LatencyMillis: pr.LatencyMillis,
			}
			go func() {
				if err := s.svc.store.AppendAnswer(pctx, row); err != nil {
					slog.ErrorContext(pctx, "duel: persist answer failed",
						"duel", row.DuelID,
						"player", row.PlayerID,
						"question", row.QuestionIndex,
						"error", err,
					)
				}
			}()
		}

		pr.Score = seat.score
		result.Players = append(result.Players, pr)
	}

	s.results = append(s.results, result)
	s.broadcastLocked(evQuestionResult, result)

	if s.idx >= s.playableCount()-1 {
		s.delayTimer = time.AfterFunc(s.svc.timing.InterDelay, s.finish)
		return
	}

	// Question index only ever increases.
	s.idx++
	s.delayTimer = time.AfterFunc(s.svc.timing.InterDelay, s.deliverQuestion)
}

// finish ends the duel: terminal status, winner by strict score comparison,
// persistence, the final broadcast, and async rating processing. Runs on a
// timer goroutine (or inline on the early-finish path).
func (s *Session) finish() {
	s.mu.Lock()

	if s.status == domain.StatusFinished {
		s.mu.Unlock()
		return
	}

	s.status = domain.StatusFinished
	s.stopAllTimersLocked()

	res := s.buildResultLocked()
	record := &domain.Duel{
		DuelID:       s.id,
		CreatorScore: s.creator.score,
		WinnerID:     res.WinnerID,
		FinishTime:   res.FinishTime,
	}
	if s.opponent != nil {
		record.OpponentScore = s.opponent.score
	}
	seed := s.seed
	commit := s.commitHash

	transports := s.transportsLocked()
	s.mu.Unlock()

	ctx := context.Background()

	if err := s.svc.store.FinishDuel(ctx, record); err != nil {
		// The result stands; persistence is retried by ops tooling, never by
		// revising an already delivered outcome.
		slog.ErrorContext(ctx, "duel: persist finish failed", "duel", s.id, "error", err)
	}

	payload := FinishedPayload{
		Result:     res,
		Seed:       seed,
		CommitHash: commit,
	}
	for _, t := range transports {
		t.Send(evFinished, payload)
	}

	if s.svc.eb != nil {
		s.svc.eb.Publish(ctx, domain.EventDuelFinished{Result: res})
	}

	outcome := "win"
	if res.WinnerID == nil {
		outcome = "draw"
	}
	telemetry.DuelsFinished.WithLabelValues(outcome).Inc()

	s.svc.registry.release(s)

	slog.InfoContext(ctx, "duel: finished",
		"duel", s.id,
		"outcome", outcome,
	)
}

// buildResultLocked derives the immutable final snapshot. Winner is decided
// by strict score comparison only; equal scores are an explicit draw.
func (s *Session) buildResultLocked() domain.DuelResult {
	res := domain.DuelResult{
		DuelID:        s.id,
		Mode:          s.mode,
		Language:      s.language,
		QuestionCount: s.playableCount(),
		Questions:     append([]domain.QuestionResult(nil), s.results...),
		FinishTime:    s.svc.now(),
	}

	for _, seat := range s.seats() {
		pr := domain.PlayerResult{
			PlayerID:    seat.id,
			DisplayName: seat.name,
			Score:       seat.score,
		}
		for _, qr := range s.results {
			for _, pq := range qr.Players {
				if pq.PlayerID != seat.id {
					continue
				}
				if pq.Correct {
					pr.Correct++
				}
				if pq.First {
					pr.Faster++
				}
			}
		}
		res.Players = append(res.Players, pr)
	}

	if s.opponent != nil {
		switch {
		case s.creator.score > s.opponent.score:
			id := s.creator.id
			res.WinnerID = &id
		case s.opponent.score > s.creator.score:
			id := s.opponent.id
			res.WinnerID = &id
		}
	}

	return res
}

// disconnect clears the seat's transport and tells the other player. Duel
// status, scores, and timers are untouched; the player can reconnect and
// sync back in.
func (s *Session) disconnect(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seat := s.seatOf(playerID)
	if seat == nil || seat.transport == nil {
		return
	}

	seat.transport = nil
	s.notifyOtherLocked(playerID, evPlayerDisconnected, PlayerEventPayload{PlayerID: playerID})
}

// sync re-delivers the full current snapshot to the caller.
func (s *Session) sync(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seat := s.seatOf(playerID)
	if seat == nil {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("not in duel: player=%s duel=%s", playerID, s.id))
	}
	if seat.transport == nil {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("no live connection for player=%s", playerID))
	}

	seat.transport.Send(evJoined, s.snapshotLocked())
	return nil
}

// stop cancels every timer without finishing the duel. Used on shutdown.
func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopAllTimersLocked()
}

// stopQuestionTimersLocked cancels the per-question timers. Idempotent: both
// the end-question and cleanup paths may call it.
func (s *Session) stopQuestionTimersLocked() {
	if s.questionTimer != nil {
		s.questionTimer.Stop()
		s.questionTimer = nil
	}
	if s.lockTimer != nil {
		s.lockTimer.Stop()
		s.lockTimer = nil
	}
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
}

func (s *Session) stopAllTimersLocked() {
	s.stopQuestionTimersLocked()
	if s.delayTimer != nil {
		s.delayTimer.Stop()
		s.delayTimer = nil
	}
}

func (s *Session) transportsLocked() []Transport {
	var ts []Transport
	for _, seat := range s.seats() {
		if seat.transport != nil {
			ts = append(ts, seat.transport)
		}
	}
	return ts
}

func (s *Session) broadcastLocked(event string, data any) {
	for _, t := range s.transportsLocked() {
		t.Send(event, data)
	}
}

func (s *Session) notifyOtherLocked(playerID, event string, data any) {
	for _, seat := range s.seats() {
		if seat.id == playerID || seat.transport == nil {
			continue
		}
		seat.transport.Send(event, data)
	}
}
