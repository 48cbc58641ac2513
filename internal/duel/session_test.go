package duel_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/duel"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/question"
)

type fakeStore struct {
	mu       sync.Mutex
	duels    map[string]*domain.Duel
	answers  []domain.Answer
	finished []*domain.Duel
	nextID   int
}

func newStore() *fakeStore {
	return &fakeStore{duels: make(map[string]*domain.Duel)}
}

func (f *fakeStore) seed(d *domain.Duel) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *d
	f.duels[d.DuelID] = &cp
}

func (f *fakeStore) CreateDuel(_ context.Context, d *domain.Duel) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	d.DuelID = fmt.Sprintf("duel-%d", f.nextID)
	cp := *d
	f.duels[d.DuelID] = &cp
	return nil
}

func (f *fakeStore) GetDuel(_ context.Context, duelID string) (*domain.Duel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.duels[duelID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) SetOpponent(_ context.Context, duelID, opponentID, opponentName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.duels[duelID]
	if !ok {
		return errors.New(errors.CodeNotFound)
	}
	if d.OpponentID != "" || d.Status != domain.StatusWaiting {
		return errors.New(errors.CodeAlreadyExists)
	}
	d.OpponentID = opponentID
	d.OpponentName = opponentName
	d.Status = domain.StatusReady
	return nil
}

func (f *fakeStore) UpdateDuelStatus(_ context.Context, duelID string, status domain.DuelStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d, ok := f.duels[duelID]; ok && d.Status != domain.StatusFinished {
		d.Status = status
	}
	return nil
}

func (f *fakeStore) FinishDuel(_ context.Context, d *domain.Duel) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if stored, ok := f.duels[d.DuelID]; ok {
		stored.Status = domain.StatusFinished
		stored.WinnerID = d.WinnerID
	}
	cp := *d
	f.finished = append(f.finished, &cp)
	return nil
}

func (f *fakeStore) AppendAnswer(_ context.Context, a domain.Answer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.answers = append(f.answers, a)
	return nil
}

func (f *fakeStore) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

func (f *fakeStore) finishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finished)
}

type fakeSupplier struct {
	mu  sync.Mutex
	set *domain.QuestionSet
	err error
}

func (f *fakeSupplier) Supply(_ context.Context, _ question.SupplyRequest) (*domain.QuestionSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	cp := *f.set
	return &cp, nil
}

// questionSet builds n questions whose correct answer is always option 0.
func questionSet(n int) *domain.QuestionSet {
	qs := &domain.QuestionSet{Seed: "test-seed"}
	for i := 0; i < n; i++ {
		qs.Questions = append(qs.Questions, domain.Question{
			Text:         fmt.Sprintf("question %d", i),
			Options:      []string{"right", "wrong", "wrong", "wrong"},
			CorrectIndex: 0,
		})
	}
	qs.CommitHash = question.CommitHash(qs.Seed, qs.Questions)
	return qs
}

type sentEvent struct {
	name string
	data any
}

type fakeTransport struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeTransport) Send(event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, sentEvent{name: event, data: data})
}

func (f *fakeTransport) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, e := range f.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last(name string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].name == name {
			return f.events[i].data, true
		}
	}
	return nil, false
}

// waitFor blocks until the transport has received at least min occurrences of
// the event and returns the latest payload. Timer-driven transitions make
// most assertions eventual.
func (f *fakeTransport) waitFor(t *testing.T, name string, min int) any {
	t.Helper()

	require.Eventually(t, func() bool {
		return f.count(name) >= min
	}, 2*time.Second, 2*time.Millisecond, "waiting for event %q (x%d)", name, min)

	data, _ := f.last(name)
	return data
}

// testTiming shrinks the scheduled delays so a full duel plays out in
// milliseconds. The primary deadlines stay long enough that only explicit
// submissions end questions unless a test overrides them.
func testTiming() duel.Timing {
	return duel.Timing{
		StartCountdown: 5 * time.Millisecond,
		QuestionTime:   5 * time.Second,
		LockWindow:     5 * time.Second,
		InterDelay:     10 * time.Millisecond,
		TickInterval:   time.Hour,
	}
}

func newDuelService(st *fakeStore, sup *fakeSupplier, timing duel.Timing) *duel.Service {
	return duel.NewService(duel.Config{
		Store:    st,
		Supplier: sup,
		Timing:   timing,
	})
}

func seedRankedDuel(st *fakeStore, questions int) {
	st.seed(&domain.Duel{
		DuelID:        "d1",
		Status:        domain.StatusPending,
		Mode:          domain.ModeRanked,
		Language:      "en",
		CreatorID:     "u1",
		CreatorName:   "Alice",
		OpponentID:    "u2",
		OpponentName:  "Bob",
		QuestionCount: questions,
	})
}

func TestService_RankedAutoStart(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedRankedDuel(st, 2)
	sup := &fakeSupplier{set: questionSet(2)}
	s := newDuelService(st, sup, testTiming())

	t1 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, "d1", "u1", "Alice", t1))

	// With only one player connected nothing starts.
	require.Zero(t, t1.count("starting"))

	t2 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, "d1", "u2", "Bob", t2))

	for _, tr := range []*fakeTransport{t1, t2} {
		data := tr.waitFor(t, "starting", 1)
		p, ok := data.(duel.StartingPayload)
		require.True(t, ok)
		require.Equal(t, 2, p.QuestionCount)
		require.Equal(t, sup.set.CommitHash, p.CommitHash, "commit hash is published before any question")

		q := tr.waitFor(t, "question", 1)
		qp, ok := q.(duel.QuestionPayload)
		require.True(t, ok)
		require.Equal(t, 0, qp.QuestionIndex)
		require.Len(t, qp.Options, 4)
	}
}

func TestService_JoinGuards(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedRankedDuel(st, 2)
	s := newDuelService(st, &fakeSupplier{set: questionSet(2)}, testTiming())

	t.Run("unknown duel", func(t *testing.T) {
		err := s.Join(ctx, "nope", "u1", "Alice", &fakeTransport{})
		require.True(t, errors.Is(err, errors.CodeNotFound))
	})

	t.Run("outsider is rejected", func(t *testing.T) {
		err := s.Join(ctx, "d1", "u3", "Carol", &fakeTransport{})
		require.True(t, errors.Is(err, errors.CodePermissionDenied))
	})

	t.Run("finished duel is rejected", func(t *testing.T) {
		st.seed(&domain.Duel{
			DuelID: "done", Status: domain.StatusFinished,
			Mode: domain.ModeRanked, CreatorID: "u1", OpponentID: "u2",
		})
		err := s.Join(ctx, "done", "u1", "Alice", &fakeTransport{})
		require.True(t, errors.Is(err, errors.CodeFailedPrecondition))
	})
}

func TestSession_FullDuel(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedRankedDuel(st, 2)
	sup := &fakeSupplier{set: questionSet(2)}
	s := newDuelService(st, sup, testTiming())

	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, "d1", "u1", "Alice", t1))
	require.NoError(t, s.Join(ctx, "d1", "u2", "Bob", t2))

	t1.waitFor(t, "question", 1)
	t2.waitFor(t, "question", 1)

	// Alice answers correctly first, then Bob answers wrong. The second
	// submission closes the question immediately.
	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u1", 0, 0))

	lock := t2.waitFor(t, "second_timer_started", 1)
	_, ok := lock.(duel.SecondTimerPayload)
	require.True(t, ok, "first answer arms the shorter deadline for the other player")

	pa, _ := t2.last("player_answered")
	pp, ok := pa.(duel.PlayerEventPayload)
	require.True(t, ok)
	require.Equal(t, "u1", pp.PlayerID)
	require.True(t, pp.IsFirst)

	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u2", 0, 1))

	res := t1.waitFor(t, "question_result", 1)
	qr, ok := res.(domain.QuestionResult)
	require.True(t, ok)
	require.Equal(t, 0, qr.QuestionIndex)
	require.Equal(t, 0, qr.CorrectIndex, "answer key is revealed only after the question ends")

	byID := map[string]domain.PlayerQuestionResult{}
	for _, p := range qr.Players {
		byID[p.PlayerID] = p
	}
	require.True(t, byID["u1"].Correct)
	require.True(t, byID["u1"].First)
	require.Equal(t, 1, byID["u1"].Score)
	require.False(t, byID["u2"].Correct)
	require.Equal(t, 0, byID["u2"].Score)

	// Second question: Alice wins again.
	q := t1.waitFor(t, "question", 2)
	qp := q.(duel.QuestionPayload)
	require.Equal(t, 1, qp.QuestionIndex)

	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u1", 1, 0))
	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u2", 1, 2))
	t1.waitFor(t, "question_result", 2)

	fin := t1.waitFor(t, "finished", 1)
	fp, ok := fin.(duel.FinishedPayload)
	require.True(t, ok)
	require.NotNil(t, fp.Result.WinnerID)
	require.Equal(t, "u1", *fp.Result.WinnerID)
	require.Equal(t, "test-seed", fp.Seed, "seed is revealed only at the end")
	require.Equal(t, sup.set.CommitHash, fp.CommitHash)
	require.Equal(t, question.CommitHash(fp.Seed, sup.set.Questions), fp.CommitHash,
		"the revealed seed verifies the pre-published commitment")

	byPlayer := map[string]domain.PlayerResult{}
	for _, p := range fp.Result.Players {
		byPlayer[p.PlayerID] = p
	}
	require.Equal(t, 2, byPlayer["u1"].Score)
	require.Equal(t, 2, byPlayer["u1"].Correct)
	require.Equal(t, 2, byPlayer["u1"].Faster)
	require.Equal(t, 0, byPlayer["u2"].Score)

	// All four answers and the finish record are persisted.
	require.Eventually(t, func() bool { return st.answerCount() == 4 }, 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return st.finishedCount() == 1 }, 2*time.Second, 2*time.Millisecond)

	// The finished session is released: further joins see the stored state.
	err := s.Join(ctx, "d1", "u1", "Alice", &fakeTransport{})
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition))
}

func TestSession_LockExpiry(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedRankedDuel(st, 1)

	timing := testTiming()
	timing.LockWindow = 30 * time.Millisecond
	s := newDuelService(st, &fakeSupplier{set: questionSet(1)}, timing)

	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, "d1", "u1", "Alice", t1))
	require.NoError(t, s.Join(ctx, "d1", "u2", "Bob", t2))
	t1.waitFor(t, "question", 1)

	// Only Alice answers; the lock deadline ends the question for Bob.
	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u1", 0, 0))

	res := t1.waitFor(t, "question_result", 1)
	qr := res.(domain.QuestionResult)

	byID := map[string]domain.PlayerQuestionResult{}
	for _, p := range qr.Players {
		byID[p.PlayerID] = p
	}
	require.Nil(t, byID["u2"].AnswerIndex, "a silent player has no recorded answer")
	require.False(t, byID["u2"].Correct)
	require.Equal(t, 1, byID["u1"].Score)

	fin := t1.waitFor(t, "finished", 1)
	fp := fin.(duel.FinishedPayload)
	require.Equal(t, "u1", *fp.Result.WinnerID)
}

func TestSession_Draw(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedRankedDuel(st, 1)
	s := newDuelService(st, &fakeSupplier{set: questionSet(1)}, testTiming())

	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, "d1", "u1", "Alice", t1))
	require.NoError(t, s.Join(ctx, "d1", "u2", "Bob", t2))
	t1.waitFor(t, "question", 1)

	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u1", 0, 0))
	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u2", 0, 0))

	fin := t1.waitFor(t, "finished", 1)
	fp := fin.(duel.FinishedPayload)
	require.Nil(t, fp.Result.WinnerID, "equal scores are a draw, never a tiebreak")

	// Even on a duel this short, the async in_progress persist from the start
	// of play must not land over the terminal status.
	require.Eventually(t, func() bool { return st.answerCount() == 2 }, 2*time.Second, 2*time.Millisecond)
	stored, err := st.GetDuel(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFinished, stored.Status)
}

func TestSession_SubmitAnswerGuards(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedRankedDuel(st, 2)
	s := newDuelService(st, &fakeSupplier{set: questionSet(2)}, testTiming())

	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, "d1", "u1", "Alice", t1))
	require.NoError(t, s.Join(ctx, "d1", "u2", "Bob", t2))
	t1.waitFor(t, "question", 1)

	t.Run("out of range index", func(t *testing.T) {
		err := s.SubmitAnswer(ctx, "d1", "u1", 0, 9)
		require.True(t, errors.Is(err, errors.CodeInvalidArgument))
	})

	t.Run("stale question index is a silent no-op", func(t *testing.T) {
		require.NoError(t, s.SubmitAnswer(ctx, "d1", "u1", 5, 0))
		require.Zero(t, t2.count("player_answered"))
	})

	t.Run("duplicate submission keeps the first answer", func(t *testing.T) {
		require.NoError(t, s.SubmitAnswer(ctx, "d1", "u1", 0, 0))
		require.NoError(t, s.SubmitAnswer(ctx, "d1", "u1", 0, 3))
		require.Equal(t, 1, t2.count("player_answered"))

		require.NoError(t, s.SubmitAnswer(ctx, "d1", "u2", 0, 1))

		res := t1.waitFor(t, "question_result", 1)
		qr := res.(domain.QuestionResult)
		for _, p := range qr.Players {
			if p.PlayerID == "u1" {
				require.NotNil(t, p.AnswerIndex)
				require.Equal(t, 0, *p.AnswerIndex)
				require.True(t, p.Correct)
			}
		}
	})

	t.Run("outsider is rejected", func(t *testing.T) {
		err := s.SubmitAnswer(ctx, "d1", "u3", 0, 0)
		require.True(t, errors.Is(err, errors.CodePermissionDenied))
	})
}

func TestService_InviteFlow(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	s := newDuelService(st, &fakeSupplier{set: questionSet(2)}, testTiming())

	d, err := s.CreateInvite(ctx, duel.CreateInviteRequest{
		CreatorID:   "u1",
		CreatorName: "Alice",
		Topic:       "history",
		Language:    "en",
	})
	require.NoError(t, err)
	require.NotEmpty(t, d.DuelID)
	require.Equal(t, domain.StatusWaiting, d.Status)
	require.Equal(t, domain.ModeInvite, d.Mode)

	t1 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, d.DuelID, "u1", "Alice", t1))

	// No opponent yet: start is premature.
	err = s.Start(ctx, d.DuelID, "u1")
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition))

	// The first stranger to join claims the open slot.
	t2 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, d.DuelID, "u2", "Bob", t2))

	stored, err := st.GetDuel(ctx, d.DuelID)
	require.NoError(t, err)
	require.Equal(t, "u2", stored.OpponentID)
	require.Equal(t, domain.StatusReady, stored.Status)

	// Both sides hear about the filled room.
	t1.waitFor(t, "joined", 2)
	t2.waitFor(t, "joined", 1)

	// The room is full now; a third player is rejected.
	err = s.Join(ctx, d.DuelID, "u3", "Carol", &fakeTransport{})
	require.True(t, errors.Is(err, errors.CodePermissionDenied))

	// Invite duels never auto-start, and only the creator may start them.
	require.Zero(t, t1.count("starting"))
	err = s.Start(ctx, d.DuelID, "u2")
	require.True(t, errors.Is(err, errors.CodePermissionDenied))

	require.NoError(t, s.Start(ctx, d.DuelID, "u1"))
	t1.waitFor(t, "starting", 1)
	t2.waitFor(t, "question", 1)
}

func TestService_InviteClaimRace(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	s := newDuelService(st, &fakeSupplier{set: questionSet(2)}, testTiming())

	d, err := s.CreateInvite(ctx, duel.CreateInviteRequest{
		CreatorID: "u1", CreatorName: "Alice", Language: "en",
	})
	require.NoError(t, err)

	t1 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, d.DuelID, "u1", "Alice", t1))

	// The slot was claimed in the store while this join was on its way.
	st.mu.Lock()
	st.duels[d.DuelID].OpponentID = "u2"
	st.duels[d.DuelID].OpponentName = "Bob"
	st.duels[d.DuelID].Status = domain.StatusReady
	st.mu.Unlock()

	err = s.Join(ctx, d.DuelID, "u3", "Carol", &fakeTransport{})
	require.True(t, errors.Is(err, errors.CodePermissionDenied),
		"losing the claim race is a rejection, not a seat")

	// The durable record still names the winning opponent.
	stored, err := st.GetDuel(ctx, d.DuelID)
	require.NoError(t, err)
	require.Equal(t, "u2", stored.OpponentID)
}

func TestService_DisconnectAndSync(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedRankedDuel(st, 1)
	s := newDuelService(st, &fakeSupplier{set: questionSet(1)}, testTiming())

	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, "d1", "u1", "Alice", t1))
	require.NoError(t, s.Join(ctx, "d1", "u2", "Bob", t2))
	t1.waitFor(t, "question", 1)

	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u2", 0, 0))

	s.Disconnect("u2")

	dis := t1.waitFor(t, "player_disconnected", 1)
	require.Equal(t, "u2", dis.(duel.PlayerEventPayload).PlayerID)

	// A dropped player cannot sync without a live connection.
	err := s.Sync(ctx, "d1", "u2")
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition))

	// Rejoin restores the transport and replays the full snapshot, including
	// the in-flight question and Bob's already banked answer state.
	t2b := &fakeTransport{}
	require.NoError(t, s.Join(ctx, "d1", "u2", "Bob", t2b))

	snap := t2b.waitFor(t, "joined", 1).(duel.Snapshot)
	require.Equal(t, domain.StatusInProgress, snap.Status)
	require.NotNil(t, snap.CurrentQuestion)
	require.True(t, snap.Locked, "the first answer's lock survives the reconnect")

	rec := t1.waitFor(t, "player_reconnected", 1)
	require.Equal(t, "u2", rec.(duel.PlayerEventPayload).PlayerID)

	require.NoError(t, s.Sync(ctx, "d1", "u2"))
	require.Equal(t, 2, t2b.count("joined"))

	// The duel plays on as if nothing happened.
	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u1", 0, 1))
	fin := t2b.waitFor(t, "finished", 1)
	require.Equal(t, "u2", *fin.(duel.FinishedPayload).Result.WinnerID)
}

func TestSession_SupplierShortfall(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedRankedDuel(st, 3)
	s := newDuelService(st, &fakeSupplier{set: questionSet(1)}, testTiming())

	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, "d1", "u1", "Alice", t1))
	require.NoError(t, s.Join(ctx, "d1", "u2", "Bob", t2))

	start := t1.waitFor(t, "starting", 1).(duel.StartingPayload)
	require.Equal(t, 1, start.QuestionCount, "the duel shrinks to what the bank could supply")

	t1.waitFor(t, "question", 1)
	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u1", 0, 0))
	require.NoError(t, s.SubmitAnswer(ctx, "d1", "u2", 0, 1))

	fin := t1.waitFor(t, "finished", 1).(duel.FinishedPayload)
	require.Equal(t, 1, fin.Result.QuestionCount)
}

func TestSession_SupplierFailure(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedRankedDuel(st, 2)
	s := newDuelService(st, &fakeSupplier{err: errors.New(errors.CodeUnavailable)}, testTiming())

	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	require.NoError(t, s.Join(ctx, "d1", "u1", "Alice", t1))

	err := s.Join(ctx, "d1", "u2", "Bob", t2)
	require.True(t, errors.Is(err, errors.CodeUnavailable))

	// The whole room hears that the duel cannot proceed.
	ep := t1.waitFor(t, "error", 1).(duel.ErrorPayload)
	require.NotEmpty(t, ep.Code)
}
