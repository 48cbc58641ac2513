package duel

import (
	"time"

	"github.com/victornm/duelo/internal/domain"
)

// StartingPayload announces the pre-question countdown. The commit hash is
// published here, before any question is shown, so clients can verify the
// answer key after the duel.
type StartingPayload struct {
	CountdownSeconds int    `json:"countdown_seconds"`
	QuestionCount    int    `json:"question_count"`
	CommitHash       string `json:"commit_hash"`
}

// QuestionPayload is a sanitized question: no correct index.
type QuestionPayload struct {
	QuestionIndex   int       `json:"question_index"`
	QuestionCount   int       `json:"question_count"`
	Text            string    `json:"text"`
	Options         []string  `json:"options"`
	TimeLimitMillis int64     `json:"time_limit_ms"`
	StartedAt       time.Time `json:"started_at"`
	DeadlineAt      time.Time `json:"deadline_at"`
}

type TickPayload struct {
	QuestionIndex       int   `json:"question_index"`
	RemainingMillis     int64 `json:"remaining_ms"`
	Locked              bool  `json:"locked"`
	LockRemainingMillis int64 `json:"lock_remaining_ms,omitempty"`
}

type PlayerEventPayload struct {
	PlayerID string `json:"player_id"`
	IsFirst  bool   `json:"is_first,omitempty"`
}

type SecondTimerPayload struct {
	DeadlineAt time.Time `json:"deadline_at"`
}

// FinishedPayload is the terminal broadcast. The seed is revealed only here;
// together with the pre-published commit hash it proves the answer key was
// fixed before play.
type FinishedPayload struct {
	Result     domain.DuelResult `json:"result"`
	Seed       string            `json:"seed"`
	CommitHash string            `json:"commit_hash"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlayerSnapshot is one seat's public state inside a Snapshot.
type PlayerSnapshot struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Score       int    `json:"score"`
	Connected   bool   `json:"connected"`
}

// Snapshot is the full current view of a duel, delivered on join and sync so
// a reconnecting client can rebuild its state from scratch.
type Snapshot struct {
	DuelID          string                  `json:"duel_id"`
	Status          domain.DuelStatus       `json:"status"`
	Mode            domain.DuelMode         `json:"mode"`
	Topic           string                  `json:"topic,omitempty"`
	Language        string                  `json:"language"`
	QuestionCount   int                     `json:"question_count"`
	CommitHash      string                  `json:"commit_hash,omitempty"`
	Players         []PlayerSnapshot        `json:"players"`
	CurrentQuestion *QuestionPayload        `json:"current_question,omitempty"`
	Locked          bool                    `json:"locked,omitempty"`
	LockDeadlineAt  *time.Time              `json:"lock_deadline_at,omitempty"`
	Results         []domain.QuestionResult `json:"results"`
}

// snapshotLocked captures the session state for join/sync delivery.
// Callers hold s.mu.
func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		DuelID:        s.id,
		Status:        s.status,
		Mode:          s.mode,
		Topic:         s.topic,
		Language:      s.language,
		QuestionCount: s.questionCount,
		CommitHash:    s.commitHash,
		Results:       append([]domain.QuestionResult(nil), s.results...),
	}
	if len(s.questions) > 0 {
		snap.QuestionCount = s.playableCount()
	}

	for _, seat := range s.seats() {
		snap.Players = append(snap.Players, PlayerSnapshot{
			PlayerID:    seat.id,
			DisplayName: seat.name,
			Score:       seat.score,
			Connected:   seat.transport != nil,
		})
	}

	if s.status == domain.StatusInProgress && !s.questionEnded && s.idx < s.playableCount() {
		q := s.questionPayloadLocked(s.questions[s.idx])
		snap.CurrentQuestion = &q
		snap.Locked = s.locked
		if s.locked {
			d := s.lockDeadline
			snap.LockDeadlineAt = &d
		}
	}

	return snap
}
