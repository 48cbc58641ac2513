package domain

import (
	"time"
)

// DuelStatus is the lifecycle state of a duel. Transitions only move forward:
// pending/waiting -> ready -> in_progress -> finished.
type DuelStatus string

const (
	// StatusPending is a matchmaking duel awaiting both joins and question supply.
	StatusPending DuelStatus = "pending"
	// StatusWaiting is an invite duel awaiting its opponent.
	StatusWaiting DuelStatus = "waiting"
	// StatusReady means both players are known but the duel has not started.
	StatusReady      DuelStatus = "ready"
	StatusInProgress DuelStatus = "in_progress"
	StatusFinished   DuelStatus = "finished"
)

// DuelMode distinguishes rating-eligible matchmaking duels from invite duels.
type DuelMode string

const (
	ModeRanked DuelMode = "ranked"
	ModeInvite DuelMode = "invite"
)

// Duel is the persistent record of a two-player trivia duel.
type Duel struct {
	DuelID        string
	Status        DuelStatus
	Mode          DuelMode
	Topic         string
	Language      string
	CreatorID     string
	CreatorName   string
	OpponentID    string // empty until an opponent is known
	OpponentName  string
	QuestionCount int
	CreatorScore  int
	OpponentScore int
	WinnerID      *string // nil while unfinished, and on a draw
	CreateTime    time.Time
	FinishTime    time.Time
}

// Question is a single bank question with its answer key.
// The correct index never leaves the server boundary before the question ends.
type Question struct {
	Text         string
	Options      []string
	CorrectIndex int
}

// QuestionSet is an ordered question list plus the seed and commit hash
// published before play for post-hoc verification.
type QuestionSet struct {
	Questions  []Question
	Seed       string
	CommitHash string
}

// Answer is one player's submitted answer for one question.
type Answer struct {
	DuelID        string
	PlayerID      string
	QuestionIndex int
	AnswerIndex   int
	AnsweredAt    time.Time
	LatencyMillis int64
}

// PlayerQuestionResult is one player's outcome for a single question.
// AnswerIndex is nil when the player never answered.
type PlayerQuestionResult struct {
	PlayerID      string `json:"player_id"`
	AnswerIndex   *int   `json:"answer_index"`
	Correct       bool   `json:"correct"`
	First         bool   `json:"first"`
	LatencyMillis int64  `json:"latency_ms"`
	Score         int    `json:"score"`
}

// QuestionResult is the immutable snapshot broadcast when a question ends.
type QuestionResult struct {
	QuestionIndex int                    `json:"question_index"`
	CorrectIndex  int                    `json:"correct_index"`
	Players       []PlayerQuestionResult `json:"players"`
}

// PlayerResult is one player's final line in a finished duel.
type PlayerResult struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Score       int    `json:"score"`
	Correct     int    `json:"correct"`
	Faster      int    `json:"faster"`
}

// DuelResult is the immutable final snapshot of a finished duel.
// WinnerID is nil on a draw.
type DuelResult struct {
	DuelID        string           `json:"duel_id"`
	Mode          DuelMode         `json:"mode"`
	Language      string           `json:"language"`
	QuestionCount int              `json:"question_count"`
	WinnerID      *string          `json:"winner_id"`
	Players       []PlayerResult   `json:"players"`
	Questions     []QuestionResult `json:"questions"`
	FinishTime    time.Time        `json:"finish_time"`
}

// RatingRecord is a player's persisted skill rating state.
type RatingRecord struct {
	UserID      string
	SR          int
	RD          int
	GamesPlayed int
}

// MatchResult is the persisted outcome row of a finished ranked duel,
// including the rating deltas applied (zero when the pair gate fired).
type MatchResult struct {
	DuelID       string
	Player1ID    string
	Player2ID    string
	WinnerID     *string
	Player1Delta int
	Player2Delta int
	Rated        bool
	CreateTime   time.Time
}
