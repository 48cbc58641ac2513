package domain

const (
	EventNameDuelFinished = "duel.finished"
	EventNameMatchCreated = "matchmaking.matched"
)

type EventDuelFinished struct {
	Result DuelResult
}

func (EventDuelFinished) Name() string { return EventNameDuelFinished }

type EventMatchCreated struct {
	Duel Duel
}

func (EventMatchCreated) Name() string { return EventNameMatchCreated }
