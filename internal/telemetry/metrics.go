package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesMade = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duelo_matchmaking_matches_total",
		Help: "Matches committed by the matchmaking sweep.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duelo_matchmaking_queue_depth",
		Help: "Players currently waiting in the matchmaking queue.",
	})

	DuelsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duelo_duels_started_total",
		Help: "Duels that entered in_progress.",
	})

	DuelsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duelo_duels_finished_total",
		Help: "Duels that reached the terminal state, by outcome.",
	}, []string{"outcome"})

	AnswersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duelo_answers_submitted_total",
		Help: "Answers accepted by live duel sessions.",
	})

	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duelo_live_sessions",
		Help: "Duel sessions currently held in memory.",
	})
)
