package rating

import (
	"math"
)

// Defaults for players without a rating row yet. All get-or-create paths go
// through GetOrDefault so these literals exist in exactly one place.
const (
	DefaultSR = 1000
	DefaultRD = 350

	MinSR = 0
	MaxSR = 30000

	MinRD   = 80
	RDDecay = 10

	MinK = 16.0
	MaxK = 48.0

	// MaxDelta bounds a single match's rating movement in either direction.
	MaxDelta = 60

	marginWeight = 0.35
	speedWeight  = 0.10
)

// PlayerStats are one player's aggregates from a finished match, as consumed
// by the delta computation.
type PlayerStats struct {
	SR      int
	RD      int
	Correct int
	Faster  int
}

// Expected is the Elo expected score of a player rated mySR against oppSR.
func Expected(mySR, oppSR int) float64 {
	return 1 / (1 + math.Pow(10, float64(oppSR-mySR)/400))
}

// Actual maps correct-answer counts to a match score: win 1, loss 0, tie 0.5.
func Actual(myCorrect, oppCorrect int) float64 {
	switch {
	case myCorrect > oppCorrect:
		return 1
	case myCorrect < oppCorrect:
		return 0
	default:
		return 0.5
	}
}

// Delta computes one player's rating change for a finished match.
// The result is rounded to the nearest integer and clamped to [-MaxDelta, MaxDelta].
func Delta(me, opp PlayerStats, totalQuestions int) int {
	if totalQuestions <= 0 {
		return 0
	}

	expected := Expected(me.SR, opp.SR)
	actual := Actual(me.Correct, opp.Correct)

	// Decisive wins move ratings more than narrow ones; raw speed is a minor,
	// deliberately capped tiebreak.
	margin := 1 + marginWeight*clamp(float64(me.Correct-opp.Correct)/float64(totalQuestions), -1, 1)
	speed := 1 + speedWeight*clamp(float64(me.Faster-opp.Faster)/float64(totalQuestions), -1, 1)

	k := clamp(16+float64(me.RD)/50, MinK, MaxK)

	d := int(math.Round(k * (actual - expected) * margin * speed))
	if d > MaxDelta {
		d = MaxDelta
	}
	if d < -MaxDelta {
		d = -MaxDelta
	}

	return d
}

// ApplySR returns the post-match skill rating, clamped to the valid range.
func ApplySR(sr, delta int) int {
	nr := sr + delta
	if nr < MinSR {
		nr = MinSR
	}
	if nr > MaxSR {
		nr = MaxSR
	}
	return nr
}

// ApplyRD decays the rating deviation after a match. Confidence only grows;
// no RD increase over idle time is modeled.
func ApplyRD(rd int) int {
	nr := rd - RDDecay
	if nr < MinRD {
		nr = MinRD
	}
	return nr
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
