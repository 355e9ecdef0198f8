package schedule

import (
	"log"
	"math/rand"
	"strconv"
	"strings"
)

// DecaySpec is the resolved decay configuration for one session.
// Probabilities is indexed by 1-based unanswered attempt count. Step nil
// means no decay step is configured; an explicit 0 freezes the probability
// at the last known value forever. MaxUnanswered 0 means no hard cap.
type DecaySpec struct {
	Probabilities []float64
	Step          *float64
	MaxUnanswered int
}

// ParseProbabilities parses a "0.8,0.5,0.3" probability list, clamping each
// value to [0,1]. Unparseable entries invalidate the whole list (logged,
// returns nil) rather than silently shifting indices.
func ParseProbabilities(s string) []float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var probs []float64
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			log.Printf("[schedule] bad decay probability %q, ignoring list", part)
			return nil
		}
		probs = append(probs, clamp01(v))
	}
	return probs
}

// ResolveProbability returns the fire probability for the given 1-based
// attempt index. Resolution order, first match wins:
//
//  1. attempt inside the explicit list: use the listed value.
//  2. non-zero step configured: continue arithmetically from the list's
//     last value (1.0 with no list), clamped to [0,1].
//  3. step of exactly zero configured: freeze at the last value.
//  4. neither list nor step: hard cap, 1.0 up to MaxUnanswered then 0
//     (an entirely empty spec therefore always fires).
//  5. list exhausted with no step and no cap: 0.
func ResolveProbability(attempt int, spec DecaySpec) float64 {
	if attempt < 1 {
		return 1.0
	}

	if attempt <= len(spec.Probabilities) {
		return spec.Probabilities[attempt-1]
	}

	base := 1.0
	if n := len(spec.Probabilities); n > 0 {
		base = spec.Probabilities[n-1]
	}

	if spec.Step != nil {
		if *spec.Step != 0 {
			return clamp01(base - *spec.Step*float64(attempt-len(spec.Probabilities)))
		}
		return base
	}

	if len(spec.Probabilities) == 0 {
		if spec.MaxUnanswered > 0 && attempt > spec.MaxUnanswered {
			return 0.0
		}
		return 1.0
	}

	return 0.0
}

// ShouldFire draws a single uniform value in [0,1) and fires iff it lands
// below the resolved probability. The one random call is isolated here so
// ResolveProbability stays deterministic for tests.
func ShouldFire(attempt int, spec DecaySpec, rng *rand.Rand) bool {
	return rng.Float64() < ResolveProbability(attempt, spec)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
