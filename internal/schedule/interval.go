// Package schedule holds the pure scheduling math behind proactive
// messaging: time-of-day weighted interval selection, the unanswered-count
// probability decay gate and quiet-hours windows. Randomness is always drawn
// from a caller-supplied *rand.Rand so callers can pin seeds in tests.
package schedule

import (
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Bucket is one weighted interval range, in minutes.
type Bucket struct {
	Min    float64
	Max    float64
	Weight float64
}

// Rule binds an hour-of-day window to a set of weighted interval buckets.
// StartHour > EndHour means the window wraps past midnight.
type Rule struct {
	StartHour int
	EndHour   int
	Buckets   []Bucket
}

// ParseWeights parses an interval-weight string such as
// "20-30:0.2,30-50:0.5,50-90:0.3" (minutes:weight). Malformed parts are
// skipped; buckets with non-positive weight or an empty range are dropped.
// Returns nil when nothing usable remains, which callers treat as "fall back
// to the global min/max".
func ParseWeights(s string) []Bucket {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var buckets []Bucket
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		rangeStr, weightStr, ok := strings.Cut(part, ":")
		if !ok {
			log.Printf("[schedule] bad interval weight %q, skipping", part)
			continue
		}
		loStr, hiStr, ok := strings.Cut(rangeStr, "-")
		if !ok {
			log.Printf("[schedule] bad interval range %q, skipping", rangeStr)
			continue
		}
		lo, err1 := strconv.ParseFloat(strings.TrimSpace(loStr), 64)
		hi, err2 := strconv.ParseFloat(strings.TrimSpace(hiStr), 64)
		w, err3 := strconv.ParseFloat(strings.TrimSpace(weightStr), 64)
		if err1 != nil || err2 != nil || err3 != nil {
			log.Printf("[schedule] unparseable interval weight %q, skipping", part)
			continue
		}
		if w <= 0 || hi <= lo {
			continue
		}
		buckets = append(buckets, Bucket{Min: lo, Max: hi, Weight: w})
	}
	return buckets
}

// SelectInterval picks the wait until the next baseline proactive message.
// The first rule whose hour window contains now wins; one of its buckets is
// chosen weight-proportionally and the duration drawn uniformly inside it.
// Without a matching rule (or with no usable buckets) the duration is
// uniform in [globalMin, globalMax].
func SelectInterval(now time.Time, rules []Rule, globalMin, globalMax time.Duration, rng *rand.Rand) time.Duration {
	hour := now.Hour()

	for _, rule := range rules {
		if !HourInRange(hour, rule.StartHour, rule.EndHour) {
			continue
		}
		if d, ok := pickFromBuckets(rule.Buckets, rng); ok {
			return d
		}
		break // matched rule without usable buckets falls back to global
	}

	if globalMax < globalMin {
		globalMax = globalMin
	}
	return globalMin + time.Duration(rng.Int63n(int64(globalMax-globalMin)+1))
}

func pickFromBuckets(buckets []Bucket, rng *rand.Rand) (time.Duration, bool) {
	total := 0.0
	for _, b := range buckets {
		if b.Weight > 0 {
			total += b.Weight
		}
	}
	if total <= 0 {
		return 0, false
	}

	r := rng.Float64() * total
	acc := 0.0
	chosen := buckets[len(buckets)-1]
	for _, b := range buckets {
		if b.Weight <= 0 {
			continue
		}
		acc += b.Weight
		if r <= acc {
			chosen = b
			break
		}
	}

	minutes := chosen.Min + rng.Float64()*(chosen.Max-chosen.Min)
	return time.Duration(minutes * float64(time.Minute)), true
}

// HourInRange reports whether hour lies in [start, end), wrapping past
// midnight when start > end.
func HourInRange(hour, start, end int) bool {
	if start <= end {
		return start <= hour && hour < end
	}
	return hour >= start || hour < end
}
