package channel

import (
	"log"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stellarlinkco/nudge/internal/config"
)

// defaultSplitRegex breaks text at sentence-ending punctuation and
// newlines, keeping the punctuation with its sentence.
const defaultSplitRegex = `.*?[。？！?!~…\n]+|.+`

const (
	defaultSegmentMinSeconds = 1.5
	defaultSegmentMaxSeconds = 3.5
)

// SplitText breaks a reply into segments for human-paced delivery. Text
// over the configured threshold is left whole, as are replies when
// segmentation is disabled. A broken custom regex degrades to no split.
func SplitText(cfg config.SegmentationConfig, text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !cfg.Enabled {
		return []string{text}
	}
	if cfg.Threshold > 0 && utf8.RuneCountInString(text) > cfg.Threshold {
		return []string{text}
	}

	var parts []string
	if cfg.SplitMode == "words" && len(cfg.SplitWords) > 0 {
		parts = splitOnWords(text, cfg.SplitWords)
	} else {
		expr := cfg.Regex
		if expr == "" {
			expr = defaultSplitRegex
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			log.Printf("[channel] bad segment regex %q, sending unsplit: %v", expr, err)
			return []string{text}
		}
		parts = re.FindAllString(text, -1)
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

func splitOnWords(text string, words []string) []string {
	parts := []string{text}
	for _, w := range words {
		if w == "" {
			continue
		}
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, w)...)
		}
		parts = next
	}
	return parts
}

// SegmentInterval computes the pause before sending a segment. The log
// method scales with segment length, imitating typing time; the default
// draws uniformly from the configured seconds range.
func SegmentInterval(cfg config.SegmentationConfig, segment string, rng *rand.Rand) time.Duration {
	if cfg.IntervalMethod == "log" {
		base := cfg.LogBase
		if base <= 1 {
			base = 1.8
		}
		seconds := math.Log(float64(utf8.RuneCountInString(segment))+1) / math.Log(base)
		if seconds < 0.5 {
			seconds = 0.5
		}
		return time.Duration(seconds * float64(time.Second))
	}

	lo, hi := parseIntervalRange(cfg.Interval)
	return time.Duration((lo + rng.Float64()*(hi-lo)) * float64(time.Second))
}

// parseIntervalRange parses "1.5,3.5" into a seconds range, falling back
// to the defaults on anything unusable.
func parseIntervalRange(s string) (float64, float64) {
	lo, hi := defaultSegmentMinSeconds, defaultSegmentMaxSeconds
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return lo, hi
	}
	pLo, err1 := strconv.ParseFloat(strings.TrimSpace(a), 64)
	pHi, err2 := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err1 != nil || err2 != nil || pLo < 0 || pHi < pLo {
		return lo, hi
	}
	return pLo, pHi
}
