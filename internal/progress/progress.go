// Package progress turns unstructured, vendor-specific download output into
// a structured, UI-stable progress shape. Classification is an ordered list
// of rules; each rule is independently testable and first match wins.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// Statuses a download progress update can carry.
const (
	StatusPreparing   = "preparing"
	StatusDownloading = "downloading"
	StatusVerifying   = "verifying"
	StatusCompleted   = "completed"
	StatusError       = "error"
)

// Update is one structured progress record. Percentage is nil when no
// percentage (real or synthetic) applies to the update.
type Update struct {
	Status     string
	Message    string
	Percentage *float64
	Speed      string
	Size       string
	Synthetic  bool
}

// Percentage extraction rules, tried in order; first match wins.
var pctRules = []struct {
	name string
	re   *regexp.Regexp
	eval func(m []string) (float64, bool)
}{
	{
		name: "percent token",
		re:   regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`),
		eval: func(m []string) (float64, bool) {
			v, err := strconv.ParseFloat(m[1], 64)
			return v, err == nil
		},
	},
	{
		name: "percent phrase",
		re:   regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s+percent\b`),
		eval: func(m []string) (float64, bool) {
			v, err := strconv.ParseFloat(m[1], 64)
			return v, err == nil
		},
	},
	{
		name: "fraction",
		re:   regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)\s*(?:[KMGT]i?B\b)?`),
		eval: func(m []string) (float64, bool) {
			num, err1 := strconv.ParseFloat(m[1], 64)
			den, err2 := strconv.ParseFloat(m[2], 64)
			if err1 != nil || err2 != nil || den <= 0 || num > den {
				return 0, false
			}
			return num / den * 100, true
		},
	},
}

// speedRe matches "<number><unit>/s"; bpsRe matches "<number> <unit>bps".
var (
	speedRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*((?:[KMGT]i?)?B)/s`)
	bpsRe   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*([kmgt]?)bps`)
)

// sizeRe matches "<number><byte unit>", optionally capturing a trailing
// "/s" so speed tokens can be excluded from size extraction (Go regexps
// have no lookahead).
var sizeRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*((?:[KMGT]i?)?B)\b(/s)?`)

// Status keyword rules, in precedence order.
var statusRules = []struct {
	keyword string
	status  string
}{
	{"manifest", StatusPreparing},
	{"downloading", StatusDownloading},
	{"pulling", StatusDownloading},
	{"verify", StatusVerifying},
	{"success", StatusCompleted},
	{"complete", StatusCompleted},
	{"error", StatusError},
	{"failed", StatusError},
}

// extractPercentage runs the percentage rules in order over line.
func extractPercentage(line string) (float64, bool) {
	for _, r := range pctRules {
		m := r.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if v, ok := r.eval(m); ok {
			return v, true
		}
	}
	return 0, false
}

// extractSpeed returns the first transfer speed token in line, or "".
func extractSpeed(line string) string {
	if m := speedRe.FindStringSubmatch(line); m != nil {
		return m[1] + " " + m[2] + "/s"
	}
	if m := bpsRe.FindStringSubmatch(line); m != nil {
		return m[1] + " " + strings.ToUpper(m[2]) + "bps"
	}
	return ""
}

// extractSize returns the first byte-size token in line that is not part
// of a speed token (anything immediately followed by "/s" is a speed, not
// a size).
func extractSize(line string) string {
	for _, m := range sizeRe.FindAllStringSubmatch(line, -1) {
		if m[3] != "" {
			continue // speed, skip
		}
		return m[1] + " " + m[2]
	}
	return ""
}

// classifyStatus maps line to a status by keyword precedence. Lines that
// match no keyword are not an error: they pass through as a generic
// downloading message, never dropped.
func classifyStatus(line string) string {
	lower := strings.ToLower(line)
	for _, r := range statusRules {
		if strings.Contains(lower, r.keyword) {
			return r.status
		}
	}
	return StatusDownloading
}

// Synthetic fallback tuning. The generated percentage is capped below the
// ceiling so it can never claim false completion.
const (
	syntheticStep    = 3.0
	syntheticCeiling = 85.0
	preparingPct     = 5.0
)

// Tracker normalizes the raw output of one download operation. It is an
// explicit two-state machine: in the no-signal-yet state the synthetic
// fallback generator is armed; observing any real percentage or a
// non-downloading status moves it permanently to real-signal-observed,
// disarming the fallback. Reported percentages never decrease: a lower
// parsed value is clamped to the running maximum.
type Tracker struct {
	realSeen bool
	maxPct   float64
	synPct   float64
}

// NewTracker creates a Tracker in the no-signal-yet state.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RealSignal reports whether real progress signal has been observed.
func (t *Tracker) RealSignal() bool {
	return t.realSeen
}

// Line classifies one raw output line. Blank lines return ok=false.
func (t *Tracker) Line(raw string) (Update, bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return Update{}, false
	}

	u := Update{
		Status:  classifyStatus(line),
		Message: line,
		Speed:   extractSpeed(line),
		Size:    extractSize(line),
	}

	pct, hasPct := extractPercentage(line)
	if hasPct || u.Status != StatusDownloading {
		t.realSeen = true
	}

	switch {
	case u.Status == StatusCompleted:
		// A completed line forces 100 regardless of what was parsed,
		// including completed-but-zero-percent output.
		pct, hasPct = 100, true
	case !hasPct && u.Status == StatusPreparing:
		pct, hasPct = preparingPct, true
	}

	if hasPct {
		if pct < t.maxPct {
			pct = t.maxPct
		}
		t.maxPct = pct
		u.Percentage = &pct
	}

	return u, true
}

// Synthetic emits one fabricated downloading update to keep the UI moving
// when the tool gives no parseable signal. It returns ok=false once real
// signal has been observed; the caller must stop its fallback timer at
// that point (and on any terminal state).
func (t *Tracker) Synthetic() (Update, bool) {
	if t.realSeen {
		return Update{}, false
	}
	if t.synPct+syntheticStep < syntheticCeiling {
		t.synPct += syntheticStep
	}
	if t.synPct > t.maxPct {
		t.maxPct = t.synPct
	}
	pct := t.maxPct
	return Update{
		Status:     StatusDownloading,
		Message:    "downloading...",
		Percentage: &pct,
		Synthetic:  true,
	}, true
}
