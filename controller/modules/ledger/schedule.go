package ledger

import (
	"time"

	"github.com/teambition/rrule-go"
)

// ParseSchedule parses an RRULE string (e.g. "FREQ=MINUTELY;INTERVAL=5")
// anchored at now. Empty string means no schedule.
func ParseSchedule(ruleStr string) (*rrule.RRule, error) {
	if ruleStr == "" {
		return nil, nil
	}
	start := time.Now().UTC().Format("20060102T150405Z")
	return rrule.StrToRRule("DTSTART=" + start + ";" + ruleStr)
}

// runSchedule calls callback at every recurrence of rr until quit is closed
// or the rule has no further occurrences.
func runSchedule(rr *rrule.RRule, quit <-chan struct{}, callback func()) {
	for {
		next := rr.After(time.Now(), false)
		if next.IsZero() {
			return
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-t.C:
			callback()
		case <-quit:
			t.Stop()
			return
		}
	}
}
