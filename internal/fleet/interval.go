package fleet

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var descriptorIntervals = map[string]time.Duration{
	"@hourly":   time.Hour,
	"@daily":    24 * time.Hour,
	"@midnight": 24 * time.Hour,
	"@weekly":   7 * 24 * time.Hour,
}

// ParseInterval parses an agent interval.
//
// Supported forms:
//   - Seconds: "300"
//   - Go duration: "5m", "1h30m"
//   - HH:MM: "00:05" (5 minutes), "02:30"
//   - Cron interval descriptors: "@every 5m", "@hourly", "@daily"
//
// Calendar cron expressions ("*/5 * * * *") are rejected: agents run on a
// fixed period, not on wall-clock fields.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("interval required")
	}

	var d time.Duration
	switch {
	case strings.HasPrefix(s, "@"):
		if v, ok := descriptorIntervals[strings.ToLower(s)]; ok {
			d = v
			break
		}
		sched, err := cron.ParseStandard(s)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", raw, err)
		}
		every, ok := sched.(cron.ConstantDelaySchedule)
		if !ok {
			return 0, fmt.Errorf("invalid interval %q: only fixed-period descriptors are supported", raw)
		}
		d = every.Delay
	case reHHMM.MatchString(s):
		m := reHHMM.FindStringSubmatch(s)
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", raw)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	default:
		if n, err := strconv.Atoi(s); err == nil {
			d = time.Duration(n) * time.Second
			break
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q (use seconds like '300', duration like '5m', HH:MM like '00:05' or '@every 5m')", raw)
		}
		d = v
	}

	if d < time.Second {
		return 0, fmt.Errorf("interval %q must be at least 1s", raw)
	}
	if d%time.Second != 0 {
		return 0, fmt.Errorf("interval %q must be a whole number of seconds", raw)
	}
	return d, nil
}
