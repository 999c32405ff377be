// Package scheduler polls the job table and replays due job descriptions
// through the chat orchestrator.
package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Schedule is the structured cadence persisted with a recurring job at
// creation time. The natural-language description is never re-parsed on the
// run path.
type Schedule struct {
	// IntervalSeconds repeats the job on a fixed period.
	IntervalSeconds int `json:"interval_seconds,omitempty"`
	// At repeats the job daily at a wall-clock time, "15:04".
	At string `json:"at,omitempty"`
	// WeekdaysOnly restricts an At schedule to Monday through Friday.
	WeekdaysOnly bool `json:"weekdays_only,omitempty"`
}

func (s Schedule) valid() bool {
	return s.IntervalSeconds > 0 || s.At != ""
}

// Next computes the first run instant strictly after from.
func (s Schedule) Next(from time.Time) (time.Time, error) {
	if s.IntervalSeconds > 0 {
		return from.Add(time.Duration(s.IntervalSeconds) * time.Second), nil
	}
	if s.At == "" {
		return time.Time{}, fmt.Errorf("empty schedule")
	}

	at, err := time.Parse("15:04", s.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad schedule time %q: %w", s.At, err)
	}
	next := time.Date(from.Year(), from.Month(), from.Day(), at.Hour(), at.Minute(), 0, 0, from.Location())
	for !next.After(from) || (s.WeekdaysOnly && isWeekend(next)) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

// Marshal renders the schedule for the job row.
func (s Schedule) Marshal() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// UnmarshalSchedule parses a job row's schedule column.
func UnmarshalSchedule(raw string) (Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Schedule{}, fmt.Errorf("bad schedule %q: %w", raw, err)
	}
	if !s.valid() {
		return Schedule{}, fmt.Errorf("empty schedule %q", raw)
	}
	return s, nil
}

var (
	everyUnitPattern = regexp.MustCompile(`(?i)^every\s+(?:(\d+)\s+)?(minute|minutes|min|hour|hours|hr|day|days|week|weeks)\b`)
	dailyAtPattern   = regexp.MustCompile(`(?i)^every\s+(day|weekday|morning)\s+at\s+(.+)$`)
	clockPattern     = regexp.MustCompile(`(?i)^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

// ParseCadence derives a structured schedule from a natural-language cadence
// such as "every 15 minutes", "every day at 08:00", or "every weekday at
// 9am". Descriptions it cannot parse are rejected, which callers surface at
// job creation.
func ParseCadence(description string) (Schedule, error) {
	text := strings.TrimSpace(strings.ToLower(description))

	if m := dailyAtPattern.FindStringSubmatch(text); m != nil {
		at, err := parseClock(m[2])
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{At: at, WeekdaysOnly: m[1] == "weekday"}, nil
	}

	if m := everyUnitPattern.FindStringSubmatch(text); m != nil {
		n := 1
		if m[1] != "" {
			var err error
			if n, err = strconv.Atoi(m[1]); err != nil || n < 1 {
				return Schedule{}, fmt.Errorf("bad interval count %q", m[1])
			}
		}
		var unit time.Duration
		switch {
		case strings.HasPrefix(m[2], "min"):
			unit = time.Minute
		case strings.HasPrefix(m[2], "h"):
			unit = time.Hour
		case strings.HasPrefix(m[2], "day"):
			unit = 24 * time.Hour
		case strings.HasPrefix(m[2], "week"):
			unit = 7 * 24 * time.Hour
		}
		return Schedule{IntervalSeconds: int((time.Duration(n) * unit).Seconds())}, nil
	}

	return Schedule{}, fmt.Errorf("cannot parse cadence from %q", description)
}

// parseClock accepts "8am", "8:30pm", "08:00", "17:45".
func parseClock(s string) (string, error) {
	m := clockPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", fmt.Errorf("cannot parse time of day %q", s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch strings.ToLower(m[3]) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return "", fmt.Errorf("time of day %q out of range", s)
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), nil
}
