// Package pattern holds the table of named time-of-day behavior patterns that
// drive pacing: when work may run, how fast, and how much per occurrence.
package pattern

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type DayFilter string

const (
	DaysAll     DayFilter = "all"
	DaysWeekday DayFilter = "weekday"
	DaysWeekend DayFilter = "weekend"
)

type Pattern struct {
	Name string `json:"name"`
	// Hour bounds are interpreted in UTC; callers pass UTC instants.
	HourStart int       `json:"hourStart"`
	HourEnd   int       `json:"hourEnd"`
	Days      DayFilter `json:"days"`
	Pause     bool      `json:"pause"`
	// MaxItems is the per-occurrence quota for one (day, pattern) bucket.
	// Zero means no pattern-level quota.
	MaxItems int `json:"maxItems,omitempty"`
	// Delay range in seconds; both zero means "use the configured default".
	MinDelaySeconds int `json:"minDelaySeconds,omitempty"`
	MaxDelaySeconds int `json:"maxDelaySeconds,omitempty"`
}

// Matches reports whether the pattern is active at now. Hour ranges that wrap
// past midnight (e.g. 21-8) match when hour >= start OR hour < end. The day
// filter is evaluated against now's weekday.
func (p Pattern) Matches(now time.Time) bool {
	switch p.Days {
	case DaysWeekday:
		if isWeekend(now) {
			return false
		}
	case DaysWeekend:
		if !isWeekend(now) {
			return false
		}
	}

	h := now.Hour()
	if p.HourStart <= p.HourEnd {
		return h >= p.HourStart && h < p.HourEnd
	}
	return h >= p.HourStart || h < p.HourEnd
}

func (p Pattern) HasDelayRange() bool {
	return p.MinDelaySeconds > 0 || p.MaxDelaySeconds > 0
}

func (p Pattern) MinDelay() time.Duration {
	return time.Duration(p.MinDelaySeconds) * time.Second
}

func (p Pattern) MaxDelay() time.Duration {
	return time.Duration(p.MaxDelaySeconds) * time.Second
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Table is an ordered pattern list plus a fallback. Config order is the
// tie-break: when several patterns match, the first configured one wins.
type Table struct {
	patterns []Pattern
	fallback Pattern
}

func NewTable(patterns []Pattern, fallback Pattern) (*Table, error) {
	seen := make(map[string]bool, len(patterns)+1)
	for _, p := range patterns {
		if err := validate(p, seen); err != nil {
			return nil, err
		}
	}
	if err := validate(fallback, seen); err != nil {
		return nil, err
	}
	return &Table{patterns: patterns, fallback: fallback}, nil
}

func validate(p Pattern, seen map[string]bool) error {
	if p.Name == "" {
		return fmt.Errorf("pattern table: pattern with empty name")
	}
	if seen[p.Name] {
		return fmt.Errorf("pattern table: duplicate pattern %q", p.Name)
	}
	seen[p.Name] = true
	if p.HourStart < 0 || p.HourStart > 23 || p.HourEnd < 0 || p.HourEnd > 24 {
		return fmt.Errorf("pattern table: %s: hours out of range", p.Name)
	}
	if p.MinDelaySeconds > p.MaxDelaySeconds {
		return fmt.Errorf("pattern table: %s: minDelaySeconds exceeds maxDelaySeconds", p.Name)
	}
	return nil
}

// Default returns the built-in table: working-hour sessions on weekdays with
// a lunch pause, light evening activity, and an overnight rest window.
func Default() *Table {
	t, err := NewTable([]Pattern{
		{Name: "morning_warmup", HourStart: 8, HourEnd: 10, Days: DaysWeekday, MaxItems: 15, MinDelaySeconds: 45, MaxDelaySeconds: 120},
		{Name: "morning_session", HourStart: 10, HourEnd: 12, Days: DaysWeekday, MaxItems: 30, MinDelaySeconds: 30, MaxDelaySeconds: 90},
		{Name: "lunch_break", HourStart: 12, HourEnd: 13, Days: DaysAll, Pause: true},
		{Name: "afternoon_session", HourStart: 13, HourEnd: 18, Days: DaysWeekday, MaxItems: 40, MinDelaySeconds: 30, MaxDelaySeconds: 90},
		{Name: "evening_light", HourStart: 18, HourEnd: 21, Days: DaysAll, MaxItems: 10, MinDelaySeconds: 60, MaxDelaySeconds: 180},
		{Name: "night_rest", HourStart: 21, HourEnd: 8, Days: DaysAll, Pause: true},
	}, Pattern{Name: "weekend_casual", HourStart: 0, HourEnd: 24, Days: DaysAll, MaxItems: 10, MinDelaySeconds: 90, MaxDelaySeconds: 240})
	if err != nil {
		panic(err)
	}
	return t
}

type fileTable struct {
	Patterns []Pattern `json:"patterns"`
	Fallback Pattern   `json:"fallback"`
}

// Load reads a pattern table from a JSON file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load pattern table: %w", err)
	}
	var ft fileTable
	if err := json.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("load pattern table: %w", err)
	}
	return NewTable(ft.Patterns, ft.Fallback)
}

// Current returns the active pattern at now. Pure: repeated calls with the
// same now return the same pattern.
func (t *Table) Current(now time.Time) Pattern {
	for _, p := range t.patterns {
		if p.Matches(now) {
			return p
		}
	}
	return t.fallback
}

// All returns the configured patterns followed by the fallback.
func (t *Table) All() []Pattern {
	out := make([]Pattern, 0, len(t.patterns)+1)
	out = append(out, t.patterns...)
	return append(out, t.fallback)
}

// NextActiveStart returns the start of the next hour (at or after now) whose
// active pattern is not a pause pattern. Used as the estimated resume time
// for pause windows.
func (t *Table) NextActiveStart(now time.Time) time.Time {
	probe := now.Truncate(time.Hour)
	for i := 0; i < 24*8; i++ {
		probe = probe.Add(time.Hour)
		if !t.Current(probe).Pause {
			return probe
		}
	}
	return probe
}

// NextPatternChange returns the first hour boundary after now at which the
// active pattern differs from the one active at now.
func (t *Table) NextPatternChange(now time.Time) time.Time {
	cur := t.Current(now).Name
	probe := now.Truncate(time.Hour)
	for i := 0; i < 24*8; i++ {
		probe = probe.Add(time.Hour)
		if t.Current(probe).Name != cur {
			return probe
		}
	}
	return probe
}
