package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Order picks which occurrences survive the per-run cap.
type Order string

const (
	// OldestFirst fills history in order; the rest is caught up on later runs.
	OldestFirst Order = "oldest_first"
	// NewestFirst keeps the most recent occurrences and drops the older ones for good.
	NewestFirst Order = "newest_first"
)

func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case "", OldestFirst:
		return OldestFirst, nil
	case NewestFirst:
		return NewestFirst, nil
	default:
		return "", fmt.Errorf("unknown catch-up order %q (want %s or %s)", s, OldestFirst, NewestFirst)
	}
}

// Recurrence schedules a report at Anchor + k*Interval.
type Recurrence struct {
	Anchor   time.Time
	Interval time.Duration
	// MaxInstances caps occurrences materialized per run; zero defers to the global cap.
	MaxInstances int
}

// ParseRecurrence builds a Recurrence from its stored form: an RFC3339 anchor
// and a Go duration. The anchor is truncated to the second, the precision
// occurrences are stored with.
func ParseRecurrence(anchor, interval string, maxInstances int) (Recurrence, error) {
	a, err := time.Parse(time.RFC3339, strings.TrimSpace(anchor))
	if err != nil {
		return Recurrence{}, fmt.Errorf("recurrence anchor: %w", err)
	}
	a = a.Truncate(time.Second)
	d, err := time.ParseDuration(strings.TrimSpace(interval))
	if err != nil {
		return Recurrence{}, fmt.Errorf("recurrence interval: %w", err)
	}
	r := Recurrence{Anchor: a, Interval: d, MaxInstances: maxInstances}
	return r, r.Validate()
}

func (r Recurrence) Validate() error {
	if r.Anchor.IsZero() {
		return errors.New("recurrence anchor is required")
	}
	if r.Interval < time.Second {
		return fmt.Errorf("recurrence interval %s is shorter than a second", r.Interval)
	}
	if r.Interval%time.Second != 0 {
		return fmt.Errorf("recurrence interval %s is not a whole number of seconds", r.Interval)
	}
	if r.MaxInstances < 0 {
		return fmt.Errorf("recurrence max instances %d is negative", r.MaxInstances)
	}
	return nil
}

// Occurrences lists every occurrence after last and not after now. Without a
// last occurrence counting starts at the anchor itself.
func Occurrences(r Recurrence, last *time.Time, now time.Time) ([]time.Time, error) {
	occ, _, err := catchUp(r, last, now, 0, OldestFirst)
	return occ, err
}

// catchUp is Occurrences bounded by limit. It returns the surviving
// occurrences in chronological order and how many were dropped.
func catchUp(r Recurrence, last *time.Time, now time.Time, limit int, order Order) ([]time.Time, int, error) {
	if err := r.Validate(); err != nil {
		return nil, 0, err
	}
	if now.Before(r.Anchor) {
		return nil, 0, nil
	}
	first := int64(0)
	if last != nil && !last.Before(r.Anchor) {
		first = int64(last.Sub(r.Anchor)/r.Interval) + 1
	}
	end := int64(now.Sub(r.Anchor) / r.Interval)
	if end < first {
		return nil, 0, nil
	}
	count := end - first + 1
	dropped := 0
	if limit > 0 && count > int64(limit) {
		dropped = int(count - int64(limit))
		if order == NewestFirst {
			first = end - int64(limit) + 1
		} else {
			end = first + int64(limit) - 1
		}
	}
	out := make([]time.Time, 0, end-first+1)
	for k := first; k <= end; k++ {
		out = append(out, r.Anchor.Add(time.Duration(k)*r.Interval))
	}
	return out, dropped, nil
}
