// Package results stores finished job and report outputs under a stable key,
// so they can be found again after the executor handle is gone.
//
// Every key is written at most once.
package results

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrExists = errors.New("result already stored")
	ErrAbsent = errors.New("result not found")
)

const (
	reportMetric  = "report"
	reportProject = "*"
)

// Key identifies one result: metric_id|project|report.
type Key struct {
	Metric  string
	Project string
	Report  int64
}

func (k Key) String() string {
	return k.Metric + "|" + k.Project + "|" + strconv.FormatInt(k.Report, 10)
}

// ReportKey is the key of a report's aggregate result.
func ReportKey(reportID int64) Key {
	return Key{Metric: reportMetric, Project: reportProject, Report: reportID}
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("malformed result key %q", s)
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed result key %q: %w", s, err)
	}
	return Key{Metric: parts[0], Project: parts[1], Report: id}, nil
}

// Store is write-once durable storage. Values are JSON encoded.
type Store interface {
	// Put stores value under key, or returns ErrExists if key was already written.
	Put(ctx context.Context, key Key, value any) error
	// Get decodes the value stored under key into out, or returns ErrAbsent.
	Get(ctx context.Context, key Key, out any) error
}
