package metric

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EditsID is the registry id of the edit count metric.
const EditsID = "edits"

// mediawikiTimestamp is the revision table's timestamp layout.
const mediawikiTimestamp = "20060102150405"

// DBSource resolves a project to its replica database.
type DBSource interface {
	DB(project string) (*sql.DB, error)
}

type edits struct {
	dbs        DBSource
	start, end time.Time
}

// EditsFactory builds the edit count metric: revisions by the user in [start, end).
// Both params are optional and accept RFC3339 or YYYY-MM-DD.
func EditsFactory(dbs DBSource) Factory {
	return func(params map[string]string) (Metric, error) {
		m := edits{dbs: dbs}
		var err error
		if m.start, err = parseBound(params["start"]); err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
		if m.end, err = parseBound(params["end"]); err != nil {
			return nil, fmt.Errorf("end: %w", err)
		}
		if !m.start.IsZero() && !m.end.IsZero() && !m.start.Before(m.end) {
			return nil, fmt.Errorf("start %s must be before end %s", params["start"], params["end"])
		}
		return m, nil
	}
}

func (m edits) ID() string { return EditsID }

func (m edits) Compute(ctx context.Context, project string, userID int64) (Row, error) {
	db, err := m.dbs.DB(project)
	if err != nil {
		return nil, err
	}
	clauses := []string{"rev_user = ?"}
	args := []any{userID}
	if !m.start.IsZero() {
		clauses = append(clauses, "rev_timestamp >= ?")
		args = append(args, m.start.UTC().Format(mediawikiTimestamp))
	}
	if !m.end.IsZero() {
		clauses = append(clauses, "rev_timestamp < ?")
		args = append(args, m.end.UTC().Format(mediawikiTimestamp))
	}
	var n int64
	query := `SELECT COUNT(*) FROM revision WHERE ` + strings.Join(clauses, " AND ")
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return nil, fmt.Errorf("count revisions for user %d on %s: %w", userID, project, err)
	}
	return Row{"edits": float64(n)}, nil
}

func parseBound(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}
