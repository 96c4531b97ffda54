package report

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"wikimetrics/internal/metric"
)

// WriteCSV renders res with one row per user for Individual followed by one
// row per requested summary, per project. Columns are the union of every
// column present in the result.
func WriteCSV(w io.Writer, res *Result) error {
	cols := columns(res)
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"project", "user_id"}, cols...)); err != nil {
		return err
	}
	for _, p := range resultProjects(res) {
		if view, ok := res.Views[Individual][p]; ok {
			ids := make([]int64, 0, len(view.Rows))
			for id := range view.Rows {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for _, id := range ids {
				if err := cw.Write(record(p, strconv.FormatInt(id, 10), view.Rows[id], cols)); err != nil {
					return err
				}
			}
		}
		for _, a := range res.Aggregations {
			if a == Individual {
				continue
			}
			view, ok := res.Views[a][p]
			if !ok || view.Summary == nil {
				continue
			}
			if err := cw.Write(record(p, a.String(), view.Summary.Values, cols)); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func record(project, label string, row metric.Row, cols []string) []string {
	out := make([]string, 0, len(cols)+2)
	out = append(out, project, label)
	for _, c := range cols {
		v, ok := row[c]
		if !ok {
			out = append(out, "")
			continue
		}
		out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
	}
	return out
}

func columns(res *Result) []string {
	set := map[string]struct{}{}
	for _, byProject := range res.Views {
		for _, view := range byProject {
			for _, row := range view.Rows {
				for c := range row {
					set[c] = struct{}{}
				}
			}
			if view.Summary != nil {
				for c := range view.Summary.Values {
					set[c] = struct{}{}
				}
			}
		}
	}
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func resultProjects(res *Result) []string {
	set := map[string]struct{}{}
	for _, byProject := range res.Views {
		for p := range byProject {
			set[p] = struct{}{}
		}
	}
	projects := make([]string, 0, len(set))
	for p := range set {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	return projects
}
