package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"wikimetrics/internal/metric"
)

// Aggregation selects how a project's per-user rows are presented.
type Aggregation int

const (
	Individual Aggregation = iota
	Sum
	Average
	StandardDeviation
)

var aggregationLabels = [...]string{
	Individual:        "Individual Results",
	Sum:               "Sum",
	Average:           "Average",
	StandardDeviation: "Standard Deviation",
}

var aggregationAliases = map[string]Aggregation{
	"ind": Individual,
	"sum": Sum,
	"avg": Average,
	"std": StandardDeviation,
}

// Aggregations lists every aggregation in presentation order.
func Aggregations() []Aggregation {
	return []Aggregation{Individual, Sum, Average, StandardDeviation}
}

func (a Aggregation) Valid() bool {
	return a >= Individual && a <= StandardDeviation
}

func (a Aggregation) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Aggregation(%d)", int(a))
	}
	return aggregationLabels[a]
}

func (a Aggregation) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid aggregation %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Aggregation) UnmarshalText(text []byte) error {
	parsed, err := ParseAggregation(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAggregation accepts the labels and the short forms ind, sum, avg and std.
func ParseAggregation(s string) (Aggregation, error) {
	v := strings.TrimSpace(s)
	if a, ok := aggregationAliases[strings.ToLower(v)]; ok {
		return a, nil
	}
	for _, a := range Aggregations() {
		if strings.EqualFold(v, aggregationLabels[a]) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown aggregation %q", s)
}

// Summary collapses a project's rows into one value per column.
// Undefined is set when no user produced a value.
type Summary struct {
	Users     int        `json:"users"`
	Values    metric.Row `json:"values,omitempty"`
	Undefined bool       `json:"undefined,omitempty"`
}

type running struct {
	n    int
	sum  float64
	mean float64
	m2   float64
}

func (r *running) add(x float64) {
	r.n++
	r.sum += x
	d := x - r.mean
	r.mean += d / float64(r.n)
	r.m2 += d * (x - r.mean)
}

// summarize folds rows in ascending user order, so the result does not depend
// on the order rows were merged in. Standard deviation is the population one.
func summarize(a Aggregation, rows map[int64]metric.Row) (Summary, error) {
	ids := make([]int64, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cols := map[string]*running{}
	users := 0
	for _, id := range ids {
		row := rows[id]
		if len(row) == 0 {
			continue
		}
		users++
		for _, c := range row.Columns() {
			st, ok := cols[c]
			if !ok {
				st = &running{}
				cols[c] = st
			}
			st.add(row[c])
		}
	}
	if users == 0 {
		return Summary{Undefined: true}, nil
	}
	values := make(metric.Row, len(cols))
	for c, st := range cols {
		switch a {
		case Sum:
			values[c] = st.sum
		case Average:
			values[c] = st.mean
		case StandardDeviation:
			values[c] = math.Sqrt(st.m2 / float64(st.n))
		case Individual:
			return Summary{}, fmt.Errorf("%s is not a summary", a)
		default:
			return Summary{}, fmt.Errorf("invalid aggregation %d", int(a))
		}
	}
	return Summary{Users: users, Values: values}, nil
}
