package engine_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wikimetrics/internal/cohort"
	"wikimetrics/internal/config"
	"wikimetrics/internal/db"
	"wikimetrics/internal/domain"
	"wikimetrics/internal/engine"
	"wikimetrics/internal/executor"
	"wikimetrics/internal/metric"
	"wikimetrics/internal/migrate"
	"wikimetrics/internal/projects"
	"wikimetrics/internal/report"
	"wikimetrics/internal/repo"
	"wikimetrics/internal/results"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Tasks  *executor.Pool
}

type envOptions struct {
	stoppedTasks bool
	taskWorkers  int
}

// seedReplica creates an enwiki replica with three users and their revisions.
func seedReplica(t *testing.T, path string) {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer conn.Close()
	stmts := []string{
		`CREATE TABLE user(user_id INTEGER PRIMARY KEY, user_name TEXT NOT NULL)`,
		`CREATE TABLE revision(rev_id INTEGER PRIMARY KEY, rev_user INTEGER NOT NULL, rev_timestamp TEXT NOT NULL)`,
		`INSERT INTO user VALUES (1,'Alice'),(2,'Bob'),(3,'Carol')`,
		`INSERT INTO revision(rev_user, rev_timestamp) VALUES
			(1,'20231231120000'),
			(1,'20240101100000'),
			(1,'20240101110000'),
			(1,'20240102050000'),
			(2,'20240102060000')`,
	}
	for _, s := range stmts {
		_, err := conn.Exec(s)
		require.NoError(t, err)
	}
}

func newTestEnv(t *testing.T, opts envOptions) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	replica := filepath.Join(dir, "enwiki.db")
	seedReplica(t, replica)
	projs, err := projects.Open(map[string]string{"enwiki": replica})
	require.NoError(t, err)
	t.Cleanup(func() { projs.Close() })

	registry := metric.NewRegistry()
	registry.Register(metric.EditsID, metric.EditsFactory(projs))

	jobs := executor.NewPool(executor.Config{Name: "jobs", Workers: 2}, nil, nil)
	jobs.Start()
	t.Cleanup(jobs.Stop)
	workers := opts.taskWorkers
	if workers == 0 {
		workers = 2
	}
	tasks := executor.NewPool(executor.Config{Name: "tasks", Workers: workers}, nil, nil)
	if !opts.stoppedTasks {
		tasks.Start()
		t.Cleanup(tasks.Stop)
	}

	cfg := config.Default()
	cfg.Queue.ResultTimeout = 10 * time.Second
	eng := engine.New(engine.Options{
		DB:        conn,
		Config:    cfg,
		Projects:  projs,
		Metrics:   registry,
		Directory: cohort.SQLDirectory{DBs: projs},
		Results:   results.SQLStore{DB: conn},
		Jobs:      jobs,
		Tasks:     tasks,
	})
	return testEnv{Engine: eng, Ctx: context.Background(), Tasks: tasks}
}

func createValidatedCohort(t *testing.T, env testEnv, name string, records ...engine.RecordInput) domain.Cohort {
	t.Helper()
	c, err := env.Engine.CreateCohort(env.Ctx, engine.CohortCreateOptions{
		Name:           name,
		Owner:          "dan",
		DefaultProject: "enwiki",
		Records:        records,
		ActorID:        "dan",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := env.Engine.CohortValidation(env.Ctx, c.ID)
		return err == nil && v.ValidationStatus == domain.StatusSuccess
	}, 10*time.Second, 10*time.Millisecond)
	return c
}

func TestCohortToReportEndToEnd(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := createValidatedCohort(t, env, "editors",
		engine.RecordInput{Raw: "alice"},
		engine.RecordInput{Raw: "2"},
		engine.RecordInput{Raw: "Alice"},
		engine.RecordInput{Raw: "ghost"},
		engine.RecordInput{Raw: "Carol", Project: "frwiki"},
	)

	v, err := env.Engine.CohortValidation(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, v.TotalCount)
	assert.Equal(t, 5, v.ValidatedCount)
	assert.Equal(t, 2, v.ValidCount)
	assert.Equal(t, 2, v.InvalidCount)

	invalid, err := env.Engine.InvalidRecords(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, invalid, 2)
	assert.Equal(t, "invalid user_name / user_id: ghost", invalid[0].Reason)
	assert.Equal(t, "invalid project: frwiki", invalid[1].Reason)

	rep, err := env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{
		Owner:        "dan",
		CohortID:     c.ID,
		Metrics:      []metric.Spec{{ID: metric.EditsID}},
		Aggregations: []string{"ind", "sum", "avg"},
		ActorID:      "dan",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Individual Results", "Sum", "Average"}, rep.Aggregations)
	assert.NotEmpty(t, rep.Handle)

	done, err := env.Engine.WaitReport(env.Ctx, rep.ID, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, done.Status, done.Error)

	out, err := env.Engine.ReportResult(env.Ctx, rep.ID)
	require.NoError(t, err)
	assert.Nil(t, out.Parameters)
	rows := out.Result.Views[report.Individual]["enwiki"].Rows
	assert.Equal(t, 4.0, rows[1]["edits"])
	assert.Equal(t, 1.0, rows[2]["edits"])
	assert.Equal(t, 5.0, out.Result.Views[report.Sum]["enwiki"].Summary.Values["edits"])
	assert.Equal(t, 2.5, out.Result.Views[report.Average]["enwiki"].Summary.Values["edits"])

	listed, err := env.Engine.ListReports(env.Ctx, "dan")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, rep.ID, listed[0].ID)

	// validation is complete so nothing is resubmitted
	again, err := env.Engine.ValidateCohort(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, again.ValidationStatus)
	stored, err := env.Engine.GetCohort(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ValidationHandle, stored.ValidationHandle)
}

func TestCreateCohortRejects(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cases := map[string]engine.CohortCreateOptions{
		"no name":    {Records: []engine.RecordInput{{Raw: "alice", Project: "enwiki"}}},
		"no records": {Name: "empty"},
		"blank raw":  {Name: "blank", Records: []engine.RecordInput{{Raw: " ", Project: "enwiki"}}},
		"no project": {Name: "nowhere", Records: []engine.RecordInput{{Raw: "alice"}}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateCohort(env.Ctx, opts)
			assert.ErrorIs(t, err, engine.ErrInvalidCohort)
		})
	}

	createValidatedCohort(t, env, "taken", engine.RecordInput{Raw: "alice"})
	_, err := env.Engine.CreateCohort(env.Ctx, engine.CohortCreateOptions{Name: "taken", DefaultProject: "enwiki", Records: []engine.RecordInput{{Raw: "bob"}}})
	assert.ErrorIs(t, err, engine.ErrInvalidCohort)
}

func TestCreateReportRejects(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := createValidatedCohort(t, env, "editors", engine.RecordInput{Raw: "alice"})
	edits := []metric.Spec{{ID: metric.EditsID}}
	cases := map[string]engine.ReportCreateOptions{
		"unknown cohort":   {CohortID: 999, Metrics: edits},
		"no metrics":       {CohortID: c.ID},
		"unknown metric":   {CohortID: c.ID, Metrics: []metric.Spec{{ID: "bytes_added"}}},
		"bad params":       {CohortID: c.ID, Metrics: []metric.Spec{{ID: metric.EditsID, Params: map[string]string{"start": "yesterday"}}}},
		"duplicate metric": {CohortID: c.ID, Metrics: []metric.Spec{{ID: metric.EditsID}, {ID: metric.EditsID}}},
		"bad aggregation":  {CohortID: c.ID, Metrics: edits, Aggregations: []string{"median"}},
		"duplicate agg":    {CohortID: c.ID, Metrics: edits, Aggregations: []string{"sum", "Sum"}},
		"no recurrence":    {CohortID: c.ID, Metrics: edits, Recurrent: true},
		"bad interval": {CohortID: c.ID, Metrics: edits, Recurrent: true,
			Recurrence: &domain.Recurrence{Anchor: "2024-01-01T00:00:00Z", Interval: "daily"}},
		"one-off recurrence": {CohortID: c.ID, Metrics: edits,
			Recurrence: &domain.Recurrence{Anchor: "2024-01-01T00:00:00Z", Interval: "24h"}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateReport(env.Ctx, opts)
			assert.ErrorIs(t, err, engine.ErrInvalidReport)
		})
	}
}

func TestCreateReportNeedsValidatedCohort(t *testing.T) {
	env := newTestEnv(t, envOptions{stoppedTasks: true})
	c, err := env.Engine.CreateCohort(env.Ctx, engine.CohortCreateOptions{
		Name:           "queued",
		DefaultProject: "enwiki",
		Records:        []engine.RecordInput{{Raw: "alice"}},
	})
	require.ErrorIs(t, err, executor.ErrStopped)

	v, err := env.Engine.CohortValidation(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, v.ValidationStatus)

	_, err = env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{CohortID: c.ID, Metrics: []metric.Spec{{ID: metric.EditsID}}})
	assert.ErrorIs(t, err, engine.ErrCohortNotValidated)

	// a later pass picks the pending records up
	env.Tasks.Start()
	t.Cleanup(env.Tasks.Stop)
	_, err = env.Engine.ValidateCohort(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := env.Engine.CohortValidation(env.Ctx, c.ID)
		return err == nil && v.ValidCount == 1 && v.ValidationStatus == domain.StatusSuccess
	}, 10*time.Second, 10*time.Millisecond)
}

func TestRecurringRunsUseOccurrenceWindow(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := createValidatedCohort(t, env, "editors", engine.RecordInput{Raw: "Alice"})
	tpl, err := env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{
		Name:      "daily edits",
		Owner:     "dan",
		CohortID:  c.ID,
		Metrics:   []metric.Spec{{ID: metric.EditsID}},
		Recurrent: true,
		Recurrence: &domain.Recurrence{
			Anchor:   "2024-01-01T00:00:00Z",
			Interval: "24h",
		},
	})
	require.NoError(t, err)
	assert.Empty(t, tpl.Handle)
	assert.Equal(t, domain.StatusPending, tpl.Status)

	env.Engine.Scheduler.Now = func() time.Time { return time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC) }
	sum, err := env.Engine.RunRecurring(env.Ctx, &tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Materialized)
	assert.Equal(t, 3, sum.Submitted)

	runs, err := env.Engine.ScheduledRuns(env.Ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	want := map[string]float64{
		"2024-01-01T00:00:00Z": 1,
		"2024-01-02T00:00:00Z": 2,
		"2024-01-03T00:00:00Z": 1,
	}
	for _, run := range runs {
		done, err := env.Engine.WaitReport(env.Ctx, run.RunReportID, 10*time.Second)
		require.NoError(t, err)
		require.Equal(t, domain.StatusSuccess, done.Status, done.Error)
		require.NotNil(t, done.ParentID)
		assert.Equal(t, tpl.ID, *done.ParentID)

		out, err := env.Engine.ReportResult(env.Ctx, run.RunReportID)
		require.NoError(t, err)
		assert.Equal(t, run.ScheduledFor, out.Parameters["end"])
		assert.Equal(t, want[run.ScheduledFor], out.Result.Views[report.Individual]["enwiki"].Rows[1]["edits"], run.ScheduledFor)
	}

	sum, err = env.Engine.RunRecurring(env.Ctx, &tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Materialized)
}

func TestCancelQueuedReport(t *testing.T) {
	env := newTestEnv(t, envOptions{taskWorkers: 1})
	c := createValidatedCohort(t, env, "editors", engine.RecordInput{Raw: "Alice"})

	release := make(chan struct{})
	defer close(release)
	_, err := env.Tasks.Submit(env.Ctx, executor.Func("blocker", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}))
	require.NoError(t, err)

	rep, err := env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{CohortID: c.ID, Metrics: []metric.Spec{{ID: metric.EditsID}}})
	require.NoError(t, err)

	out, err := env.Engine.CancelReport(env.Ctx, rep.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Jobs)
	assert.Equal(t, domain.StatusFailure, out.Report.Status)

	_, err = env.Engine.ReportResult(env.Ctx, rep.ID)
	assert.ErrorIs(t, err, engine.ErrResultNotReady)
}

func TestDeleteCohort(t *testing.T) {
	env := newTestEnv(t, envOptions{taskWorkers: 1})
	release := make(chan struct{})
	_, err := env.Tasks.Submit(env.Ctx, executor.Func("blocker", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}))
	require.NoError(t, err)

	c, err := env.Engine.CreateCohort(env.Ctx, engine.CohortCreateOptions{
		Name:           "doomed",
		DefaultProject: "enwiki",
		Records:        []engine.RecordInput{{Raw: "alice"}},
		ActorID:        "dan",
	})
	require.NoError(t, err)
	// validation is still queued behind the blocker
	require.ErrorIs(t, env.Engine.DeleteCohort(env.Ctx, c.ID, "dan"), engine.ErrCohortInUse)

	close(release)
	require.Eventually(t, func() bool {
		v, err := env.Engine.CohortValidation(env.Ctx, c.ID)
		return err == nil && v.ValidationStatus == domain.StatusSuccess
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, env.Engine.DeleteCohort(env.Ctx, c.ID, "dan"))
	_, err = env.Engine.GetCohort(env.Ctx, c.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.ErrorIs(t, env.Engine.DeleteCohort(env.Ctx, c.ID, "dan"), repo.ErrNotFound)

	// the name is free again
	ok, err := env.Engine.CohortNameAvailable(env.Ctx, "doomed")
	require.NoError(t, err)
	assert.True(t, ok)

	used := createValidatedCohort(t, env, "used", engine.RecordInput{Raw: "Alice"})
	_, err = env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{CohortID: used.ID, Metrics: []metric.Spec{{ID: metric.EditsID}}})
	require.NoError(t, err)
	require.ErrorIs(t, env.Engine.DeleteCohort(env.Ctx, used.ID, "dan"), engine.ErrCohortInUse)
}

func TestCohortLookupsAndChecks(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	good := createValidatedCohort(t, env, "berlin-bees", engine.RecordInput{Raw: "Alice"})
	empty := createValidatedCohort(t, env, "ghosts", engine.RecordInput{Raw: "ghost"})

	byName, err := env.Engine.LookupCohort(env.Ctx, "berlin-bees")
	require.NoError(t, err)
	assert.Equal(t, good.ID, byName.ID)
	byID, err := env.Engine.LookupCohort(env.Ctx, strconv.FormatInt(empty.ID, 10))
	require.NoError(t, err)
	assert.Equal(t, "ghosts", byID.Name)
	_, err = env.Engine.LookupCohort(env.Ctx, "nobody")
	require.ErrorIs(t, err, repo.ErrNotFound)

	usable, err := env.Engine.ListCohorts(env.Ctx, "dan", false)
	require.NoError(t, err)
	require.Len(t, usable, 1)
	assert.Equal(t, good.ID, usable[0].ID)
	all, err := env.Engine.ListCohorts(env.Ctx, "dan", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	for name, want := range map[string]bool{"berlin-bees": false, " ghosts ": false, "fresh": true, "": false} {
		ok, err := env.Engine.CohortNameAvailable(env.Ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, ok, "name %q", name)
	}
	assert.True(t, env.Engine.ProjectAllowed("enwiki"))
	assert.False(t, env.Engine.ProjectAllowed("xxwiki"))
	assert.False(t, env.Engine.ProjectAllowed(""))
}

func TestParseRecords(t *testing.T) {
	in := "user_name,project\nAlice, enwiki\n\n42\n\"Bob, Jr\",dewiki\n"
	recs, err := engine.ParseRecords(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []engine.RecordInput{
		{Raw: "Alice", Project: "enwiki"},
		{Raw: "42"},
		{Raw: "Bob, Jr", Project: "dewiki"},
	}, recs)

	_, err = engine.ParseRecords(strings.NewReader("a,b,c\n"))
	assert.ErrorIs(t, err, engine.ErrInvalidCohort)
}
