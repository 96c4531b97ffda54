package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wikimetrics/internal/cohort"
	"wikimetrics/internal/config"
	"wikimetrics/internal/db"
	"wikimetrics/internal/domain"
	"wikimetrics/internal/engine"
	"wikimetrics/internal/executor"
	"wikimetrics/internal/metric"
	"wikimetrics/internal/migrate"
	"wikimetrics/internal/projects"
	"wikimetrics/internal/results"
	"wikimetrics/internal/telemetry"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func seedReplica(t *testing.T, path string) {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open replica: %v", err)
	}
	defer conn.Close()
	for _, stmt := range []string{
		`CREATE TABLE user(user_id INTEGER PRIMARY KEY, user_name TEXT NOT NULL)`,
		`CREATE TABLE revision(rev_id INTEGER PRIMARY KEY, rev_user INTEGER NOT NULL, rev_timestamp TEXT NOT NULL)`,
		`INSERT INTO user VALUES (1,'Alice'),(2,'Bob')`,
		`INSERT INTO revision(rev_user, rev_timestamp) VALUES
			(1,'20240101100000'),(1,'20240101110000'),(1,'20240102050000'),(2,'20240102060000')`,
	} {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("seed replica: %v", err)
		}
	}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	replica := filepath.Join(workspace, "enwiki.db")
	seedReplica(t, replica)
	projs, err := projects.Open(map[string]string{"enwiki": replica})
	if err != nil {
		t.Fatalf("open projects: %v", err)
	}
	registry := metric.NewRegistry()
	registry.Register(metric.EditsID, metric.EditsFactory(projs))
	metrics := telemetry.New()
	jobs := executor.NewPool(executor.Config{Name: "jobs", Workers: 2}, nil, metrics)
	tasks := executor.NewPool(executor.Config{Name: "tasks", Workers: 2}, nil, metrics)
	jobs.Start()
	tasks.Start()

	cfg := config.Default()
	cfg.Queue.ResultTimeout = 10 * time.Second
	e := engine.New(engine.Options{
		DB:        conn,
		Config:    cfg,
		Projects:  projs,
		Metrics:   registry,
		Directory: cohort.SQLDirectory{DBs: projs},
		Results:   results.SQLStore{DB: conn},
		Jobs:      jobs,
		Tasks:     tasks,
		Telemetry: metrics,
	})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Metrics: metrics.Handler()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			tasks.Stop()
			jobs.Stop()
			projs.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	decode(t, data, &env)
	return env.Error.Code
}

var dan = map[string]string{"X-Actor-Id": "dan"}

func createValidatedCohort(t *testing.T, srv *testServer, body map[string]any) CohortResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cohorts", body, dan)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create cohort status %d: %s", res.StatusCode, string(data))
	}
	var created CohortResponse
	decode(t, data, &created)
	deadline := time.Now().Add(10 * time.Second)
	for {
		res, data = doJSON(t, srv.Client(), http.MethodGet, fmt.Sprintf("%s/v0/cohorts/%d/validation", srv.URL, created.ID), nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("validation status %d: %s", res.StatusCode, string(data))
		}
		var v domain.CohortValidation
		decode(t, data, &v)
		if v.ValidationStatus == domain.StatusSuccess {
			created.Validation = v
			return created
		}
		if time.Now().After(deadline) {
			t.Fatalf("cohort %d still %s", created.ID, v.ValidationStatus)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var health HealthResponse
	decode(t, data, &health)
	if health.Status != "ok" || len(health.Projects) != 1 || health.Projects[0] != "enwiki" {
		t.Fatalf("unexpected health %+v", health)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "/v0/reports/{id}/result.csv") {
		t.Fatalf("openapi is missing the csv route")
	}
	if !strings.Contains(string(data), `"default"`) {
		t.Fatalf("openapi is missing default error responses")
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs status %d", res.StatusCode)
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const clients = 8
	bodies := make(chan string, clients)
	errs := make(chan error, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs <- err
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err != nil {
				errs <- err
				return
			}
			if res.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("status %d", res.StatusCode)
				return
			}
			bodies <- string(data)
		}()
	}
	wg.Wait()
	close(errs)
	close(bodies)
	for err := range errs {
		t.Fatalf("openapi request: %v", err)
	}
	var first string
	for b := range bodies {
		if first == "" {
			first = b
			continue
		}
		if b != first {
			t.Fatalf("openapi documents differ between requests")
		}
	}
	if !strings.Contains(first, `"default"`) {
		t.Fatalf("openapi is missing default error responses")
	}
}

func TestCohortChecksAndDeleteOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	checks := []struct {
		path string
		want string
	}{
		{"/v0/cohorts/validate/name?name=crew", "true"},
		{"/v0/cohorts/validate/project?project=enwiki", "true"},
		{"/v0/cohorts/validate/project?project=xxwiki", "false"},
	}
	for _, c := range checks {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+c.path, nil, nil)
		if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != c.want {
			t.Fatalf("%s: status %d body %s, want %s", c.path, res.StatusCode, string(data), c.want)
		}
	}

	crew := createValidatedCohort(t, srv, map[string]any{"name": "crew", "default_project": "enwiki", "csv": "Alice\n"})
	ghosts := createValidatedCohort(t, srv, map[string]any{"name": "ghosts", "default_project": "enwiki", "csv": "ghost\n"})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cohorts/validate/name?name=crew", nil, nil)
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "false" {
		t.Fatalf("taken name: status %d body %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cohorts/crew", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get by name status %d: %s", res.StatusCode, string(data))
	}
	var byName CohortResponse
	decode(t, data, &byName)
	if byName.ID != crew.ID {
		t.Fatalf("get by name returned cohort %d, want %d", byName.ID, crew.ID)
	}

	for query, want := range map[string]int{"": 1, "?include_invalid=true": 2} {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cohorts"+query, nil, dan)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list cohorts%s status %d: %s", query, res.StatusCode, string(data))
		}
		var list listResponse[domain.Cohort]
		decode(t, data, &list)
		if len(list.Items) != want {
			t.Fatalf("list cohorts%s: got %d, want %d", query, len(list.Items), want)
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"cohort_id": crew.ID,
		"metrics":   []map[string]any{{"id": "edits"}},
	}, dan)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create report status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v0/cohorts/%d", srv.URL, crew.ID), nil, dan)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "cohort_in_use" {
		t.Fatalf("delete used cohort: status %d body %s", res.StatusCode, string(data))
	}

	ghostsURL := fmt.Sprintf("%s/v0/cohorts/%d", srv.URL, ghosts.ID)
	res, data = doJSON(t, client, http.MethodDelete, ghostsURL, nil, dan)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, ghostsURL, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted cohort status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodDelete, ghostsURL, nil, dan)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("second delete: status %d body %s", res.StatusCode, string(data))
	}
}

func TestCohortToReportOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	c := createValidatedCohort(t, srv, map[string]any{
		"name":            "editors",
		"default_project": "enwiki",
		"csv":             "username,project\nAlice\n2,enwiki\nghost\n",
	})
	if c.Owner != "dan" {
		t.Fatalf("owner = %q, want dan", c.Owner)
	}
	if c.Validation.ValidCount != 2 || c.Validation.InvalidCount != 1 {
		t.Fatalf("unexpected validation %+v", c.Validation)
	}

	res, data := doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/cohorts/%d/invalid", srv.URL, c.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("invalid status %d: %s", res.StatusCode, string(data))
	}
	var invalid listResponse[domain.ValidationRecord]
	decode(t, data, &invalid)
	if len(invalid.Items) != 1 || invalid.Items[0].RawID != "ghost" {
		t.Fatalf("unexpected invalid records %+v", invalid.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cohorts", nil, dan)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list cohorts status %d: %s", res.StatusCode, string(data))
	}
	var cohorts listResponse[domain.Cohort]
	decode(t, data, &cohorts)
	if len(cohorts.Items) != 1 {
		t.Fatalf("expected 1 cohort, got %d", len(cohorts.Items))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"cohort_id":    c.ID,
		"metrics":      []map[string]any{{"id": "edits"}},
		"aggregations": []string{"ind", "sum"},
	}, dan)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create report status %d: %s", res.StatusCode, string(data))
	}
	var rep domain.Report
	decode(t, data, &rep)
	if rep.Name != "editors report" {
		t.Fatalf("name = %q", rep.Name)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/reports/%d/status?wait=10", srv.URL, rep.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	decode(t, data, &rep)
	if rep.Status != domain.StatusSuccess {
		t.Fatalf("report status %s: %s", rep.Status, rep.Error)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/reports/%d/result.json", srv.URL, rep.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("result status %d: %s", res.StatusCode, string(data))
	}
	var result engine.ReportResult
	decode(t, data, &result)
	if result.Result == nil {
		t.Fatalf("missing result")
	}
	if cov := result.Result.Coverage["enwiki"]; cov.Users != 2 || cov.Succeeded != 2 {
		t.Fatalf("unexpected coverage %+v", cov)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/reports/%d/result.csv", srv.URL, rep.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("csv status %d: %s", res.StatusCode, string(data))
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type %q", ct)
	}
	want := "project,user_id,edits\nenwiki,1,3\nenwiki,2,1\nenwiki,Sum,4\n"
	if string(data) != want {
		t.Fatalf("csv = %q, want %q", string(data), want)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=report&limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events paginatedEvents
	decode(t, data, &events)
	if len(events.Items) != 1 || events.NextCursor == "" {
		t.Fatalf("expected one event and a cursor, got %+v", events)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "wikimetrics_") {
		t.Fatalf("metrics output has no wikimetrics series")
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/reports/999", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing report: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cohorts", map[string]any{"name": "empty"}, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("empty cohort: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{"cohort_id": 1}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("report without metrics: %d %s", res.StatusCode, string(data))
	}

	c := createValidatedCohort(t, srv, map[string]any{
		"name":    "pair",
		"records": []map[string]any{{"raw_id": "Alice", "project": "enwiki"}},
	})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"cohort_id": c.ID,
		"metrics":   []map[string]any{{"id": "pages_created"}},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown metric: %d %s", res.StatusCode, string(data))
	}
}

func TestRecurrentReportOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	c := createValidatedCohort(t, srv, map[string]any{
		"name":    "weekly",
		"records": []map[string]any{{"raw_id": "Alice", "project": "enwiki"}},
	})
	anchor := time.Now().UTC().Add(-36 * time.Hour).Truncate(time.Second)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"cohort_id": c.ID,
		"metrics":   []map[string]any{{"id": "edits"}},
		"recurrent": true,
		"recurrence": map[string]any{
			"anchor":   anchor.Format(time.RFC3339),
			"interval": "24h",
		},
	}, dan)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create recurrent status %d: %s", res.StatusCode, string(data))
	}
	var tpl domain.Report
	decode(t, data, &tpl)
	if tpl.Status != domain.StatusPending || tpl.Handle != "" {
		t.Fatalf("template should not be submitted: %+v", tpl)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reports/"+fmt.Sprint(tpl.ID)+"/cancel", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("cancel template: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduler/run", map[string]any{"report_id": tpl.ID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scheduler run status %d: %s", res.StatusCode, string(data))
	}
	var first struct {
		Materialized int     `json:"materialized"`
		RunReportIDs []int64 `json:"run_report_ids"`
	}
	decode(t, data, &first)
	if first.Materialized != 2 || len(first.RunReportIDs) != 2 {
		t.Fatalf("expected 2 occurrences, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduler/run", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second pass status %d: %s", res.StatusCode, string(data))
	}
	var second struct {
		Materialized int `json:"materialized"`
	}
	decode(t, data, &second)
	if second.Materialized != 0 {
		t.Fatalf("second pass materialized %d", second.Materialized)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/reports/%d/runs", srv.URL, tpl.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("runs status %d: %s", res.StatusCode, string(data))
	}
	var runs listResponse[domain.ScheduledRun]
	decode(t, data, &runs)
	if len(runs.Items) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs.Items))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduler/run", map[string]any{"report_id": 999}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown template: %d %s", res.StatusCode, string(data))
	}
}
