package cohort

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"wikimetrics/internal/executor"
	"wikimetrics/internal/telemetry"
)

type projects map[string]bool

func (p projects) Known(name string) bool { return p[name] }

type replicas map[string]*sql.DB

func (r replicas) DB(project string) (*sql.DB, error) {
	db, ok := r[project]
	if !ok {
		return nil, errors.New("unknown project")
	}
	return db, nil
}

func enwiki(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "enwiki.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE user(user_id INTEGER PRIMARY KEY, user_name TEXT NOT NULL UNIQUE)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO user(user_id, user_name) VALUES (1,'Dan'),(2,'Evan Rosen'),(3,'12345'),(42,'Answer')`)
	require.NoError(t, err)
	return db
}

func validator(t *testing.T, m *telemetry.Metrics) *Validator {
	dir := SQLDirectory{DBs: replicas{"enwiki": enwiki(t)}}
	return NewValidator(dir, projects{"enwiki": true}, nil, m)
}

func TestClassifyResolvesAndCanonicalizes(t *testing.T) {
	m := telemetry.New()
	v := validator(t, m)
	res, err := v.Validate(context.Background(), []Record{
		{ID: 1, Raw: "dan", Project: "enwiki"},
		{ID: 2, Raw: "nonexistent_user_xyz", Project: "enwiki"},
	})
	require.NoError(t, err)
	require.Len(t, res.Valid, 1)
	assert.Equal(t, User{ID: 1, Name: "Dan"}, res.Valid[0].User)
	require.Len(t, res.Invalid, 1)
	assert.Equal(t, "invalid user_name / user_id: nonexistent_user_xyz", res.Invalid[0].Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsValidated.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsValidated.WithLabelValues("invalid")))
}

func TestClassifyFallsBackToID(t *testing.T) {
	v := validator(t, nil)
	ctx := context.Background()

	out, err := v.Classify(ctx, Record{Raw: "42", Project: "enwiki"})
	require.NoError(t, err)
	assert.True(t, out.Valid)
	assert.Equal(t, User{ID: 42, Name: "Answer"}, out.User)

	// a numeric username wins over the id lookup
	out, err = v.Classify(ctx, Record{Raw: "12345", Project: "enwiki"})
	require.NoError(t, err)
	assert.Equal(t, User{ID: 3, Name: "12345"}, out.User)

	out, err = v.Classify(ctx, Record{Raw: "evan_rosen", Project: "enwiki"})
	require.NoError(t, err)
	assert.Equal(t, User{ID: 2, Name: "Evan Rosen"}, out.User)

	out, err = v.Classify(ctx, Record{Raw: "999", Project: "enwiki"})
	require.NoError(t, err)
	assert.False(t, out.Valid)
	assert.Equal(t, "invalid user_name / user_id: 999", out.Reason)

	out, err = v.Classify(ctx, Record{Raw: "dan", Project: "xxwiki"})
	require.NoError(t, err)
	assert.False(t, out.Valid)
	assert.Equal(t, "invalid project: xxwiki", out.Reason)
}

func TestValidateKeepsFirstOfDuplicateUsernames(t *testing.T) {
	m := telemetry.New()
	v := validator(t, m)
	res, err := v.Validate(context.Background(), []Record{
		{ID: 1, Raw: "Dan", Project: "enwiki"},
		{ID: 2, Raw: "42", Project: "enwiki"},
		{ID: 3, Raw: "dan", Project: "enwiki"},
		{ID: 4, Raw: "1", Project: "enwiki"},
	})
	require.NoError(t, err)
	require.Len(t, res.Valid, 2)
	assert.Equal(t, int64(1), res.Valid[0].Record.ID)
	assert.Equal(t, "Answer", res.Valid[1].User.Name)
	assert.Equal(t, 2, res.Duplicates)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DuplicatesDropped))
}

type failingDir struct{}

func (failingDir) LookupByName(context.Context, string, string) (User, error) {
	return User{}, errors.New("replica unavailable")
}

func (failingDir) LookupByID(context.Context, int64, string) (User, error) {
	return User{}, errors.New("replica unavailable")
}

func TestClassifySurfacesDirectoryErrors(t *testing.T) {
	v := NewValidator(failingDir{}, projects{"enwiki": true}, nil, nil)
	_, err := v.Classify(context.Background(), Record{Raw: "dan", Project: "enwiki"})
	require.Error(t, err)
}

type memStore struct {
	mu       sync.Mutex
	records  []Record
	resolved map[int64]Outcome
	members  map[string]int64
	failOn   int64
}

func (s *memStore) PendingRecords(context.Context, int64) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if _, done := s.resolved[r.ID]; !done {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) Resolve(_ context.Context, _ int64, out Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if out.Record.ID == s.failOn {
		return false, errors.New("database is locked")
	}
	if s.resolved == nil {
		s.resolved = map[int64]Outcome{}
		s.members = map[string]int64{}
	}
	if _, done := s.resolved[out.Record.ID]; done {
		return false, errors.New("record already resolved")
	}
	s.resolved[out.Record.ID] = out
	if !out.Valid {
		return false, nil
	}
	if _, ok := s.members[out.User.Name]; ok {
		return false, nil
	}
	s.members[out.User.Name] = out.User.ID
	return true, nil
}

func TestUnitResolvesEachRecordOnce(t *testing.T) {
	store := &memStore{
		records: []Record{
			{ID: 1, Raw: "dan", Project: "enwiki"},
			{ID: 2, Raw: "Dan", Project: "enwiki"},
			{ID: 3, Raw: "ghost", Project: "enwiki"},
			{ID: 4, Raw: "42", Project: "enwiki"},
		},
		failOn: 4,
	}
	u := Unit{CohortID: 1, Validator: validator(t, nil), Store: store}
	v, err := u.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Summary{Valid: 1, Invalid: 1, Duplicates: 1, Pending: 1}, v)

	// the second pass only sees the record that stayed pending
	store.failOn = 0
	v, err = u.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Valid: 1}, v)
	assert.Len(t, store.resolved, 4)
	assert.Equal(t, map[string]int64{"Dan": 1, "Answer": 42}, store.members)
}

type fixedStatus executor.Status

func (f fixedStatus) Submit(context.Context, executor.Unit) (executor.Handle, error) { return "", nil }
func (f fixedStatus) Status(executor.Handle) (executor.Status, error) {
	if f == "" {
		return "", executor.ErrUnknownHandle
	}
	return executor.Status(f), nil
}
func (f fixedStatus) Info(executor.Handle) (executor.Info, error) { return executor.Info{}, nil }
func (f fixedStatus) Result(context.Context, executor.Handle, time.Duration) (any, error) {
	return nil, nil
}
func (f fixedStatus) Cancel(executor.Handle) error { return nil }

func TestRollUp(t *testing.T) {
	done := Progress{Total: 3, Validated: 3}
	partial := Progress{Total: 3, Validated: 1}
	assert.Equal(t, executor.StatusSuccess, RollUp(done, nil, ""))
	assert.Equal(t, executor.StatusSuccess, RollUp(done, fixedStatus(executor.StatusStarted), "h"))
	assert.Equal(t, executor.StatusStarted, RollUp(partial, fixedStatus(executor.StatusStarted), "h"))
	assert.Equal(t, executor.StatusPending, RollUp(partial, fixedStatus(""), "h"))
	assert.Equal(t, executor.StatusPending, RollUp(partial, nil, ""))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "Evan Rosen", NormalizeName(" evan_rosen "))
	assert.Equal(t, "Ünal", NormalizeName("ünal"))
	assert.Equal(t, "", NormalizeName(""))
}
