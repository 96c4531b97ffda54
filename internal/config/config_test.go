package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, time.Hour, cfg.Queue.ResultTimeout)
	assert.Equal(t, 10, cfg.Queue.MaxInstancesPerRecurrentReport)
	assert.Equal(t, "oldest_first", cfg.Queue.CatchUpOrder)
	assert.Equal(t, BackendSQLite, cfg.Results.Backend)
	assert.Empty(t, cfg.Projects)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
queue:
  max_parallel_per_run: 2
  catch_up_order: newest_first
projects:
  enwiki:
    database: replicas/enwiki.db
  dewiki:
    database: /srv/dewiki.db
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Queue.MaxParallelPerRun)
	assert.Equal(t, "newest_first", cfg.Queue.CatchUpOrder)
	assert.Equal(t, 4, cfg.Queue.TaskWorkers)

	paths := cfg.ProjectPaths("/ws")
	assert.Equal(t, filepath.Join("/ws", "replicas/enwiki.db"), paths["enwiki"])
	assert.Equal(t, "/srv/dewiki.db", paths["dewiki"])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"max instances":   "queue:\n  max_instances_per_recurrent_report: 0\n",
		"parallel":        "queue:\n  max_parallel_per_run: 0\n",
		"order":           "queue:\n  catch_up_order: random\n",
		"cron":            "scheduler:\n  cron: every day\n",
		"backend":         "results:\n  backend: memcached\n",
		"redis address":   "results:\n  backend: redis\n  redis:\n    address: \"\"\n",
		"project db":      "projects:\n  enwiki: {}\n",
		"negative delay":  "queue:\n  result_timeout: -1s\n",
		"short retention": "queue:\n  retention: 1m\n  result_timeout: 1h\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	ws := t.TempDir()
	_, err := Load(ws)
	require.Error(t, err)

	cfg, err := LoadOptional(ws)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(Path(ws), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(ws)
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.Enabled)
}
