// Package projects opens the per-project replica databases the directory and
// metrics read from.
package projects

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

var ErrUnknownProject = errors.New("unknown project")

// Registry holds one connection per configured project.
type Registry struct {
	dbs map[string]*sql.DB
}

// Open connects to every project database. paths maps project name to an SQLite file.
func Open(paths map[string]string) (*Registry, error) {
	r := &Registry{dbs: make(map[string]*sql.DB, len(paths))}
	for name, path := range paths {
		if strings.TrimSpace(path) == "" {
			r.Close()
			return nil, fmt.Errorf("project %s has no database path", name)
		}
		dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
		conn, err := sql.Open("sqlite", dsn)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open project %s: %w", name, err)
		}
		r.dbs[name] = conn
	}
	return r, nil
}

// FromDBs wraps already open connections.
func FromDBs(dbs map[string]*sql.DB) *Registry {
	return &Registry{dbs: dbs}
}

// Known reports whether project is configured.
func (r *Registry) Known(project string) bool {
	_, ok := r.dbs[project]
	return ok
}

// DB returns the connection for project.
func (r *Registry) DB(project string) (*sql.DB, error) {
	db, ok := r.dbs[project]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, project)
	}
	return db, nil
}

// Names lists configured projects in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.dbs))
	for n := range r.dbs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Close() error {
	var errs []error
	for _, db := range r.dbs {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}
