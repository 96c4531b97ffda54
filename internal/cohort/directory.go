package cohort

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DBSource resolves a project to its replica database.
type DBSource interface {
	DB(project string) (*sql.DB, error)
}

// SQLDirectory looks users up in the project's user(user_id, user_name) table.
type SQLDirectory struct {
	DBs DBSource
}

var _ Directory = SQLDirectory{}

func (d SQLDirectory) LookupByName(ctx context.Context, name, project string) (User, error) {
	return d.lookup(ctx, project, `SELECT user_id, user_name FROM user WHERE user_name = ?`, NormalizeName(name))
}

func (d SQLDirectory) LookupByID(ctx context.Context, id int64, project string) (User, error) {
	return d.lookup(ctx, project, `SELECT user_id, user_name FROM user WHERE user_id = ?`, id)
}

func (d SQLDirectory) lookup(ctx context.Context, project, query string, arg any) (User, error) {
	db, err := d.DBs.DB(project)
	if err != nil {
		return User{}, err
	}
	var u User
	err = db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %v on %s", ErrUserNotFound, arg, project)
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// NormalizeName applies the wiki title rules to a username: underscores are
// spaces, surrounding space is dropped and the first letter is upper case.
func NormalizeName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
