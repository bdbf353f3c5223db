// Package backend defines the collaborator boundary: typed table CRUD, a
// change-event feed, blob storage and session identity. The sync core
// depends on these interfaces only; internal/backend/rest and
// internal/backend/realtime provide the wire implementations.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned by Single when no row matches. It is distinct
// from transport errors so callers can treat missing rows as data anomalies
// rather than availability failures.
var ErrNotFound = errors.New("backend: row not found")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Message)
}

// IsAuth reports whether the error is an authorization rejection.
func (e *StatusError) IsAuth() bool {
	return e.Code == 401 || e.Code == 403
}

// IsAuthError reports whether err is an authorization rejection by backend policy.
func IsAuthError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.IsAuth()
}

// Op is a filter operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpLt  Op = "lt"
	OpIn  Op = "in"
)

// Filter is a single column condition.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Query describes a select/update/delete target set.
type Query struct {
	Filters   []Filter
	OrderBy   string
	Ascending bool
	Limit     int
}

// Where appends a filter and returns the query for chaining.
func (q Query) Where(column string, op Op, value any) Query {
	q.Filters = append(q.Filters, Filter{Column: column, Op: op, Value: value})
	return q
}

// Order sets the sort column and direction.
func (q Query) Order(column string, ascending bool) Query {
	q.OrderBy = column
	q.Ascending = ascending
	return q
}

// Eq is shorthand for a single equality query.
func Eq(column string, value any) Query {
	return Query{}.Where(column, OpEq, value)
}

// API is the typed-table CRUD surface.
type API interface {
	Select(ctx context.Context, table string, q Query) ([]json.RawMessage, error)
	// Single returns exactly one row or ErrNotFound.
	Single(ctx context.Context, table string, q Query) (json.RawMessage, error)
	Insert(ctx context.Context, table string, rows any) ([]json.RawMessage, error)
	Update(ctx context.Context, table string, q Query, patch any) error
	Delete(ctx context.Context, table string, q Query) error
	Count(ctx context.Context, table string, q Query) (int, error)
}

// Blobs is the object-storage surface.
type Blobs interface {
	Upload(ctx context.Context, bucket, key string, r io.Reader, contentType string) error
	Remove(ctx context.Context, bucket, key string) error
	PublicURL(bucket, key string) string
}

// Session is an authenticated identity.
type Session struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	AccessToken string `json:"access_token"`
}

// Auth is the identity surface.
type Auth interface {
	// GetSession returns the current session, or nil when signed out.
	GetSession(ctx context.Context) (*Session, error)
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
}

// All decodes every row into T.
func All[T any](rows []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, raw := range rows {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// One decodes a single row into T.
func One[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode row: %w", err)
	}
	return v, nil
}
