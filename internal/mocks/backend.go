// Package mocks provides a functional in-memory backend used by component
// tests: a table store honoring the query filters, blob storage, identity,
// and helpers for injecting change-feed events on the bus.
package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mvolkov/roomsync/internal/backend"
)

// Backend is an in-memory implementation of backend.API, backend.Blobs and
// backend.Auth.
type Backend struct {
	mu       sync.Mutex
	tables   map[string][]map[string]any
	blobs    map[string][]byte
	accounts map[string]account // keyed by email
	session  *backend.Session
	failures map[string]error // "op:table" -> one-shot error
}

// NewBackend creates an empty backend.
func NewBackend() *Backend {
	return &Backend{
		tables:   make(map[string][]map[string]any),
		blobs:    make(map[string][]byte),
		accounts: make(map[string]account),
		failures: make(map[string]error),
	}
}

// FailNext makes the next call of op ("select", "insert", "update",
// "delete", "count", "upload") on table return err.
func (b *Backend) FailNext(op, table string, err error) {
	b.mu.Lock()
	b.failures[op+":"+table] = err
	b.mu.Unlock()
}

func (b *Backend) takeFailure(op, table string) error {
	key := op + ":" + table
	if err, ok := b.failures[key]; ok {
		delete(b.failures, key)
		return err
	}
	return nil
}

// Seed inserts rows without stamping defaults or failure checks.
func (b *Backend) Seed(table string, rows ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rows {
		b.tables[table] = append(b.tables[table], toRow(r))
	}
}

// TableLen returns the current row count of a table.
func (b *Backend) TableLen(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tables[table])
}

func toRow(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mocks: encode row: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("mocks: row is not an object: %v", err))
	}
	return m
}

func renderValue(op backend.Op, v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case time.Time:
		return vv.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(vv)
	}
}

func matches(row map[string]any, f backend.Filter) bool {
	got, ok := row[f.Column]
	gotStr := ""
	if ok && got != nil {
		gotStr = fmt.Sprint(got)
	}
	switch f.Op {
	case backend.OpEq:
		return gotStr == renderValue(f.Op, f.Value)
	case backend.OpNeq:
		return gotStr != renderValue(f.Op, f.Value)
	case backend.OpGt:
		return compareValues(gotStr, f.Value) > 0
	case backend.OpLt:
		return compareValues(gotStr, f.Value) < 0
	case backend.OpIn:
		vals, _ := f.Value.([]string)
		for _, v := range vals {
			if gotStr == v {
				return true
			}
		}
		return false
	}
	return false
}

// compareValues compares the row value against the filter value. RFC3339
// timestamps compare correctly as strings; so do equal-width numbers, which
// is all the tests need.
func compareValues(got string, want any) int {
	if t, ok := want.(time.Time); ok {
		gt, err := time.Parse(time.RFC3339Nano, got)
		if err != nil {
			return strings.Compare(got, t.UTC().Format(time.RFC3339Nano))
		}
		if gt.Before(t) {
			return -1
		}
		if gt.After(t) {
			return 1
		}
		return 0
	}
	return strings.Compare(got, fmt.Sprint(want))
}

func filterRows(rows []map[string]any, q backend.Query) []map[string]any {
	var out []map[string]any
	for _, r := range rows {
		ok := true
		for _, f := range q.Filters {
			if !matches(r, f) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, r)
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a := fmt.Sprint(out[i][q.OrderBy])
			bv := fmt.Sprint(out[j][q.OrderBy])
			if q.Ascending {
				return a < bv
			}
			return a > bv
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func encodeRows(rows []map[string]any) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		raw, _ := json.Marshal(r)
		out = append(out, raw)
	}
	return out
}

// Select implements backend.API.
func (b *Backend) Select(_ context.Context, table string, q backend.Query) ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("select", table); err != nil {
		return nil, err
	}
	return encodeRows(filterRows(b.tables[table], q)), nil
}

// Single implements backend.API.
func (b *Backend) Single(ctx context.Context, table string, q backend.Query) (json.RawMessage, error) {
	rows, err := b.Select(ctx, table, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, backend.ErrNotFound
	}
	return rows[0], nil
}

// stampDefaults fills server-assigned columns, but only when the payload
// omits them. An explicitly sent value is stored as-is, even a zero one,
// matching how PostgREST applies column defaults.
func stampDefaults(row map[string]any) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.New().String()
	}
	for _, col := range []string{"created_at", "updated_at", "joined_at", "last_read_at", "started_at"} {
		if _, ok := row[col]; !ok {
			row[col] = now
		}
	}
}

// Insert implements backend.API. Absent ids and timestamps are assigned
// server-side, the way the real backend's column defaults do.
func (b *Backend) Insert(_ context.Context, table string, rows any) ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("insert", table); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	var batch []map[string]any
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, err
		}
	} else {
		var one map[string]any
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, err
		}
		batch = []map[string]any{one}
	}

	var stored []map[string]any
	for _, row := range batch {
		stampDefaults(row)
		b.tables[table] = append(b.tables[table], row)
		stored = append(stored, row)
	}
	return encodeRows(stored), nil
}

// Update implements backend.API.
func (b *Backend) Update(_ context.Context, table string, q backend.Query, patch any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("update", table); err != nil {
		return err
	}
	patchRow := toRow(patch)
	for _, row := range filterRows(b.tables[table], q) {
		for k, v := range patchRow {
			row[k] = v
		}
	}
	return nil
}

// Delete implements backend.API.
func (b *Backend) Delete(_ context.Context, table string, q backend.Query) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("delete", table); err != nil {
		return err
	}
	matched := filterRows(b.tables[table], backend.Query{Filters: q.Filters})
	keep := b.tables[table][:0]
outer:
	for _, row := range b.tables[table] {
		for _, m := range matched {
			if fmt.Sprint(row["id"]) == fmt.Sprint(m["id"]) {
				continue outer
			}
		}
		keep = append(keep, row)
	}
	b.tables[table] = keep
	return nil
}

// Count implements backend.API.
func (b *Backend) Count(_ context.Context, table string, q backend.Query) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("count", table); err != nil {
		return 0, err
	}
	return len(filterRows(b.tables[table], backend.Query{Filters: q.Filters})), nil
}

// Upload implements backend.Blobs.
func (b *Backend) Upload(_ context.Context, bucket, key string, r io.Reader, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("upload", bucket); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.blobs[bucket+"/"+key] = data
	return nil
}

// Remove implements backend.Blobs.
func (b *Backend) Remove(_ context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, bucket+"/"+key)
	return nil
}

// PublicURL implements backend.Blobs.
func (b *Backend) PublicURL(bucket, key string) string {
	return "https://blobs.test/" + bucket + "/" + key
}

// Blob returns a stored blob and whether it exists.
func (b *Backend) Blob(bucket, key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[bucket+"/"+key]
	return data, ok
}

// GetSession implements backend.Auth.
func (b *Backend) GetSession(_ context.Context) (*backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session, nil
}

type account struct {
	password string
	userID   string
}

// SignUp implements backend.Auth.
func (b *Backend) SignUp(_ context.Context, email, password string) (*backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.accounts[email]; exists {
		return nil, &backend.StatusError{Code: 422, Message: "email already registered"}
	}
	acct := account{password: password, userID: uuid.New().String()}
	b.accounts[email] = acct
	b.session = &backend.Session{UserID: acct.userID, Email: email, AccessToken: "token-" + email}
	return b.session, nil
}

// SignInWithPassword implements backend.Auth.
func (b *Backend) SignInWithPassword(_ context.Context, email, password string) (*backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[email]
	if !ok || acct.password != password {
		return nil, &backend.StatusError{Code: 401, Message: "invalid credentials"}
	}
	b.session = &backend.Session{UserID: acct.userID, Email: email, AccessToken: "token-" + email}
	return b.session, nil
}

// SignOut implements backend.Auth.
func (b *Backend) SignOut(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = nil
	return nil
}
