package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/model"
)

func mustParseQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	vals, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("parse query %q: %v", raw, err)
	}
	return vals
}

func bytesReader(s string) io.Reader { return strings.NewReader(s) }

type recorded struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.header = r.Header.Clone()
		rec.body, _ = io.ReadAll(r.Body)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, "anon-key"), rec
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestSelectEncodesQuery(t *testing.T) {
	c, rec := newTestClient(t, jsonHandler(200, `[{"id":"r1"}]`))

	cutoff := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	q := backend.Eq("room_id", "r1").
		Where("user_id", backend.OpNeq, "u1").
		Where("created_at", backend.OpGt, cutoff).
		Order("created_at", true)
	rows, err := c.Select(context.Background(), "messages", q)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows", len(rows))
	}

	if rec.path != "/rest/v1/messages" {
		t.Errorf("path = %q", rec.path)
	}
	vals := mustParseQuery(t, rec.query)
	if got := vals.Get("room_id"); got != "eq.r1" {
		t.Errorf("room_id = %q", got)
	}
	if got := vals.Get("user_id"); got != "neq.u1" {
		t.Errorf("user_id = %q", got)
	}
	if got := vals.Get("created_at"); got != "gt.2026-03-10T12:00:00Z" {
		t.Errorf("created_at = %q", got)
	}
	if got := vals.Get("order"); got != "created_at.asc" {
		t.Errorf("order = %q", got)
	}
	if rec.header.Get("apikey") != "anon-key" {
		t.Error("apikey header missing")
	}
	if rec.header.Get("Authorization") != "Bearer anon-key" {
		t.Errorf("auth = %q, want anon fallback", rec.header.Get("Authorization"))
	}
}

func TestInEncoding(t *testing.T) {
	c, rec := newTestClient(t, jsonHandler(200, `[]`))

	q := backend.Query{}.Where("id", backend.OpIn, []string{"a", "b", "c"})
	if _, err := c.Select(context.Background(), "rooms", q); err != nil {
		t.Fatal(err)
	}
	if got := mustParseQuery(t, rec.query).Get("id"); got != "in.(a,b,c)" {
		t.Errorf("id = %q", got)
	}
}

func TestSingleNotFound(t *testing.T) {
	c, rec := newTestClient(t, jsonHandler(200, `[]`))

	_, err := c.Single(context.Background(), "profiles", backend.Eq("id", "u9"))
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if got := mustParseQuery(t, rec.query).Get("limit"); got != "1" {
		t.Errorf("limit = %q", got)
	}
}

func TestInsertWrapsSingleRow(t *testing.T) {
	c, rec := newTestClient(t, jsonHandler(201, `[{"id":"m1"}]`))

	rows, err := c.Insert(context.Background(), "messages", map[string]string{"content": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d stored rows", len(rows))
	}
	if rec.body[0] != '[' {
		t.Errorf("body = %s, want an array", rec.body)
	}
	if rec.header.Get("Prefer") != "return=representation" {
		t.Errorf("Prefer = %q", rec.header.Get("Prefer"))
	}
}

// Row ids and creation timestamps are backend-assigned: a PostgREST server
// rejects "" as a uuid and would store a zero timestamp as year 1, so the
// insert payload must not carry those columns at all.
func TestInsertOmitsServerAssignedColumns(t *testing.T) {
	c, rec := newTestClient(t, jsonHandler(201, `[{"id":"m1"}]`))

	msg := model.Message{RoomID: "r1", UserID: "u1", Content: "hi"}
	if _, err := c.Insert(context.Background(), "messages", msg); err != nil {
		t.Fatal(err)
	}

	var batch []map[string]any
	if err := json.Unmarshal(rec.body, &batch); err != nil {
		t.Fatalf("body %s: %v", rec.body, err)
	}
	if len(batch) != 1 {
		t.Fatalf("got %d payload rows", len(batch))
	}
	for _, col := range []string{"id", "created_at", "updated_at"} {
		if v, ok := batch[0][col]; ok {
			t.Errorf("payload carries %s=%v, must be left to the backend", col, v)
		}
	}
	if batch[0]["room_id"] != "r1" || batch[0]["content"] != "hi" {
		t.Errorf("payload = %v", batch[0])
	}
}

func TestStatusErrorMapping(t *testing.T) {
	c, _ := newTestClient(t, jsonHandler(403, `row-level security violation`))

	err := c.Delete(context.Background(), "rooms", backend.Eq("id", "r1"))
	var se *backend.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T: %v", err, err)
	}
	if se.Code != 403 || !se.IsAuth() {
		t.Errorf("status error = %+v", se)
	}
	if !backend.IsAuthError(err) {
		t.Error("IsAuthError = false")
	}
}

func TestCountParsesContentRange(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Range", "0-24/25")
		w.WriteHeader(200)
	})

	n, err := c.Count(context.Background(), "messages", backend.Eq("room_id", "r1"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 25 {
		t.Errorf("count = %d, want 25", n)
	}
	if rec.method != http.MethodHead {
		t.Errorf("method = %q, want HEAD", rec.method)
	}
	if rec.header.Get("Prefer") != "count=exact" {
		t.Errorf("Prefer = %q", rec.header.Get("Prefer"))
	}
}

func TestCountMalformedRange(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	})
	if _, err := c.Count(context.Background(), "messages", backend.Query{}); err == nil {
		t.Error("missing Content-Range accepted")
	}
}

func TestAuthFlow(t *testing.T) {
	c, rec := newTestClient(t, jsonHandler(200,
		`{"access_token":"jwt-123","user":{"id":"u1","email":"a@example.com"}}`))

	s, err := c.SignInWithPassword(context.Background(), "a@example.com", "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if rec.path != "/auth/v1/token" || mustParseQuery(t, rec.query).Get("grant_type") != "password" {
		t.Errorf("path = %q?%s", rec.path, rec.query)
	}
	if s.UserID != "u1" || s.AccessToken != "jwt-123" {
		t.Errorf("session = %+v", s)
	}
	// Subsequent requests carry the session token.
	if got := c.AccessToken(); got != "jwt-123" {
		t.Errorf("token = %q", got)
	}

	var creds map[string]string
	if err := json.Unmarshal(rec.body, &creds); err != nil {
		t.Fatalf("body %s: %v", rec.body, err)
	}
	if creds["email"] != "a@example.com" {
		t.Errorf("creds = %v", creds)
	}
}

func TestSignOutClearsSessionOnFailure(t *testing.T) {
	c, _ := newTestClient(t, jsonHandler(500, `boom`))
	c.setSession(&backend.Session{UserID: "u1", AccessToken: "jwt"})

	if err := c.SignOut(context.Background()); err == nil {
		t.Error("revocation failure swallowed")
	}
	if got := c.AccessToken(); got != "anon-key" {
		t.Errorf("token = %q, want anon after sign-out", got)
	}
}

func TestStoragePaths(t *testing.T) {
	c, rec := newTestClient(t, jsonHandler(200, `{}`))

	err := c.Upload(context.Background(), "message-files", "u1/123-abc.png",
		bytesReader("png"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if rec.path != "/storage/v1/object/message-files/u1/123-abc.png" {
		t.Errorf("path = %q", rec.path)
	}
	if rec.header.Get("Content-Type") != "image/png" {
		t.Errorf("content type = %q", rec.header.Get("Content-Type"))
	}

	url := c.PublicURL("message-files", "u1/123-abc.png")
	want := "/storage/v1/object/public/message-files/u1/123-abc.png"
	if len(url) < len(want) || url[len(url)-len(want):] != want {
		t.Errorf("public url = %q", url)
	}
}
