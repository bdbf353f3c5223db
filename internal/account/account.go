// Package account handles identity: signup with profile provisioning,
// sign-in, sign-out, profile edits, and finding other users by exact
// handle or name fragment.
package account

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/session"
	"github.com/mvolkov/roomsync/internal/uploads"
	"go.uber.org/zap"
)

// MinPasswordLen is validated before any network call.
const MinPasswordLen = 6

// ErrPasswordTooShort rejects weak passwords locally.
var ErrPasswordTooShort = fmt.Errorf("account: password must be at least %d characters", MinPasswordLen)

// ErrMalformedHandle rejects lookups that are not "username#NNNN".
var ErrMalformedHandle = errors.New("account: handle must be username#tag")

var handleRe = regexp.MustCompile(`^(\S+)#(\d{4})$`)

// Manager performs account operations.
type Manager struct {
	api    backend.API
	auth   backend.Auth
	blobs  backend.Blobs
	sess   *session.Session
	logger *zap.Logger
}

// New creates a manager.
func New(api backend.API, auth backend.Auth, blobs backend.Blobs, sess *session.Session, logger *zap.Logger) *Manager {
	return &Manager{api: api, auth: auth, blobs: blobs, sess: sess, logger: logger}
}

// newTag returns a random 4-digit discriminator distinguishing users who
// share a username.
func newTag() string {
	return fmt.Sprintf("%04d", rand.Intn(10000))
}

// SignUp registers the account and provisions its profile row. The
// password length is checked before any network call.
func (m *Manager) SignUp(ctx context.Context, email, password, username string) (model.Profile, error) {
	if len(password) < MinPasswordLen {
		return model.Profile{}, ErrPasswordTooShort
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return model.Profile{}, errors.New("account: username required")
	}

	s, err := m.auth.SignUp(ctx, email, password)
	if err != nil {
		return model.Profile{}, fmt.Errorf("sign up: %w", err)
	}

	profile := model.Profile{
		ID:       s.UserID,
		Email:    email,
		Username: username,
		UserTag:  newTag(),
		Status:   model.StatusOnline,
		LastSeen: time.Now().UTC(),
	}
	if _, err := m.api.Insert(ctx, model.TableProfiles, profile); err != nil {
		return model.Profile{}, fmt.Errorf("provision profile: %w", err)
	}
	m.sess.SetUser(profile)
	return profile, nil
}

// SignIn authenticates and loads the user's profile into the session.
func (m *Manager) SignIn(ctx context.Context, email, password string) (model.Profile, error) {
	s, err := m.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return model.Profile{}, fmt.Errorf("sign in: %w", err)
	}
	raw, err := m.api.Single(ctx, model.TableProfiles, backend.Eq("id", s.UserID))
	if err != nil {
		return model.Profile{}, fmt.Errorf("load own profile: %w", err)
	}
	profile, err := backend.One[model.Profile](raw)
	if err != nil {
		return model.Profile{}, err
	}
	m.sess.SetUser(profile)
	return profile, nil
}

// Resume restores a previously persisted session, if any.
func (m *Manager) Resume(ctx context.Context) (model.Profile, bool, error) {
	s, err := m.auth.GetSession(ctx)
	if err != nil || s == nil {
		return model.Profile{}, false, err
	}
	raw, err := m.api.Single(ctx, model.TableProfiles, backend.Eq("id", s.UserID))
	if err != nil {
		return model.Profile{}, false, fmt.Errorf("load own profile: %w", err)
	}
	profile, err := backend.One[model.Profile](raw)
	if err != nil {
		return model.Profile{}, false, err
	}
	m.sess.SetUser(profile)
	return profile, true, nil
}

// SignOut writes the offline presence state, then revokes the session.
// The presence write happens first; once the token is revoked it would be
// rejected.
func (m *Manager) SignOut(ctx context.Context) error {
	err := m.api.Update(ctx, model.TableProfiles, backend.Eq("id", m.sess.UserID()),
		map[string]any{"status": model.StatusOffline, "last_seen": time.Now().UTC()})
	if err != nil {
		m.logger.Warn("offline write before sign-out failed", zap.Error(err))
	}
	if err := m.auth.SignOut(ctx); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	m.sess.SetUser(model.Profile{})
	return nil
}

// UpdateProfile changes the user's own username.
func (m *Manager) UpdateProfile(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("account: username required")
	}
	err := m.api.Update(ctx, model.TableProfiles, backend.Eq("id", m.sess.UserID()),
		map[string]any{"username": username, "updated_at": time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	u := m.sess.User()
	u.Username = username
	m.sess.SetUser(u)
	return nil
}

// SetAvatar uploads a profile picture and stores its public URL.
func (m *Manager) SetAvatar(ctx context.Context, filename, contentType string, data []byte) error {
	me := m.sess.UserID()
	key := fmt.Sprintf("%s/%d-%s%s", me, time.Now().UnixMilli(),
		uuid.NewString()[:8], strings.ToLower(path.Ext(filename)))
	if err := m.blobs.Upload(ctx, uploads.AvatarBucket, key, bytes.NewReader(data), contentType); err != nil {
		return fmt.Errorf("upload avatar: %w", err)
	}
	url := m.blobs.PublicURL(uploads.AvatarBucket, key)
	err := m.api.Update(ctx, model.TableProfiles, backend.Eq("id", me),
		map[string]any{"avatar_url": url, "updated_at": time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("store avatar url: %w", err)
	}
	u := m.sess.User()
	u.AvatarURL = url
	m.sess.SetUser(u)
	return nil
}

// Lookup finds exactly one user by "username#tag". A malformed handle is
// rejected before any network call.
func (m *Manager) Lookup(ctx context.Context, handle string) (model.Profile, error) {
	match := handleRe.FindStringSubmatch(strings.TrimSpace(handle))
	if match == nil {
		return model.Profile{}, ErrMalformedHandle
	}
	raw, err := m.api.Single(ctx, model.TableProfiles,
		backend.Eq("username", match[1]).Where("user_tag", backend.OpEq, match[2]))
	if err != nil {
		return model.Profile{}, err
	}
	return backend.One[model.Profile](raw)
}

// Search lists users whose username contains the fragment, the current
// user excluded. Matching is case-insensitive and done client-side over a
// bounded page.
func (m *Manager) Search(ctx context.Context, fragment string) ([]model.Profile, error) {
	fragment = strings.ToLower(strings.TrimSpace(fragment))
	if fragment == "" {
		return nil, nil
	}
	raw, err := m.api.Select(ctx, model.TableProfiles,
		backend.Query{OrderBy: "username", Ascending: true, Limit: 200})
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	all, err := backend.All[model.Profile](raw)
	if err != nil {
		return nil, err
	}
	var out []model.Profile
	for _, p := range all {
		if p.ID == m.sess.UserID() {
			continue
		}
		if strings.Contains(strings.ToLower(p.Username), fragment) {
			out = append(out, p)
		}
	}
	return out, nil
}
