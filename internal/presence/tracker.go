// Package presence owns the local user's online/offline state: the online
// write on session start, the periodic heartbeat, the foreground/background
// flips and the best-effort offline write on teardown. Peer presence is a
// read-side concern; the freshness rule lives here too.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/session"
	"go.uber.org/zap"
)

// OnlineWindow is the freshness bound: a peer is shown online only if its
// last_seen is newer than this.
const OnlineWindow = 5 * time.Minute

// Tracker pushes the local user's presence to the backend.
type Tracker struct {
	api      backend.API
	sess     *session.Session
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	foreground bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewTracker creates a tracker with the given heartbeat interval.
func NewTracker(api backend.API, sess *session.Session, interval time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		api:        api,
		sess:       sess,
		logger:     logger,
		interval:   interval,
		foreground: true,
	}
}

// Start writes the initial online state and begins the heartbeat loop.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	if err := t.write(ctx, model.StatusOnline); err != nil {
		t.logger.Warn("initial presence write failed", zap.Error(err))
	}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.beat(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *Tracker) beat(ctx context.Context) {
	t.mu.Lock()
	fg := t.foreground
	t.mu.Unlock()
	if !fg {
		return
	}
	err := t.api.Update(ctx, model.TableProfiles,
		backend.Eq("id", t.sess.UserID()),
		map[string]any{"last_seen": time.Now().UTC()})
	if err != nil {
		t.logger.Warn("presence heartbeat failed", zap.Error(err))
	}
}

// SetForeground flips the status between online and offline immediately on
// foreground/background transitions.
func (t *Tracker) SetForeground(ctx context.Context, fg bool) {
	t.mu.Lock()
	if t.foreground == fg {
		t.mu.Unlock()
		return
	}
	t.foreground = fg
	t.mu.Unlock()

	status := model.StatusOffline
	if fg {
		status = model.StatusOnline
	}
	if err := t.write(ctx, status); err != nil {
		t.logger.Warn("presence flip failed", zap.Error(err), zap.String("status", status))
	}
}

func (t *Tracker) write(ctx context.Context, status string) error {
	err := t.api.Update(ctx, model.TableProfiles,
		backend.Eq("id", t.sess.UserID()),
		map[string]any{"status": status, "last_seen": time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("presence write: %w", err)
	}
	return nil
}

// Shutdown stops the heartbeat and dispatches a fire-and-forget offline
// write. The write is deliberately not awaited: teardown must not block on
// the network.
func (t *Tracker) Shutdown() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = t.write(ctx, model.StatusOffline)
	}()
}

// IsOnline applies the freshness rule: online status alone is not trusted
// past the OnlineWindow.
func IsOnline(p model.Profile, now time.Time) bool {
	return p.Status == model.StatusOnline && now.Sub(p.LastSeen) < OnlineWindow
}

// LastSeenText renders a relative "last seen" string for a peer that is
// not considered online.
func LastSeenText(lastSeen, now time.Time) string {
	d := now.Sub(lastSeen)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d min ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d h ago", int(d.Hours()))
	case d < 48*time.Hour:
		return "yesterday"
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	default:
		return lastSeen.Format("Jan 2")
	}
}
