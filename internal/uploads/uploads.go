// Package uploads is the outgoing attachment pipeline: storage-key
// derivation, the per-message file cap, and voice recordings.
package uploads

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mvolkov/roomsync/internal/backend"
	"github.com/mvolkov/roomsync/internal/model"
	"github.com/mvolkov/roomsync/internal/session"
	"go.uber.org/zap"
)

// MaxFiles is the hard cap of file attachments per message. Excess files
// are silently truncated at selection time.
const MaxFiles = 5

// Storage buckets.
const (
	MessageBucket = "message-files"
	AvatarBucket  = "avatars"
)

// VoiceContentType is the recorder's encoded output format.
const VoiceContentType = "audio/webm"

// File is an outgoing file selected for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Pipeline uploads outgoing files and turns them into attachment references.
type Pipeline struct {
	blobs  backend.Blobs
	sess   *session.Session
	logger *zap.Logger

	now   func() time.Time
	token func() string
}

// NewPipeline creates a pipeline.
func NewPipeline(blobs backend.Blobs, sess *session.Session, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		blobs:  blobs,
		sess:   sess,
		logger: logger,
		now:    time.Now,
		token:  func() string { return uuid.NewString()[:8] },
	}
}

// key derives a storage key namespaced by the sending user with a
// collision-resistant suffix, preserving the original extension.
func (p *Pipeline) key(name string) string {
	ext := strings.ToLower(path.Ext(name))
	return fmt.Sprintf("%s/%d-%s%s", p.sess.UserID(), p.now().UnixMilli(), p.token(), ext)
}

// UploadAll uploads up to MaxFiles files and returns the attachment
// references of the ones that succeeded. A per-file failure is logged and
// that file skipped; it never aborts the rest of the batch.
func (p *Pipeline) UploadAll(ctx context.Context, files []File) []model.Attachment {
	if len(files) > MaxFiles {
		files = files[:MaxFiles]
	}

	var out []model.Attachment
	for _, f := range files {
		att, err := p.upload(ctx, f, 0)
		if err != nil {
			p.logger.Warn("attachment upload failed, skipping file",
				zap.String("name", f.Name), zap.Error(err))
			continue
		}
		out = append(out, att)
	}
	return out
}

// UploadVoice uploads a recorded-audio blob as a voice message attachment
// carrying its duration in seconds.
func (p *Pipeline) UploadVoice(ctx context.Context, data []byte, duration float64) (model.Attachment, error) {
	f := File{
		Name:        fmt.Sprintf("voice-%d.webm", p.now().UnixMilli()),
		ContentType: VoiceContentType,
		Data:        data,
	}
	return p.upload(ctx, f, duration)
}

func (p *Pipeline) upload(ctx context.Context, f File, duration float64) (model.Attachment, error) {
	key := p.key(f.Name)
	if err := p.blobs.Upload(ctx, MessageBucket, key, bytes.NewReader(f.Data), f.ContentType); err != nil {
		return model.Attachment{}, fmt.Errorf("upload %q: %w", f.Name, err)
	}
	return model.Attachment{
		Name:     f.Name,
		URL:      p.blobs.PublicURL(MessageBucket, key),
		Type:     f.ContentType,
		Size:     int64(len(f.Data)),
		Duration: duration,
	}, nil
}
