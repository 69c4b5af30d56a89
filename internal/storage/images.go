package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fusiongen/internal/domain"
)

// ImageSink names and writes generated images.
type ImageSink struct {
	store *FileStore
	now   func() time.Time
}

// NewImageSink writes images into store.
func NewImageSink(store *FileStore) *ImageSink {
	return &ImageSink{store: store, now: time.Now}
}

// Save writes one image as image_{unix}_{prefix}_{id}.jpg and returns its
// storage key.
func (s *ImageSink) Save(ctx context.Context, img domain.GeneratedImage) (string, error) {
	if s == nil || s.store == nil {
		return "", errors.New("storage: no image sink configured")
	}
	if len(img.Data) == 0 {
		return "", errors.New("storage: empty image payload")
	}
	key := imageKey(s.now(), img.CredentialPrefix)
	saved, err := s.store.Write(ctx, key, img.Data)
	if err != nil {
		return "", fmt.Errorf("save image %d/%d: %w", img.Sequence, img.Quota, err)
	}
	return saved, nil
}

func imageKey(now time.Time, prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("image_%d_%s_%s.jpg", now.Unix(), safeTag(prefix), id)
}

// safeTag keeps credential prefixes usable as a file name fragment.
func safeTag(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "key"
	}
	return b.String()
}
