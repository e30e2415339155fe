package remote

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// MemoryBlobs is an in-process Blobs implementation backing the simulator
// and tests. Uploads are sniffed the same way a real blob store would
// correct client metadata: content type from the bytes, pixel dimensions
// from the decoded image header.
type MemoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryBlobs creates an empty in-memory blob store.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{objects: make(map[string][]byte)}
}

func (b *MemoryBlobs) Upload(_ context.Context, localURI string) (BlobInfo, error) {
	data, err := os.ReadFile(LocalPath(localURI))
	if err != nil {
		return BlobInfo{}, fmt.Errorf("read upload source: %w", err)
	}

	mt := mimetype.Detect(data)
	info := BlobInfo{
		Mime: mt.String(),
		Size: int64(len(data)),
	}
	if strings.HasPrefix(info.Mime, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			info.Width = cfg.Width
			info.Height = cfg.Height
		}
	}

	// https-shaped so downstream locality classification treats uploads
	// exactly like a real CDN reference.
	name := uuid.NewString() + mt.Extension()
	info.URL = "https://blobs.invalid/" + name

	b.mu.Lock()
	b.objects[info.URL] = data
	b.mu.Unlock()
	return info, nil
}

func (b *MemoryBlobs) Download(_ context.Context, url, destPath string) error {
	b.mu.Lock()
	data, ok := b.objects[url]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("blob not found: %s", url)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0600)
}

// LocalPath strips a file scheme from a URI, returning a plain filesystem
// path. Non-file URIs are returned unchanged.
func LocalPath(uri string) string {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return strings.TrimPrefix(uri, "file://")
	case strings.HasPrefix(uri, "file:/") && !strings.HasPrefix(uri, "file://"):
		return strings.TrimPrefix(uri, "file:")
	default:
		return uri
	}
}
