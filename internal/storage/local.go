// Package storage is a bucket/object store on the local disk.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ErrObjectExists = errors.New("object already exists")
	ErrInvalidPath  = errors.New("invalid object path")
	ErrNotFound     = errors.New("object not found")
)

type UploadOptions struct {
	ContentType string
	// Upsert overwrites an existing object instead of failing.
	Upsert bool
}

type Object struct {
	Bucket      string `json:"bucket"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url"`
}

// Local stores <root>/<bucket>/<path> and serves it under PublicBaseURL.
type Local struct {
	Root          string
	PublicBaseURL string
}

func NewLocal(root, publicBaseURL string) *Local {
	return &Local{Root: root, PublicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

func cleanObjectPath(bucket, objectPath string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("bucket %q: %w", bucket, ErrInvalidPath)
	}
	p := strings.TrimPrefix(objectPath, "/")
	if p == "" {
		return "", fmt.Errorf("%q: %w", objectPath, ErrInvalidPath)
	}
	clean := path.Clean(p)
	if clean != p || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", fmt.Errorf("%q: %w", objectPath, ErrInvalidPath)
	}
	return clean, nil
}

func (l *Local) file(bucket, clean string) string {
	return filepath.Join(l.Root, bucket, filepath.FromSlash(clean))
}

// PublicURL is where a stored object can be fetched.
func (l *Local) PublicURL(bucket, objectPath string) string {
	segs := strings.Split(strings.TrimPrefix(objectPath, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return l.PublicBaseURL + "/" + url.PathEscape(bucket) + "/" + strings.Join(segs, "/")
}

// Upload writes r as bucket/objectPath. Without Upsert an existing object is a conflict.
func (l *Local) Upload(ctx context.Context, bucket, objectPath string, r io.Reader, opts UploadOptions) (Object, error) {
	clean, err := cleanObjectPath(bucket, objectPath)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	dst := l.file(bucket, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Object{}, err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if opts.Upsert {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(dst, flags, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return Object{}, fmt.Errorf("%s/%s: %w", bucket, clean, ErrObjectExists)
	}
	if err != nil {
		return Object{}, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return Object{}, fmt.Errorf("write %s/%s: %w", bucket, clean, err)
	}

	obj := Object{
		Bucket:      bucket,
		Path:        clean,
		Size:        n,
		ContentType: opts.ContentType,
		URL:         l.PublicURL(bucket, clean),
	}
	log.Info().Str("module", "storage").Str("bucket", bucket).Str("path", clean).Int64("size", n).Msg("object stored")
	return obj, nil
}

func (l *Local) Open(bucket, objectPath string) (io.ReadCloser, error) {
	clean, err := cleanObjectPath(bucket, objectPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(l.file(bucket, clean))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, clean, ErrNotFound)
	}
	return f, err
}
