package storage

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// LocalSink writes artifacts below a directory, for single-host setups
type LocalSink struct {
	dir string
}

// NewLocalSink creates the directory when it does not exist
func NewLocalSink(dir string) (*LocalSink, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", dir)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", abs)
	}
	return &LocalSink{dir: abs}, nil
}

// Upload writes the blob and returns a file:// URL. The file is written to a
// temporary name and renamed, so a reader never sees a partial blob.
func (s *LocalSink) Upload(ctx context.Context, data []byte, filename, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := filepath.Clean("/" + filepath.FromSlash(filename))
	if clean == string(filepath.Separator) || strings.HasSuffix(filename, "/") {
		return "", errors.Newf("invalid artifact name %q", filename)
	}
	dst := filepath.Join(s.dir, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", filepath.Dir(dst))
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "write %s", dst)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "sync %s", dst)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrapf(err, "close %s", dst)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", errors.Wrapf(err, "rename to %s", dst)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String(), nil
}

// Resolve returns ref unchanged, file URLs do not expire
func (s *LocalSink) Resolve(_ context.Context, ref string) (string, error) {
	return ref, nil
}
