// Package modelstore fetches model and metadata blobs from local files or
// Google Cloud Storage.
package modelstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/tensorbridge/internal/errs"
)

const gcsScheme = "gs://"

// Location is a parsed blob address. Bucket and Object are set for gs://
// locations, Path otherwise.
type Location struct {
	Bucket string
	Object string
	Path   string
}

func (l Location) IsGCS() bool {
	return l.Bucket != ""
}

func (l Location) String() string {
	if l.IsGCS() {
		return gcsScheme + l.Bucket + "/" + l.Object
	}
	return l.Path
}

// ParseLocation accepts gs://bucket/object or a file path.
func ParseLocation(location string) (Location, error) {
	if location == "" {
		return Location{}, errors.Wrap(errs.ErrInvalidArgument, "empty location")
	}
	if !strings.HasPrefix(location, gcsScheme) {
		return Location{Path: location}, nil
	}
	bucket, object, ok := strings.Cut(strings.TrimPrefix(location, gcsScheme), "/")
	if !ok || bucket == "" || object == "" {
		return Location{}, errors.Wrapf(errs.ErrInvalidArgument, "location %q: want gs://bucket/object", location)
	}
	return Location{Bucket: bucket, Object: object}, nil
}

// Store reads blobs. Objects downloaded from GCS are kept under CacheDir when
// it is set and read from there on later fetches.
type Store struct {
	CacheDir string
	log      *zap.Logger
}

func New(cacheDir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{CacheDir: cacheDir, log: log}
}

// Fetch returns the contents of the blob at location.
func (s *Store) Fetch(ctx context.Context, location string) ([]byte, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	if !loc.IsGCS() {
		data, err := os.ReadFile(loc.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", loc.Path)
		}
		return data, nil
	}

	if cached := s.cachePath(loc); cached != "" {
		if data, err := os.ReadFile(cached); err == nil {
			s.log.Info("Using cached blob", zap.String("url", loc.String()), zap.String("path", cached))
			return data, nil
		}
	}
	return s.download(ctx, loc)
}

func (s *Store) cachePath(loc Location) string {
	if s.CacheDir == "" {
		return ""
	}
	return filepath.Join(s.CacheDir, loc.Bucket, filepath.FromSlash(loc.Object))
}

func (s *Store) download(ctx context.Context, loc Location) ([]byte, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCS storage client")
	}
	defer client.Close()

	s.log.Info("Downloading blob from GCS", zap.String("url", loc.String()))
	startedAt := time.Now()

	r, err := client.Bucket(loc.Bucket).Object(loc.Object).NewReader(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "opening object %s", loc)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading %s", loc)
	}
	s.log.Info("Downloaded blob from GCS",
		zap.String("url", loc.String()),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(startedAt)))

	if cached := s.cachePath(loc); cached != "" {
		if err := writeFile(cached, data); err != nil {
			s.log.Warn("Cannot cache blob", zap.String("path", cached), zap.Error(err))
		}
	}
	return data, nil
}

// writeFile writes data through a temp file in the same directory so readers
// never observe a partial blob.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating cache directory")
	}
	tmp, err := os.CreateTemp(dir, "download")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "renaming temp file")
}
