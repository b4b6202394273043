// Package source enumerates and reads daily river data files from a local
// directory or an object store bucket.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // gs:// driver
	_ "gocloud.dev/blob/s3blob"  // s3:// driver

	"github.com/02loveslollipop/Kawa-river-viewer/internal/observation"
)

// FilePrefix is the common prefix of every daily file name.
const FilePrefix = "river_data_"

var suffixes = []string{".json.gz", ".json.zst", ".json"}

// ErrBadFileDate marks a daily file whose encoded date does not parse.
var ErrBadFileDate = errors.New("unparseable file date")

// File is one daily file found in a source.
type File struct {
	Key     string     // object key, relative to the source root
	DateStr string     // date text as encoded in the name
	Date    civil.Date // valid only when DateErr is nil
	DateErr error
}

// Source lists and reads daily files.
type Source interface {
	List(ctx context.Context) ([]File, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// BucketSource is a Source backed by a gocloud blob bucket.
type BucketSource struct {
	bucket *blob.Bucket
	prefix string
}

// Open resolves location to a bucket. Plain paths open a local directory
// (created if missing); file://, s3:// and gs:// URLs go through
// blob.OpenBucket.
func Open(ctx context.Context, location string) (*BucketSource, error) {
	return OpenWithPrefix(ctx, location, "")
}

// OpenWithPrefix is Open restricted to keys under prefix, e.g. "daily/"
// when the files share a bucket with other data.
func OpenWithPrefix(ctx context.Context, location, prefix string) (*BucketSource, error) {
	if location == "" {
		return nil, fmt.Errorf("empty source location")
	}
	if strings.Contains(location, "://") {
		bucket, err := blob.OpenBucket(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", location, err)
		}
		return NewBucketSource(bucket, prefix), nil
	}

	dir, err := filepath.Abs(location)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", location, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create source dir: %w", err)
	}
	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open dir %s: %w", dir, err)
	}
	return NewBucketSource(bucket, prefix), nil
}

// NewBucketSource wraps an already opened bucket, listing only keys under prefix.
func NewBucketSource(bucket *blob.Bucket, prefix string) *BucketSource {
	return &BucketSource{bucket: bucket, prefix: prefix}
}

// List returns every daily file sorted by encoded date, then key. Keys
// that do not look like daily files are ignored.
func (s *BucketSource) List(ctx context.Context) ([]File, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})

	var files []File
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		if obj.IsDir {
			continue
		}
		if f, ok := ParseName(obj.Key); ok {
			files = append(files, f)
		}
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].DateStr != files[j].DateStr {
			return files[i].DateStr < files[j].DateStr
		}
		return files[i].Key < files[j].Key
	})
	return files, nil
}

// Read returns the decompressed content of key.
func (s *BucketSource) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	switch {
	case strings.HasSuffix(key, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip %s: %w", key, err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case strings.HasSuffix(key, ".zst"):
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd %s: %w", key, err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return io.ReadAll(r)
	}
}

// Exists reports whether the file name is present under the source prefix.
func (s *BucketSource) Exists(ctx context.Context, name string) (bool, error) {
	return s.bucket.Exists(ctx, s.prefix+name)
}

// Write stores data as name under the source prefix. The object only
// becomes visible once fully written.
func (s *BucketSource) Write(ctx context.Context, name string, data []byte) error {
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, s.prefix+name, data, opts); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *BucketSource) Close() error {
	return s.bucket.Close()
}

// ParseName recognises river_data_<YYYY-MM-DD>.json (optionally .gz or
// .zst). The second result is false for unrelated keys; a matching key with
// a bad date is returned with DateErr set.
func ParseName(key string) (File, bool) {
	base := path.Base(key)
	if !strings.HasPrefix(base, FilePrefix) {
		return File{}, false
	}
	rest := strings.TrimPrefix(base, FilePrefix)
	matched := false
	for _, suffix := range suffixes {
		if strings.HasSuffix(rest, suffix) {
			rest = strings.TrimSuffix(rest, suffix)
			matched = true
			break
		}
	}
	if !matched {
		return File{}, false
	}

	f := File{Key: key, DateStr: rest}
	d, err := observation.ParseDate(rest)
	if err != nil {
		f.DateErr = fmt.Errorf("%w: %s: %v", ErrBadFileDate, key, err)
		return f, true
	}
	f.Date = d
	return f, true
}

// FileName returns the canonical file name for a day.
func FileName(d civil.Date) string {
	return FilePrefix + d.String() + ".json"
}
