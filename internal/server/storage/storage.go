// Package storage holds the large binary payloads that do not belong in the
// database: attachment archives uploaded alongside a job, and the artifact
// archives agents save after a run. The backing bucket is addressed by URL,
// so deployments pick between an in-memory bucket (tests), a directory on
// disk, or any other registered gocloud driver.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("storage: object not found")

const archiveContentType = "application/gzip"

// AttachmentsKey is the bucket key for a job's attachment archive.
func AttachmentsKey(jobID string) string { return jobID + ".attachments" }

// ArtifactKey is the bucket key for a job's artifact archive.
func ArtifactKey(jobID string) string { return jobID + ".artifact" }

// ObjectStore is a thin streaming wrapper around a blob bucket.
type ObjectStore struct {
	bucket *blob.Bucket
}

// Open opens the bucket at bucketURL, e.g. "mem://" or
// "file:///var/lib/testflinger/blobs". File buckets get their directory
// created on first open.
func Open(ctx context.Context, bucketURL string) (*ObjectStore, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse bucket url %q: %w", bucketURL, err)
	}
	if u.Scheme == "file" {
		if err := os.MkdirAll(u.Path, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create bucket dir: %w", err)
		}
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("storage: open bucket %q: %w", bucketURL, err)
	}
	return &ObjectStore{bucket: bucket}, nil
}

func (s *ObjectStore) Close() error {
	return s.bucket.Close()
}

// Put streams r into the object at key, replacing any previous content.
func (s *ObjectStore) Put(ctx context.Context, key string, r io.Reader) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: archiveContentType})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// Get opens the object at key for streaming. The caller owns the returned
// reader. Missing objects return ErrNotFound.
func (s *ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	return r, nil
}

func (s *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("storage: exists %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes the object at key. Deleting a missing object is not an
// error.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// SweepOlderThan deletes every object last modified before cutoff and
// returns how many were removed. Objects deleted out from under the sweep
// are not counted as failures.
func (s *ObjectStore) SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	iter := s.bucket.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return removed, nil
		}
		if err != nil {
			return removed, fmt.Errorf("storage: sweep: %w", err)
		}
		if obj.IsDir || !obj.ModTime.Before(cutoff) {
			continue
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				continue
			}
			return removed, fmt.Errorf("storage: sweep %s: %w", obj.Key, err)
		}
		removed++
	}
}
