// Package s3 implements files.Store on top of an S3 bucket. Artifacts live
// under the canonical key shape "files/<id>-<sanitized filename>" with the
// upload attributes carried as object metadata, so a bucket populated by
// one gateway instance is readable by any other.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"goa.design/clue/log"

	"goa.design/aigw/files"
)

type (
	// API mirrors the subset of the AWS S3 client used by the store. It
	// matches *s3.Client so callers can pass either the real client or a
	// mock in tests.
	API interface {
		PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
		GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
		HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
		ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
		DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
		HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	}

	// Options configures the store.
	Options struct {
		// Client provides access to S3. Required.
		Client API
		// Bucket holds the artifacts. Required.
		Bucket string
		// Uploader tags stored objects. Defaults to "aigw".
		Uploader string
	}

	// Store implements files.Store over an S3 bucket.
	Store struct {
		client   API
		bucket   string
		uploader string
	}
)

const (
	keyPrefix = "files/"

	metaFileID   = "file_id"
	metaFilename = "original_filename"
	metaPurpose  = "purpose"
	metaUploader = "uploaded_by"

	defaultUploader = "aigw"
	storeName       = "files-s3"
)

// New builds a Store from the provided options.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	uploader := opts.Uploader
	if uploader == "" {
		uploader = defaultUploader
	}
	return &Store{
		client:   opts.Client,
		bucket:   opts.Bucket,
		uploader: uploader,
	}, nil
}

func (s *Store) Name() string {
	return storeName
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

// Put stores content under the canonical key for the record's id.
func (s *Store) Put(ctx context.Context, rec *files.Record, content []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(rec.ID, rec.Filename)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(rec.MediaType),
		Metadata: map[string]string{
			metaFileID:   rec.ID,
			metaFilename: rec.Filename,
			metaPurpose:  rec.Purpose,
			metaUploader: s.uploader,
		},
	})
	return err
}

// Head returns the record for id.
func (s *Store) Head(ctx context.Context, id string) (*files.Record, error) {
	key, head, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return record(id, key, head), nil
}

// Get returns the record and content for id.
func (s *Store) Get(ctx context.Context, id string) (*files.Record, []byte, error) {
	key, head, err := s.lookup(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, classify(err)
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, err
	}
	return record(id, key, head), content, nil
}

// List returns up to limit records, newest first. Objects whose metadata
// cannot be read are skipped.
func (s *Store) List(ctx context.Context, limit int) ([]*files.Record, error) {
	list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(keyPrefix),
		MaxKeys: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, classify(err)
	}
	recs := make([]*files.Record, 0, len(list.Contents))
	for _, obj := range list.Contents {
		key := aws.ToString(obj.Key)
		id, _, ok := parseKey(key)
		if !ok {
			continue
		}
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			log.Warnf(ctx, "files: head %s: %v", key, err)
			continue
		}
		recs = append(recs, record(id, key, head))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

// Delete removes the artifact for id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	key, _, err := s.lookup(ctx, id)
	if errors.Is(err, files.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// lookup resolves an artifact id to its object key and attributes. Ids map
// to keys by prefix search so the store never needs a secondary index.
func (s *Store) lookup(ctx context.Context, id string) (string, *s3.HeadObjectOutput, error) {
	list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(keyPrefix + id + "-"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return "", nil, classify(err)
	}
	if len(list.Contents) == 0 {
		return "", nil, files.ErrNotFound
	}
	key := aws.ToString(list.Contents[0].Key)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", nil, classify(err)
	}
	return key, head, nil
}

func record(id, key string, head *s3.HeadObjectOutput) *files.Record {
	filename := head.Metadata[metaFilename]
	if filename == "" {
		if _, name, ok := parseKey(key); ok {
			filename = name
		} else {
			filename = key
		}
	}
	purpose := head.Metadata[metaPurpose]
	if purpose == "" {
		purpose = "unknown"
	}
	mediaType := aws.ToString(head.ContentType)
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return &files.Record{
		ID:        id,
		Filename:  filename,
		MediaType: mediaType,
		Size:      aws.ToInt64(head.ContentLength),
		Purpose:   purpose,
		Status:    files.StatusUploaded,
		CreatedAt: aws.ToTime(head.LastModified),
	}
}

func objectKey(id, filename string) string {
	return keyPrefix + id + "-" + sanitizeFilename(filename)
}

// parseKey splits a canonical object key back into artifact id and
// filename.
func parseKey(key string) (id, filename string, ok bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok || !strings.HasPrefix(rest, "file-") {
		return "", "", false
	}
	hexPart, name, found := strings.Cut(strings.TrimPrefix(rest, "file-"), "-")
	if !found || hexPart == "" || name == "" {
		return "", "", false
	}
	return "file-" + hexPart, name, true
}

// sanitizeFilename keeps object keys portable: anything outside
// [A-Za-z0-9._-] becomes an underscore.
func sanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return files.ErrNotFound
		}
	}
	return err
}
