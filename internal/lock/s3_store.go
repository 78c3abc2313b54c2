package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of the S3 API used by S3Store.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput,
		optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput,
		optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps each document as a JSON object. Writes are conditional on the ETag read
// just before (If-Match), and creation on the key being absent (If-None-Match: *), so a
// concurrent writer makes the PUT fail with PreconditionFailed and the operation is
// retried against the new version.
type S3Store[P any] struct {
	client S3Client
	bucket string
	prefix string
	opts   storeOptions
}

// NewS3Store creates a store writing objects under prefix in bucket.
func NewS3Store[P any](client S3Client, bucket, prefix string, opts ...StoreOption) *S3Store[P] {
	return &S3Store[P]{
		client: client,
		bucket: bucket,
		prefix: prefix,
		opts:   newStoreOptions("s3", opts),
	}
}

// LeaseDuration implements Store.
func (s *S3Store[P]) LeaseDuration() time.Duration { return s.opts.lease }

// Create implements Documents.
func (s *S3Store[P]) Create(ctx context.Context, id string, doc *P) error {
	if id == "" || doc == nil {
		return fmt.Errorf("%w: id and document are required", ErrInvalidArgument)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(id)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isAWSErrorCode(err, "PreconditionFailed") {
			return fmt.Errorf("%w: %s", ErrDocumentExists, id)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// Get implements Documents.
func (s *S3Store[P]) Get(ctx context.Context, id string) (*P, error) {
	doc, _, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return doc, nil
}

// AcquireLock implements Store.
func (s *S3Store[P]) AcquireLock(ctx context.Context, sel Selector[P], parentID, targetID string, staleMultiplier int) (*P, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}
	if err := checkStaleMultiplier(staleMultiplier); err != nil {
		return nil, err
	}

	lockID := s.opts.newID()
	doc, err := s.mutate(ctx, parentID, func(doc *P) bool {
		until, staleBefore := s.opts.leaseWindow(staleMultiplier)
		return applyAcquire(doc, sel, targetID, lockID, until, staleBefore)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	s.opts.trace("acquire", sel, parentID, targetID, doc != nil)
	return doc, nil
}

// RefreshLock implements Store.
func (s *S3Store[P]) RefreshLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return false, err
	}
	if err := checkLockID(lockID); err != nil {
		return false, err
	}

	doc, err := s.mutate(ctx, parentID, func(doc *P) bool {
		until, _ := s.opts.leaseWindow(0)
		return applyRefresh(doc, sel, targetID, lockID, until)
	})
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock: %w", err)
	}
	s.opts.trace("refresh", sel, parentID, targetID, doc != nil)
	return doc != nil, nil
}

// ReleaseLock implements Store.
func (s *S3Store[P]) ReleaseLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return false, err
	}
	if err := checkLockID(lockID); err != nil {
		return false, err
	}

	doc, err := s.mutate(ctx, parentID, func(doc *P) bool {
		return applyRelease(doc, sel, targetID, lockID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	s.opts.trace("release", sel, parentID, targetID, doc != nil)
	return true, nil
}

// GetLockedEntity implements Store.
func (s *S3Store[P]) GetLockedEntity(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (*P, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}
	if err := checkLockID(lockID); err != nil {
		return nil, err
	}

	doc, _, err := s.read(ctx, parentID)
	if err != nil || doc == nil {
		return nil, err
	}
	if !holds(doc, sel, targetID, lockID) {
		return nil, nil
	}
	return doc, nil
}

func (s *S3Store[P]) key(id string) string {
	return s.prefix + id + ".json"
}

// read returns the document and its ETag, or nil if the object does not exist.
func (s *S3Store[P]) read(ctx context.Context, id string) (*P, string, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) || isAWSErrorCode(err, "NoSuchKey") {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to get document: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read document: %w", err)
	}
	doc, err := decodeDocument[P](data)
	if err != nil {
		return nil, "", err
	}
	return doc, aws.ToString(result.ETag), nil
}

// mutate reads the document, applies fn and writes it back conditioned on the ETag it
// read. It returns nil when the object is absent or fn did not match.
func (s *S3Store[P]) mutate(ctx context.Context, id string, fn func(*P) bool) (*P, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		doc, etag, err := s.read(ctx, id)
		if err != nil || doc == nil {
			return nil, err
		}
		if etag == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnversioned, s.key(id))
		}
		if !fn(doc) {
			return nil, nil
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode document: %w", err)
		}

		input := &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key(id)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
			IfMatch:     aws.String(etag),
		}

		_, err = s.client.PutObject(ctx, input)
		if err == nil {
			return doc, nil
		}
		if !isAWSErrorCode(err, "PreconditionFailed") && !isAWSErrorCode(err, "ConditionalRequestConflict") {
			return nil, err
		}
		s.opts.logger.Trace().Str("key", s.key(id)).Int("attempt", attempt+1).Msg("s3 conditional write conflict, retrying")
	}

	return nil, fmt.Errorf("%w: %s", ErrConflict, id)
}

func isAWSErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == code
	}
	return false
}
