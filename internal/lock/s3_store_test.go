package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockObject struct {
	data []byte
	etag string
}

// mockS3Client implements S3Client with S3's conditional write semantics.
type mockS3Client struct {
	mu        sync.Mutex
	objects   map[string]mockObject
	version   int
	putCount  int
	getError  error
	dropETags bool
	beforePut func(key string)
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string]mockObject)}
}

func (m *mockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput,
	_ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	if hook := m.beforePut; hook != nil {
		hook(key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.objects[key]
	if params.IfNoneMatch != nil && *params.IfNoneMatch == "*" && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "Object already exists"}
	}
	if params.IfMatch != nil && (!exists || current.etag != *params.IfMatch) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "ETag mismatch"}
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.version++
	etag := fmt.Sprintf("%q", fmt.Sprintf("v%d", m.version))
	m.objects[key] = mockObject{data: data, etag: etag}
	m.putCount++

	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput,
	_ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getError != nil {
		return nil, m.getError
	}

	obj, exists := m.objects[aws.ToString(params.Key)]
	if !exists {
		return nil, &types.NoSuchKey{}
	}

	out := &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}
	if !m.dropETags {
		out.ETag = aws.String(obj.etag)
	}
	return out, nil
}

// overwrite replaces an object unconditionally, as a competing writer would.
func (m *mockS3Client) overwrite(key string, fn func([]byte) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj := m.objects[key]
	m.version++
	m.objects[key] = mockObject{data: fn(obj.data), etag: fmt.Sprintf("%q", fmt.Sprintf("v%d", m.version))}
}

func TestS3Store(t *testing.T) {
	runBackendSuite(t, func(t *testing.T, opts ...StoreOption) Backend[testResource] {
		return NewS3Store[testResource](newMockS3Client(), "test-bucket", "docs/", opts...)
	})
}

func TestS3Store_MutualExclusion(t *testing.T) {
	store := NewS3Store[testResource](newMockS3Client(), "test-bucket", "docs/")
	runMutualExclusion(t, store, 100)
}

func TestS3Store_DistinctSlots(t *testing.T) {
	store := NewS3Store[testResource](newMockS3Client(), "test-bucket", "docs/")
	runDistinctSlots(t, store, 50)
}

func TestS3Store_ObjectKey(t *testing.T) {
	client := newMockS3Client()
	store := NewS3Store[testResource](client, "test-bucket", "docs/")

	require.NoError(t, store.Create(context.Background(), "r1", newTestResource("r1")))

	_, ok := client.objects["docs/r1.json"]
	assert.True(t, ok)
}

func TestS3Store_RetriesOnConcurrentWrite(t *testing.T) {
	client := newMockS3Client()
	store := NewS3Store[testResource](client, "test-bucket", "docs/")
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "r1", newTestResource("r1", "a", "b")))

	// A competing writer updates the object between our read and our conditional PUT,
	// once. The store must re-read and apply its change on top of the new version.
	var once sync.Once
	client.beforePut = func(key string) {
		once.Do(func() {
			client.overwrite(key, func(data []byte) []byte {
				return bytes.Replace(data, []byte(`"name":"resource r1"`), []byte(`"name":"renamed"`), 1)
			})
		})
	}

	doc, err := store.AcquireLock(ctx, slotsSelector(), "r1", "b", 5)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "renamed", doc.Name)
	assert.NotEmpty(t, doc.Slots[1].LockID)
}

func TestS3Store_ConflictLimit(t *testing.T) {
	client := newMockS3Client()
	store := NewS3Store[testResource](client, "test-bucket", "docs/")
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "r1", newTestResource("r1")))

	client.beforePut = func(key string) {
		client.overwrite(key, func(data []byte) []byte { return data })
	}

	_, err := store.AcquireLock(ctx, selfSelector(), "r1", "", 5)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestS3Store_GetError(t *testing.T) {
	client := newMockS3Client()
	store := NewS3Store[testResource](client, "test-bucket", "docs/")
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "r1", newTestResource("r1")))

	boom := errors.New("network down")
	client.getError = boom

	_, err := store.AcquireLock(ctx, selfSelector(), "r1", "", 5)
	assert.ErrorIs(t, err, boom)

	_, err = store.Get(ctx, "r1")
	assert.ErrorIs(t, err, boom)
}

func TestS3Store_RefusesWriteWithoutETag(t *testing.T) {
	client := newMockS3Client()
	store := NewS3Store[testResource](client, "test-bucket", "docs/")
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "r1", newTestResource("r1", "a")))
	puts := client.putCount
	client.dropETags = true

	doc, err := store.AcquireLock(ctx, slotsSelector(), "r1", "a", 5)
	assert.ErrorIs(t, err, ErrUnversioned)
	assert.Nil(t, doc)
	assert.Equal(t, puts, client.putCount, "no unconditional write may reach the bucket")

	l := New[testResource](store, slotsSelector())
	_, err = l.Acquire(ctx, "r1", "a", WithTimeout(0))
	assert.ErrorIs(t, err, ErrUnversioned)

	client.dropETags = false
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.Slots[0].Locked())
}
