package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/model-tiers/internal/config"
	"github.com/gftdcojp/model-tiers/internal/types"
	"go.uber.org/zap"
)

// mockS3 is an in-memory S3 implementation for testing.
type mockS3 struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	classes  map[string]s3types.StorageClass
	putErr   error
	getErr   error
	delErr   error
	headErr  error
	pageSize int
}

func newMockS3() *mockS3 {
	return &mockS3{
		objects: make(map[string][]byte),
		classes: make(map[string]s3types.StorageClass),
	}
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(params.Body)
	if params.ContentLength != nil && *params.ContentLength != int64(len(data)) {
		return nil, fmt.Errorf("content length %d does not match body %d", *params.ContentLength, len(data))
	}
	m.mu.Lock()
	m.objects[*params.Key] = data
	m.classes[*params.Key] = params.StorageClass
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.delErr != nil {
		return nil, m.delErr
	}
	m.mu.Lock()
	delete(m.objects, *params.Key)
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(params.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	startAfter := aws.ToString(params.ContinuationToken)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		if startAfter != "" && k <= startAfter {
			continue
		}
		if m.pageSize > 0 && len(out.Contents) == m.pageSize {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = out.Contents[len(out.Contents)-1].Key
			break
		}
		out.Contents = append(out.Contents, s3types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(m.objects[k]))),
		})
	}
	return out, nil
}

// streamOnly hides the Seeker of the wrapped reader.
type streamOnly struct{ r io.Reader }

func (s streamOnly) Read(p []byte) (int, error) { return s.r.Read(p) }

func newTestBlobStore(t *testing.T) (*Store, *mockS3) {
	t.Helper()
	mock := newMockS3()
	store := NewStore(mock, config.BlobCacheConfig{
		Bucket: "test-bucket",
		Prefix: "test",
	}, zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store, mock
}

func TestBlobStore_PutGet(t *testing.T) {
	store, mock := newTestBlobStore(t)
	ctx := context.Background()

	n, err := store.Put(ctx, "llama", strings.NewReader("weights"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("expected 7 bytes, got %d", n)
	}

	mock.mu.RLock()
	_, ok := mock.objects["test/payloads/llama.blob"]
	mock.mu.RUnlock()
	if !ok {
		t.Fatal("payload not uploaded under the prefixed key")
	}

	rc, size, err := store.Get(ctx, "llama")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "weights" || size != 7 {
		t.Errorf("unexpected payload %q (%d)", data, size)
	}
}

func TestBlobStore_PutStreamSpools(t *testing.T) {
	store, _ := newTestBlobStore(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("x"), 64*1024)
	n, err := store.Put(ctx, "stream", streamOnly{bytes.NewReader(payload)})
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(payload)) {
		t.Errorf("expected %d bytes, got %d", len(payload), n)
	}
}

func TestBlobStore_StorageClass(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, config.BlobCacheConfig{Bucket: "b", StorageClass: "STANDARD_IA"}, zap.NewNop())
	store.Put(context.Background(), "a", strings.NewReader("1"))

	if got := mock.classes["payloads/a.blob"]; got != s3types.StorageClassStandardIa {
		t.Errorf("storage class = %q, want STANDARD_IA", got)
	}
}

func TestBlobStore_GetMissing(t *testing.T) {
	store, _ := newTestBlobStore(t)
	_, _, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBlobStore_DeleteAndExists(t *testing.T) {
	store, mock := newTestBlobStore(t)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "a")
	if err != nil || exists {
		t.Fatalf("expected not exists before put, got %v %v", exists, err)
	}

	store.Put(ctx, "a", strings.NewReader("1"))
	if exists, _ := store.Exists(ctx, "a"); !exists {
		t.Error("expected exists after put")
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	mock.mu.RLock()
	remaining := len(mock.objects)
	mock.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected 0 objects after delete, got %d", remaining)
	}
}

func TestBlobStore_ExistsError(t *testing.T) {
	store, mock := newTestBlobStore(t)
	mock.headErr = fmt.Errorf("access denied")
	if _, err := store.Exists(context.Background(), "a"); err == nil {
		t.Fatal("expected error for a failed head request")
	}
}

func TestBlobStore_StatsPaginates(t *testing.T) {
	store, mock := newTestBlobStore(t)
	mock.pageSize = 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Put(ctx, fmt.Sprintf("m%d", i), strings.NewReader("abc"))
	}
	// Objects outside the payload prefix are not counted.
	mock.objects["other/key"] = []byte("zzz")

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.EntryCount != 5 || stats.TotalBytes != 15 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestBlobStore_PutS3Error(t *testing.T) {
	store, mock := newTestBlobStore(t)
	mock.putErr = fmt.Errorf("simulated S3 error")

	_, err := store.Put(context.Background(), "a", strings.NewReader("1"))
	if err == nil {
		t.Fatal("expected error from Put")
	}
	if !strings.Contains(err.Error(), "S3") {
		t.Fatalf("expected S3 error, got: %v", err)
	}
}

func TestBlobStore_GetS3Error(t *testing.T) {
	store, mock := newTestBlobStore(t)
	mock.getErr = fmt.Errorf("simulated S3 error")

	if _, _, err := store.Get(context.Background(), "a"); err == nil {
		t.Fatal("expected error from Get")
	} else if errors.Is(err, types.ErrNotFound) {
		t.Fatal("a transport error must not be reported as not found")
	}
}

func TestBlobStore_ConcurrentPutGet(t *testing.T) {
	store, _ := newTestBlobStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("r%d", n%5)
			if _, err := store.Put(ctx, name, strings.NewReader(name)); err != nil {
				t.Errorf("Put: %v", err)
				return
			}
			rc, _, err := store.Get(ctx, name)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			rc.Close()
		}(i)
	}
	wg.Wait()
}
