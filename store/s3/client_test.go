package s3store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/flowsmartly/avatar-worker/core"
)

type scriptedStore struct {
	mu    sync.Mutex
	puts  []*s3.PutObjectInput
	heads []*s3.HeadObjectInput
	put   func(params *s3.PutObjectInput) (*s3.PutObjectOutput, error)
	head  func(params *s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
}

func (s *scriptedStore) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.mu.Lock()
	s.puts = append(s.puts, params)
	s.mu.Unlock()
	if s.put != nil {
		return s.put(params)
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"d41d8cd9"`)}, nil
}

func (s *scriptedStore) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	s.mu.Lock()
	s.heads = append(s.heads, params)
	s.mu.Unlock()
	if s.head != nil {
		return s.head(params)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (s *scriptedStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func (s *scriptedStore) headCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heads)
}

func testStoreConfig() core.StoreConfig {
	return core.StoreConfig{
		Endpoint:  "https://storage.example",
		AccessKey: "AKIA123",
		SecretKey: "shh",
		Bucket:    "avatars",
		PathStyle: true,
	}
}

func writeArtifact(t *testing.T) (string, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "output.mp4")
	content := []byte("rendered-video-bytes")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path, int64(len(content))
}

func TestClientUpload_Success(t *testing.T) {
	artifact, size := writeArtifact(t)
	store := &scriptedStore{
		head: func(params *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return &s3.HeadObjectOutput{ContentLength: aws.Int64(size)}, nil
		},
	}
	client := NewWithAPI(store, testStoreConfig())

	result, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath:   artifact,
		Key:         "jobs/job_9/output.mp4",
		ContentType: "video/mp4",
		Metadata:    map[string]string{"job_id": "job_9"},
	})
	if err != nil {
		t.Fatalf("expected upload to succeed, got %v", err)
	}
	if result.URL != "https://storage.example/avatars/jobs/job_9/output.mp4" {
		t.Fatalf("unexpected object URL %q", result.URL)
	}
	if result.Key != "jobs/job_9/output.mp4" {
		t.Fatalf("unexpected object key %q", result.Key)
	}
	if result.Bytes != size {
		t.Fatalf("expected %d uploaded bytes, got %d", size, result.Bytes)
	}
	if result.ETag != "d41d8cd9" {
		t.Fatalf("expected trimmed etag, got %q", result.ETag)
	}

	if store.putCount() != 1 {
		t.Fatalf("expected exactly one put, got %d", store.putCount())
	}
	put := store.puts[0]
	if aws.ToString(put.Bucket) != "avatars" {
		t.Fatalf("unexpected bucket %q", aws.ToString(put.Bucket))
	}
	if aws.ToString(put.Key) != "jobs/job_9/output.mp4" {
		t.Fatalf("unexpected key %q", aws.ToString(put.Key))
	}
	if aws.ToString(put.ContentType) != "video/mp4" {
		t.Fatalf("unexpected content type %q", aws.ToString(put.ContentType))
	}
	if aws.ToInt64(put.ContentLength) != size {
		t.Fatalf("unexpected content length %d", aws.ToInt64(put.ContentLength))
	}
	if put.Metadata["job_id"] != "job_9" {
		t.Fatalf("expected job metadata on the object, got %v", put.Metadata)
	}

	if store.headCount() != 1 {
		t.Fatalf("expected exactly one confirmation head, got %d", store.headCount())
	}
	if aws.ToString(store.heads[0].Key) != "jobs/job_9/output.mp4" {
		t.Fatalf("confirmation checked the wrong key %q", aws.ToString(store.heads[0].Key))
	}
}

func TestClientUpload_TrimsLeadingSlash(t *testing.T) {
	artifact, _ := writeArtifact(t)
	store := &scriptedStore{}
	client := NewWithAPI(store, testStoreConfig())

	result, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath: artifact,
		Key:       "/jobs/job_10/output.mp4",
	})
	if err != nil {
		t.Fatalf("expected upload to succeed, got %v", err)
	}
	if aws.ToString(store.puts[0].Key) != "jobs/job_10/output.mp4" {
		t.Fatalf("expected normalized key, got %q", aws.ToString(store.puts[0].Key))
	}
	if result.URL != "https://storage.example/avatars/jobs/job_10/output.mp4" {
		t.Fatalf("unexpected object URL %q", result.URL)
	}
}

func TestClientUpload_VirtualHostURLWithoutEndpoint(t *testing.T) {
	artifact, _ := writeArtifact(t)
	cfg := testStoreConfig()
	cfg.Endpoint = ""
	cfg.Region = "eu-west-1"
	client := NewWithAPI(&scriptedStore{}, cfg)

	result, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath: artifact,
		Key:       "jobs/job_11/output.mp4",
	})
	if err != nil {
		t.Fatalf("expected upload to succeed, got %v", err)
	}
	if result.URL != "https://avatars.s3.eu-west-1.amazonaws.com/jobs/job_11/output.mp4" {
		t.Fatalf("unexpected object URL %q", result.URL)
	}
}

func TestClientUpload_AuthFailure(t *testing.T) {
	artifact, _ := writeArtifact(t)
	store := &scriptedStore{
		put: func(params *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied", Fault: smithy.FaultClient}
		},
	}
	client := NewWithAPI(store, testStoreConfig())

	_, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath: artifact,
		Key:       "jobs/job_12/output.mp4",
	})
	if err == nil {
		t.Fatalf("expected upload to fail")
	}
	kind := core.KindForError(err)
	if kind != core.ErrorKindUploadAuthFailure {
		t.Fatalf("expected upload_auth_failure, got %q", kind)
	}
	if kind.Retryable() {
		t.Fatalf("auth failures must not be retryable")
	}
	if store.headCount() != 0 {
		t.Fatalf("expected no confirmation after a failed put")
	}
}

func TestClientUpload_QuotaExceeded(t *testing.T) {
	artifact, _ := writeArtifact(t)
	store := &scriptedStore{
		put: func(params *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "SlowDown", Message: "Reduce your request rate", Fault: smithy.FaultServer}
		},
	}
	client := NewWithAPI(store, testStoreConfig())

	_, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath: artifact,
		Key:       "jobs/job_13/output.mp4",
	})
	if core.KindForError(err) != core.ErrorKindUploadQuotaExceeded {
		t.Fatalf("expected upload_quota_exceeded, got %v", err)
	}
}

func TestClientUpload_TimeoutIsRetryable(t *testing.T) {
	artifact, _ := writeArtifact(t)
	store := &scriptedStore{
		put: func(params *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, context.DeadlineExceeded
		},
	}
	client := NewWithAPI(store, testStoreConfig())

	_, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath: artifact,
		Key:       "jobs/job_14/output.mp4",
	})
	kind := core.KindForError(err)
	if kind != core.ErrorKindUploadTimeout {
		t.Fatalf("expected upload_timeout, got %q", kind)
	}
	if !kind.Retryable() {
		t.Fatalf("upload timeouts must be retryable")
	}
}

func TestClientUpload_UnreachableStore(t *testing.T) {
	artifact, _ := writeArtifact(t)
	store := &scriptedStore{
		put: func(params *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, errors.New("dial tcp 10.0.0.1:443: connection refused")
		},
	}
	client := NewWithAPI(store, testStoreConfig())

	_, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath: artifact,
		Key:       "jobs/job_15/output.mp4",
	})
	kind := core.KindForError(err)
	if kind != core.ErrorKindUploadTimeout {
		t.Fatalf("expected a retryable store fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("expected an unreachable message, got %q", err.Error())
	}
}

func TestClientUpload_UnclassifiedRejection(t *testing.T) {
	artifact, _ := writeArtifact(t)
	store := &scriptedStore{
		put: func(params *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "The bucket does not exist", Fault: smithy.FaultClient}
		},
	}
	client := NewWithAPI(store, testStoreConfig())

	_, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath: artifact,
		Key:       "jobs/job_16/output.mp4",
	})
	if core.KindForError(err) != core.ErrorKindUnknown {
		t.Fatalf("expected unknown for an unclassified store code, got %v", err)
	}
	if !strings.Contains(err.Error(), "NoSuchBucket") {
		t.Fatalf("expected the store code in the message, got %q", err.Error())
	}
}

func TestClientUpload_ConfirmationMissingObject(t *testing.T) {
	artifact, _ := writeArtifact(t)
	store := &scriptedStore{
		head: func(params *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found", Fault: smithy.FaultClient}
		},
	}
	client := NewWithAPI(store, testStoreConfig())

	result, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath: artifact,
		Key:       "jobs/job_17/output.mp4",
	})
	if err == nil {
		t.Fatalf("expected an unconfirmed write to fail the upload")
	}
	if result.URL != "" {
		t.Fatalf("an unconfirmed write must not produce a URL, got %q", result.URL)
	}
	if !strings.Contains(err.Error(), "confirmation") {
		t.Fatalf("expected a confirmation message, got %q", err.Error())
	}
	if kind := core.KindForError(err); !kind.Retryable() {
		t.Fatalf("an unconfirmed write should be retryable, got %q", kind)
	}
}

func TestClientUpload_ConfirmationSizeMismatch(t *testing.T) {
	artifact, _ := writeArtifact(t)
	store := &scriptedStore{
		head: func(params *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
			return &s3.HeadObjectOutput{ContentLength: aws.Int64(1)}, nil
		},
	}
	client := NewWithAPI(store, testStoreConfig())

	_, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath: artifact,
		Key:       "jobs/job_18/output.mp4",
	})
	if err == nil || !strings.Contains(err.Error(), "confirmation") {
		t.Fatalf("expected a size mismatch to fail confirmation, got %v", err)
	}
}

func TestClientUpload_MissingArtifact(t *testing.T) {
	store := &scriptedStore{}
	client := NewWithAPI(store, testStoreConfig())

	_, err := client.Upload(context.Background(), core.UploadRequest{
		LocalPath: filepath.Join(t.TempDir(), "missing.mp4"),
		Key:       "jobs/job_19/output.mp4",
	})
	if err == nil {
		t.Fatalf("expected a missing artifact to fail the upload")
	}
	if store.putCount() != 0 {
		t.Fatalf("expected no put for a missing artifact")
	}
}

func TestClientUpload_EmptyKeyRejected(t *testing.T) {
	artifact, _ := writeArtifact(t)
	client := NewWithAPI(&scriptedStore{}, testStoreConfig())

	_, err := client.Upload(context.Background(), core.UploadRequest{LocalPath: artifact, Key: "   "})
	if err == nil {
		t.Fatalf("expected a blank key to be rejected")
	}
}

func TestClientExists(t *testing.T) {
	store := &scriptedStore{}
	client := NewWithAPI(store, testStoreConfig())

	ok, err := client.Exists(context.Background(), "jobs/job_20/output.mp4")
	if err != nil || !ok {
		t.Fatalf("expected the object to exist, got ok=%v err=%v", ok, err)
	}

	store.head = func(params *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing", Fault: smithy.FaultClient}
	}
	ok, err = client.Exists(context.Background(), "jobs/job_21/output.mp4")
	if err != nil {
		t.Fatalf("a missing object is not an error: %v", err)
	}
	if ok {
		t.Fatalf("expected the object to be missing")
	}

	store.head = func(params *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied", Fault: smithy.FaultClient}
	}
	if _, err = client.Exists(context.Background(), "jobs/job_22/output.mp4"); err == nil {
		t.Fatalf("expected denied access to surface as an error")
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(context.Background(), core.StoreConfig{Bucket: "avatars"})
	if err == nil {
		t.Fatalf("expected missing credentials to be rejected")
	}

	_, err = New(context.Background(), core.StoreConfig{AccessKey: "AKIA", SecretKey: "shh"})
	if err == nil {
		t.Fatalf("expected a missing bucket to be rejected")
	}
}
