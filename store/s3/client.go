// Package s3store uploads finished artifacts to an S3-compatible
// object store and confirms every write before handing out a URL.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	goerrors "github.com/goliatone/go-errors"

	"github.com/flowsmartly/avatar-worker/core"
)

const fallbackRegion = "us-east-1"

// s3API is the slice of the SDK client the store depends on.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type Client struct {
	api       s3API
	bucket    string
	endpoint  string
	region    string
	pathStyle bool
}

func New(ctx context.Context, cfg core.StoreConfig) (*Client, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("s3store: access credentials are not configured")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3store: bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		// Gateway endpoints ignore the region but SigV4 needs one.
		region = fallbackRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewWithAPI(api, cfg), nil
}

func NewWithAPI(api s3API, cfg core.StoreConfig) *Client {
	return &Client{
		api:       api,
		bucket:    strings.TrimSpace(cfg.Bucket),
		endpoint:  strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		region:    strings.TrimSpace(cfg.Region),
		pathStyle: cfg.PathStyle,
	}
}

func (c *Client) Upload(ctx context.Context, req core.UploadRequest) (core.UploadResult, error) {
	if c == nil || c.api == nil {
		return core.UploadResult{}, uploadError(
			"s3store: client is not configured",
			goerrors.CategoryInternal,
			500,
			core.ErrorCodeInternal,
			nil,
		)
	}
	key := strings.TrimLeft(strings.TrimSpace(req.Key), "/")
	if key == "" {
		return core.UploadResult{}, uploadError(
			"s3store: object key is required",
			goerrors.CategoryInternal,
			500,
			core.ErrorCodeInternal,
			nil,
		)
	}

	file, err := os.Open(req.LocalPath)
	if err != nil {
		return core.UploadResult{}, uploadWrapError(
			err,
			goerrors.CategoryInternal,
			"s3store: open artifact",
			500,
			core.ErrorCodeInternal,
			map[string]any{"path": req.LocalPath},
		)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return core.UploadResult{}, uploadWrapError(
			err,
			goerrors.CategoryInternal,
			"s3store: stat artifact",
			500,
			core.ErrorCodeInternal,
			map[string]any{"path": req.LocalPath},
		)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
	}
	if contentType := strings.TrimSpace(req.ContentType); contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if len(req.Metadata) > 0 {
		input.Metadata = req.Metadata
	}

	put, err := c.api.PutObject(ctx, input)
	if err != nil {
		return core.UploadResult{}, classifyStoreError(err, key)
	}

	if err := c.confirm(ctx, key, info.Size()); err != nil {
		return core.UploadResult{}, err
	}

	result := core.UploadResult{
		URL:   c.objectURL(key),
		Key:   key,
		Bytes: info.Size(),
	}
	if put != nil && put.ETag != nil {
		result.ETag = strings.Trim(aws.ToString(put.ETag), `"`)
	}
	return result, nil
}

// confirm re-reads the object's metadata after the write. A URL is
// never returned for an object the store cannot see.
func (c *Client) confirm(ctx context.Context, key string, wantBytes int64) error {
	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundAPIError(err) {
			return uploadError(
				"s3store: upload confirmation failed, object is missing",
				goerrors.CategoryOperation,
				503,
				core.ErrorCodeUploadTimeout,
				map[string]any{"key": key},
			)
		}
		return classifyStoreError(err, key)
	}
	if head != nil && head.ContentLength != nil && *head.ContentLength != wantBytes {
		return uploadError(
			fmt.Sprintf("s3store: upload confirmation failed, stored %d bytes of %d", *head.ContentLength, wantBytes),
			goerrors.CategoryOperation,
			503,
			core.ErrorCodeUploadTimeout,
			map[string]any{"key": key, "stored_bytes": *head.ContentLength, "want_bytes": wantBytes},
		)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return false, fmt.Errorf("s3store: object key is required")
	}
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundAPIError(err) {
			return false, nil
		}
		return false, classifyStoreError(err, key)
	}
	return true, nil
}

func (c *Client) objectURL(key string) string {
	if c.endpoint == "" {
		region := c.region
		if region == "" {
			region = fallbackRegion
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.bucket, region, key)
	}
	return c.endpoint + "/" + c.bucket + "/" + key
}

func classifyStoreError(err error, key string) error {
	metadata := map[string]any{"key": key}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return uploadWrapError(
			err,
			goerrors.CategoryOperation,
			"s3store: upload timed out",
			504,
			core.ErrorCodeUploadTimeout,
			metadata,
		)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		metadata["store_code"] = code
		switch code {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
			return uploadWrapError(
				err,
				goerrors.CategoryAuth,
				"s3store: store rejected the credentials",
				401,
				core.ErrorCodeUploadAuthFailure,
				metadata,
			)
		case "QuotaExceeded", "ServiceQuotaExceeded", "SlowDown", "TooManyRequests":
			return uploadWrapError(
				err,
				goerrors.CategoryRateLimit,
				"s3store: store quota exceeded",
				429,
				core.ErrorCodeUploadQuotaExceeded,
				metadata,
			)
		case "RequestTimeout":
			return uploadWrapError(
				err,
				goerrors.CategoryOperation,
				"s3store: upload timed out",
				504,
				core.ErrorCodeUploadTimeout,
				metadata,
			)
		default:
			return uploadWrapError(
				err,
				goerrors.CategoryExternal,
				fmt.Sprintf("s3store: store rejected the upload (%s)", code),
				502,
				core.ErrorCodeInternal,
				metadata,
			)
		}
	}
	// Transport-level faults are transient from the platform's view,
	// so they ride the retryable timeout code.
	return uploadWrapError(
		err,
		goerrors.CategoryOperation,
		"s3store: store unreachable",
		503,
		core.ErrorCodeUploadTimeout,
		metadata,
	)
}

func isNotFoundAPIError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey", "404":
		return true
	default:
		return false
	}
}

var _ core.ObjectStore = (*Client)(nil)
