// Package s3remote implements a remote.Client on an S3-compatible bucket.
//
// Object ETags serve as revisions and upload preconditions are sent as
// If-Match conditional writes, so two devices racing to upload cannot
// silently overwrite each other.
package s3remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/todosync/todosync/internal/remote"
)

func init() {
	remote.Register(remote.KindS3, func(opts remote.Options) (remote.Client, error) {
		return New(context.Background(), opts)
	})
}

// API is the subset of the S3 client used here.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client stores files as objects in one bucket.
type Client struct {
	api    API
	bucket string
	prefix string
}

// New creates a client from the default AWS credential chain.
func New(ctx context.Context, opts remote.Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket cannot be empty")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(&http.Client{Timeout: opts.Timeout}),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewWithAPI(api, opts.Bucket, opts.Prefix), nil
}

// NewWithAPI creates a client on an existing S3 API implementation.
func NewWithAPI(api API, bucket, prefix string) *Client {
	return &Client{api: api, bucket: bucket, prefix: prefix}
}

func (c *Client) key(path, name string) string {
	return remote.Key(remote.Key(c.prefix, path), name)
}

// GetMetadata implements remote.Client.
func (c *Client) GetMetadata(ctx context.Context, path, name string) (remote.Metadata, error) {
	key := c.key(path, name)
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		kind := classify(err)
		if errors.Is(kind, remote.ErrNotFound) {
			return remote.Metadata{Exists: false}, nil
		}
		return remote.Metadata{}, remote.Wrap("get_metadata", key, kind, err)
	}
	return remote.Metadata{Exists: true, Revision: aws.ToString(out.ETag)}, nil
}

// Download implements remote.Client.
func (c *Client) Download(ctx context.Context, path, name string) ([]byte, string, error) {
	key := c.key(path, name)
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", remote.Wrap("download", key, classify(err), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", remote.Wrap("download", key, remote.ErrTransport, err)
	}
	return data, aws.ToString(out.ETag), nil
}

// Upload implements remote.Client.
func (c *Client) Upload(ctx context.Context, path, name string, precondition *string, data []byte) (string, error) {
	key := c.key(path, name)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("text/plain; charset=utf-8"),
		IfMatch:       precondition,
	}
	if precondition == nil {
		in.IfNoneMatch = aws.String("*")
	}
	out, err := c.api.PutObject(ctx, in)
	if err != nil {
		kind := classify(err)
		if precondition != nil && errors.Is(kind, remote.ErrNotFound) {
			kind = remote.ErrPreconditionFailed
		}
		return "", remote.Wrap("upload", key, kind, err)
	}
	return aws.ToString(out.ETag), nil
}

// classify maps an SDK error onto a remote sentinel.
func classify(err error) error {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return remote.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return remote.ErrNotFound
		case "PreconditionFailed", "ConditionalRequestConflict":
			return remote.ErrPreconditionFailed
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return remote.ErrUnauthorized
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return remote.ErrRateLimited
		case "InternalError", "ServiceUnavailable":
			return remote.ErrServer
		case "InvalidArgument", "InvalidRequest", "MalformedXML", "InvalidBucketName", "NoSuchBucket":
			return remote.ErrRejected
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch code := status.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return remote.ErrNotFound
		case code == http.StatusPreconditionFailed || code == http.StatusConflict:
			return remote.ErrPreconditionFailed
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return remote.ErrUnauthorized
		case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
			return remote.ErrRateLimited
		case code >= 500:
			return remote.ErrServer
		case code >= 400:
			return remote.ErrRejected
		}
	}
	return remote.ErrTransport
}
