package backend

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/mheily/mosaicfs/pkg/errors"
)

// S3Config configures an S3Adapter. B2 is wired through the same
// adapter with ForcePathStyle and a custom Endpoint, since the B2 S3
// compatibility API speaks the same SigV4 wire protocol.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	StorageClass    string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Adapter replicates files to an S3- or B2-compatible bucket via
// aws-sdk-go-v2.
type S3Adapter struct {
	client *s3.Client
	bucket string
	class  types.StorageClass
}

// NewS3Adapter builds an S3Adapter, loading credentials from cfg when
// present and falling back to the SDK's default credential chain.
func NewS3Adapter(cfg S3Config) (*S3Adapter, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, errors.New(errors.Internal, "load AWS config").WithCause(err).WithComponent("backend.s3")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Adapter{
		client: client,
		bucket: cfg.Bucket,
		class:  types.StorageClass(cfg.StorageClass),
	}, nil
}

func translateS3Error(err error, op, key string) error {
	var nf *types.NoSuchKey
	if stderrors.As(err, &nf) {
		return errors.New(errors.NotFound, "object not found").WithPath(key).WithOperation(op)
	}
	var respErr *smithyhttp.ResponseError
	if stderrors.As(err, &respErr) {
		kind := errors.BackendError
		retryable := respErr.HTTPStatusCode() >= 500
		if errors.IsTransportMessage(err.Error()) {
			kind = errors.Transport
			retryable = true
		}
		e := errors.New(kind, "S3 request failed").WithCause(err).WithOperation(op).WithPath(key)
		e.Retryable = retryable
		return e
	}
	if errors.IsTransportMessage(err.Error()) {
		e := errors.New(errors.Transport, err.Error()).WithCause(err).WithOperation(op).WithPath(key)
		e.Retryable = true
		return e
	}
	return errors.New(errors.BackendError, "S3 request failed").WithCause(err).WithOperation(op).WithPath(key)
}

// Upload puts data at key, applying the backend's configured storage
// class when set.
func (a *S3Adapter) Upload(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if a.class != "" {
		input.StorageClass = a.class
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return translateS3Error(err, "PutObject", key)
	}
	return nil
}

// Download fetches the full object at key.
func (a *S3Adapter) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateS3Error(err, "GetObject", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.New(errors.Transport, "read S3 object body").WithCause(err).WithPath(key)
	}
	return data, nil
}

// Delete removes the object at key.
func (a *S3Adapter) Delete(ctx context.Context, key string) error {
	if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return translateS3Error(err, "DeleteObject", key)
	}
	return nil
}

// List enumerates keys under prefix using ListObjectsV2, paging
// through all continuation tokens.
func (a *S3Adapter) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, translateS3Error(err, "ListObjectsV2", prefix)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}
