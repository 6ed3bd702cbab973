package artifacts

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kuitang/browser-inspector/internal/urlutil"
)

// KeyPrefix is prepended to every uploaded screenshot.
const KeyPrefix = "screenshots/"

// Uploader publishes a local file and returns where it can be fetched.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// S3Config holds the configuration for creating an S3Uploader.
type S3Config struct {
	// Endpoint is the S3 endpoint URL. Empty means AWS S3.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// PublicURL is the base URL objects are served from. Empty falls back
	// to <endpoint>/<bucket>.
	PublicURL string
	// UsePathStyle is needed by most S3-compatible services and gofakes3.
	UsePathStyle bool
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// S3Uploader stores screenshots in a bucket.
type S3Uploader struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

var _ Uploader = (*S3Uploader)(nil)

// NewS3Uploader loads AWS configuration (static keys when both are given,
// the default chain otherwise) and returns an uploader for cfg.Bucket.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("artifacts: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	sdkConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifacts: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	publicURL := cfg.PublicURL
	if publicURL == "" && cfg.Endpoint != "" {
		publicURL = urlutil.BuildAbsolute(cfg.Endpoint, cfg.Bucket)
	}
	return NewS3UploaderFromClient(client, cfg.Bucket, publicURL), nil
}

// NewS3UploaderFromClient wraps an existing client.
func NewS3UploaderFromClient(client *s3.Client, bucket, publicURL string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, publicURL: publicURL}
}

// Upload puts the file at localPath under KeyPrefix + its base name and
// returns the public URL.
func (u *S3Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("artifacts: open %q: %w", localPath, err)
	}
	defer f.Close()

	key := path.Join(strings.TrimSuffix(KeyPrefix, "/"), filepath.Base(localPath))
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("artifacts: put object %q: %w", key, err)
	}
	return u.PublicURL(key), nil
}

// PublicURL returns the URL an uploaded key is served from.
func (u *S3Uploader) PublicURL(key string) string {
	return urlutil.ObjectURL(u.publicURL, u.bucket, key)
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
