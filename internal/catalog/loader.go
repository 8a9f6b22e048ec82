package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// DefaultMaxBytes bounds the size of a class map when Loader.MaxBytes is unset
const DefaultMaxBytes = 4 << 20

// S3Client abstracts the S3 API operation used to fetch the class map.
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader fetches the class map from an http(s) URL, an s3:// object or a local file
type Loader struct {
	HTTPClient *http.Client
	S3         S3Client
	Column     string
	MaxBytes   int64 // 0 means DefaultMaxBytes
}

// Load fetches and parses the class map at source
func (l *Loader) Load(ctx context.Context, source string) (*Catalog, error) {
	rc, err := l.open(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch class map %s: %w", source, err)
	}
	defer rc.Close()

	limit := l.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}

	// Read one byte past the limit so an oversized map fails instead of loading short
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read class map %s: %w", source, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("class map %s exceeds the %d byte limit", source, limit)
	}

	c, err := Parse(bytes.NewReader(data), l.Column, source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse class map %s: %w", source, err)
	}
	return c, nil
}

func (l *Loader) open(ctx context.Context, source string) (io.ReadCloser, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return l.openHTTP(ctx, source)
	case strings.HasPrefix(source, "s3://"):
		return l.openS3(ctx, source)
	default:
		return os.Open(strings.TrimPrefix(source, "file://"))
	}
}

func (l *Loader) openHTTP(ctx context.Context, source string) (io.ReadCloser, error) {
	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "text/csv, text/plain, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp.Body, nil
}

func (l *Loader) openS3(ctx context.Context, source string) (io.ReadCloser, error) {
	if l.S3 == nil {
		return nil, errors.New("no S3 client configured")
	}

	bucket, key, err := ParseS3URI(source)
	if err != nil {
		return nil, err
	}

	out, err := l.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return nil, fmt.Errorf("s3 object %s/%s: %w", bucket, key, os.ErrNotExist)
		}
		return nil, err
	}
	return out.Body, nil
}

// ParseS3URI splits s3://bucket/key into its parts
func ParseS3URI(source string) (bucket, key string, err error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 uri %q: %w", source, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q: want s3://bucket/key", source)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q: missing object key", source)
	}
	return u.Host, key, nil
}

// S3Options configures the client built by NewS3Client
type S3Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// NewS3Client builds an S3 client from static settings. Credentials come from
// AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN; without them
// requests are sent anonymously, which works for public buckets.
func NewS3Client(opts S3Options) *s3.Client {
	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); id != "" && secret != "" {
		static := aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}
		creds = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return static, nil
		}))
	}

	return s3.New(s3.Options{
		Region:       opts.Region,
		Credentials:  creds,
		UsePathStyle: opts.UsePathStyle,
		BaseEndpoint: func() *string {
			if opts.Endpoint == "" {
				return nil
			}
			return aws.String(opts.Endpoint)
		}(),
	})
}
