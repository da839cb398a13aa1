package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Config holds configuration for the S3 backend.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	// SignedURLTTL bounds how long the gateway has to fetch an outbound
	// media URL. Defaults to one hour.
	SignedURLTTL time.Duration
}

// S3Storage stores media in an S3-compatible bucket and hands out presigned
// GET URLs for sending.
type S3Storage struct {
	client  *s3.Client
	presign *s3.PresignClient
	config  S3Config
}

// NewS3Storage builds the S3 client from static credentials.
func NewS3Storage(config S3Config) (*S3Storage, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	if config.AccessKey == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available")
	}
	if config.SignedURLTTL <= 0 {
		config.SignedURLTTL = time.Hour
	}

	cfg := aws.Config{
		Region:      config.Region,
		Credentials: credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
	}

	if config.Endpoint != "" {
		endpoint := config.Endpoint
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: config.PathStyle,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		cfg.EndpointResolverWithOptions = customResolver
	}

	// Buckets with dots need path-style URLs to avoid SSL certificate
	// mismatches.
	usePathStyle := config.PathStyle
	if strings.Contains(config.Bucket, ".") {
		usePathStyle = true
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	log.Info().
		Str("bucket", config.Bucket).
		Str("region", config.Region).
		Str("endpoint", config.Endpoint).
		Msg("S3 media storage initialized")

	return &S3Storage{
		client:  client,
		presign: s3.NewPresignClient(client),
		config:  config,
	}, nil
}

func (s *S3Storage) Name() string { return "s3" }

func (s *S3Storage) Put(ctx context.Context, path string, data []byte, mimeType string) error {
	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.config.Bucket),
		Key:          aws.String(path),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}

	// Inline disposition lets browsers and the gateway preview the object.
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		log.Error().
			Err(err).
			Str("key", path).
			Str("bucket", s.config.Bucket).
			Int("size", len(data)).
			Msg("Failed to upload media to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Debug().
		Str("key", path).
		Str("bucket", s.config.Bucket).
		Str("mimeType", mimeType).
		Int("size", len(data)).
		Msg("Media uploaded to S3")
	return nil
}

func (s *S3Storage) URL(ctx context.Context, path string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(s.config.SignedURLTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign media URL: %w", err)
	}
	return req.URL, nil
}

func (s *S3Storage) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete S3 object: %w", err)
	}
	return nil
}
