package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	appchat "chatsync/internal/app/chat"
)

// DefaultURLTTL is how long a signed avatar URL stays valid.
const DefaultURLTTL = time.Hour

// Signer turns avatar object keys into time-limited GET URLs.
type Signer struct {
	bucket string
	ttl    time.Duration
	client *minio.Client
	logger *slog.Logger
}

// SignerConfig configures a Signer. PublicEndpoint is the host clients will
// fetch from; it is the one the URL is signed for.
type SignerConfig struct {
	Endpoint       string
	PublicEndpoint string
	UseSSL         bool
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	TTL            time.Duration
}

// NewSigner configures a signer. Signing is local; no request is made to
// the object store.
func NewSigner(cfg SignerConfig, logger *slog.Logger) (*Signer, error) {
	endpoint := strings.TrimSpace(cfg.PublicEndpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(cfg.Endpoint)
	}
	if endpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}

	secure := cfg.UseSSL
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Scheme == "https" {
		secure = true
	}
	client, err := minio.New(parseEndpoint(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Signer{bucket: bucket, ttl: ttl, client: client, logger: logger}, nil
}

// SignAvatar returns a presigned GET URL for ref. Absolute http(s) refs are
// returned unchanged.
func (s *Signer) SignAvatar(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("s3: avatar ref is required")
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	key := strings.Trim(ref, "/")
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("s3: presign %s: %w", key, err)
	}
	if s.logger != nil {
		s.logger.Debug("avatar url signed", "bucket", s.bucket, "key", key, "ttl", s.ttl)
	}
	return u.String(), nil
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var _ appchat.AvatarSigner = (*Signer)(nil)
