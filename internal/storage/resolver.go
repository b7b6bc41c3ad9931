// Package storage turns stored image references into URLs the extraction
// service can fetch.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Ref is a parsed image reference.
type Ref struct {
	Scheme string
	Bucket string
	Key    string
	URL    string
}

// ParseRef accepts s3://bucket/key and absolute http(s) URLs.
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, fmt.Errorf("empty image reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("malformed image reference: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Ref{}, fmt.Errorf("s3 reference needs a bucket and key")
		}
		return Ref{Scheme: "s3", Bucket: u.Host, Key: key}, nil
	case "http", "https":
		if u.Host == "" {
			return Ref{}, fmt.Errorf("url reference needs a host")
		}
		return Ref{Scheme: strings.ToLower(u.Scheme), URL: raw}, nil
	default:
		return Ref{}, fmt.Errorf("unsupported image reference scheme %q", u.Scheme)
	}
}

// Resolver maps references to fetchable URLs. s3 references are presigned;
// http(s) references pass through unchanged. A Resolver without a presign
// client rejects s3 references.
type Resolver struct {
	presign *s3.PresignClient
	ttl     time.Duration
}

// NewResolver loads AWS configuration from the environment.
func NewResolver(ctx context.Context, ttl time.Duration) (*Resolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewResolverFromConfig(cfg, ttl), nil
}

func NewResolverFromConfig(cfg aws.Config, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Resolver{presign: s3.NewPresignClient(s3.NewFromConfig(cfg)), ttl: ttl}
}

// Passthrough returns a Resolver that only accepts http(s) references.
func Passthrough() *Resolver {
	return &Resolver{}
}

func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	if ref.Scheme != "s3" {
		return ref.URL, nil
	}
	if r.presign == nil {
		return "", fmt.Errorf("s3 references are not configured")
	}
	req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref.Key, err)
	}
	return req.URL, nil
}
