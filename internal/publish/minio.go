package publish

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

type MinioOptions struct {
	// Endpoint is host:port or an http(s) URL. A URL scheme overrides UseSSL.
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// MinioBackend writes to a MinIO (or other S3-compatible) bucket.
type MinioBackend struct {
	client *minio.Client
	bucket string
}

// NewMinioBackend connects and checks that the bucket exists.
func NewMinioBackend(ctx context.Context, o MinioOptions) (*MinioBackend, error) {
	endpoint, secure, err := normaliseEndpoint(o.Endpoint, o.UseSSL)
	if err != nil {
		return nil, xerrors.Wrap(err, "minio endpoint")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "minio client")
	}
	ok, err := client.BucketExists(ctx, o.Bucket)
	if err != nil {
		return nil, xerrors.Wrapf(err, "minio bucket check %s", o.Bucket)
	}
	if !ok {
		return nil, xerrors.Newf("minio bucket does not exist: %s", o.Bucket)
	}
	return &MinioBackend{client: client, bucket: o.Bucket}, nil
}

func (b *MinioBackend) Name() string { return "minio" }

func (b *MinioBackend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType, sum string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if strings.HasSuffix(key, "manifest.json") || strings.HasSuffix(key, ".sig") {
		opts.CacheControl = "no-cache"
	}
	if sum != "" {
		opts.UserMetadata = map[string]string{shaMetaKey: sum}
	}
	if _, err := b.client.PutObject(ctx, b.bucket, key, body, size, opts); err != nil {
		return xerrors.Wrapf(err, "minio put %s/%s", b.bucket, key)
	}
	return nil
}

func (b *MinioBackend) Head(ctx context.Context, key string) (string, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return "", ErrObjectNotFound
		}
		return "", xerrors.Wrapf(err, "minio stat %s/%s", b.bucket, key)
	}
	return metaLookup(info.UserMetadata, shaMetaKey), nil
}

func (b *MinioBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return xerrors.Wrapf(err, "minio remove %s/%s", b.bucket, key)
	}
	return nil
}

func (b *MinioBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, xerrors.Wrapf(obj.Err, "minio list %s/%s", b.bucket, prefix)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// normaliseEndpoint accepts "host:port" or "http(s)://host:port".
func normaliseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, xerrors.New("empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, xerrors.New("endpoint has no host")
	}
	if u.Path != "" && u.Path != "/" {
		return "", false, xerrors.New("endpoint must not contain a path")
	}
	switch u.Scheme {
	case "https":
		return u.Host, true, nil
	case "http":
		return u.Host, false, nil
	}
	return "", false, xerrors.Newf("unsupported endpoint scheme %q", u.Scheme)
}
