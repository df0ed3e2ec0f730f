package publish

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

const shaMetaKey = "sha256"

// s3API is the subset of *s3.Client the backend uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend writes to an S3 bucket.
type S3Backend struct {
	client s3API
	bucket string
}

func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket}
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType, sum string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	}
	if strings.HasSuffix(key, "manifest.json") || strings.HasSuffix(key, ".sig") {
		in.CacheControl = aws.String("no-cache")
	}
	if sum != "" {
		in.Metadata = map[string]string{shaMetaKey: sum}
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		return xerrors.Wrapf(err, "s3 put s3://%s/%s", b.bucket, key)
	}
	return nil
}

func (b *S3Backend) Head(ctx context.Context, key string) (string, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", ErrObjectNotFound
		}
		return "", xerrors.Wrapf(err, "s3 head s3://%s/%s", b.bucket, key)
	}
	return metaLookup(out.Metadata, shaMetaKey), nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return xerrors.Wrapf(err, "s3 delete s3://%s/%s", b.bucket, key)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pg := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for pg.HasMorePages() {
		page, err := pg.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Wrapf(err, "s3 list s3://%s/%s", b.bucket, prefix)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

func isS3NotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}

// metaLookup matches user metadata keys case-insensitively; stores differ in
// how they canonicalise them.
func metaLookup(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

type ssmAPI interface {
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMPointer writes the published manifest digest to an SSM parameter.
type SSMPointer struct {
	client ssmAPI
	name   string
}

func NewSSMPointer(client *ssm.Client, name string) *SSMPointer {
	return &SSMPointer{client: client, name: name}
}

func (p *SSMPointer) SetDigest(ctx context.Context, digest string) error {
	if _, err := p.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(p.name),
		Value:     aws.String(digest),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	}); err != nil {
		return xerrors.Wrapf(err, "ssm put parameter %s", p.name)
	}
	return nil
}
