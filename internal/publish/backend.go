package publish

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-mods/internal/xerrors"
)

// Settings selects a backend by name, as configured on the command line.
type Settings struct {
	Backend  string // "s3" or "minio"
	Bucket   string
	SSMParam string
	Minio    MinioOptions
}

// AWSConfigLoader is only called for the s3 backend.
type AWSConfigLoader func(ctx context.Context) (aws.Config, error)

// OpenBackend builds the configured backend and, for s3 with an SSM
// parameter, the digest pointer. The pointer is nil otherwise.
func OpenBackend(ctx context.Context, s Settings, loadAWS AWSConfigLoader) (Backend, Pointer, error) {
	switch s.Backend {
	case "s3":
		if loadAWS == nil {
			return nil, nil, xerrors.New("publish: aws config loader is required for s3")
		}
		awsCfg, err := loadAWS(ctx)
		if err != nil {
			return nil, nil, xerrors.Wrap(err, "publish: load aws config")
		}
		var ptr Pointer
		if s.SSMParam != "" {
			ptr = NewSSMPointer(ssm.NewFromConfig(awsCfg), s.SSMParam)
		}
		return NewS3Backend(s3.NewFromConfig(awsCfg), s.Bucket), ptr, nil
	case "minio":
		o := s.Minio
		o.Bucket = s.Bucket
		b, err := NewMinioBackend(ctx, o)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	default:
		return nil, nil, xerrors.Newf("publish: unknown backend %q", s.Backend)
	}
}
