package upload

import (
	"context"
	"fmt"
	"time"

	appcfg "teamchat/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
)

// Service hands out presigned PUT URLs so clients upload attachments
// directly to object storage; the chat core only ever sees the resulting
// descriptor.
type Service struct {
	cfg       appcfg.Config
	refresher *Refresher
}

// NewService builds the upload service. With STSRoleARN set, session
// credentials come from the background refresher; otherwise the static keys
// from the config are used.
func NewService(ctx context.Context, cfg appcfg.Config) (*Service, error) {
	s := &Service{cfg: cfg}
	if cfg.STSRoleARN != "" {
		base, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
		if err != nil {
			return nil, err
		}
		s.refresher = NewRefresher(sts.NewFromConfig(base), cfg.STSRoleARN, cfg.STSSessionDuration)
	}
	return s, nil
}

// Refresher exposes the background credential task, nil when static keys are
// in use.
func (s *Service) Refresher() *Refresher { return s.refresher }

func (s *Service) awsConfig(ctx context.Context) (aws.Config, error) {
	var provider aws.CredentialsProvider
	if s.refresher != nil {
		provider = aws.CredentialsProviderFunc(s.refresher.Credentials)
	} else {
		provider = credentials.NewStaticCredentialsProvider(s.cfg.S3AccessKey, s.cfg.S3SecretKey, "")
	}
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(s.cfg.S3Region),
		awsconfig.WithCredentialsProvider(provider))
}

// PresignPut returns a storage key and a URL the client can PUT the file to
// within the next 15 minutes.
func (s *Service) PresignPut(ctx context.Context, contentType string) (string, string, error) {
	cfg, err := s.awsConfig(ctx)
	if err != nil {
		return "", "", err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.S3Endpoint)
		}
		o.UsePathStyle = s.cfg.S3Endpoint != ""
	})
	presigner := s3.NewPresignClient(client)

	d := time.Now()
	key := fmt.Sprintf("attachments/%d/%02d/%02d/%v", d.Year(), int(d.Month()), d.Day(), uuid.New())
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.S3Bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	req, err := presigner.PresignPutObject(ctx, in, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", "", err
	}
	return key, req.URL, nil
}
