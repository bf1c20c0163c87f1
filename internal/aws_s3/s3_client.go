package aws_s3

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/IliaW/capture-worker/config"
	"github.com/IliaW/capture-worker/internal/model"
)

type BucketClient interface {
	WriteArchive(*model.CaptureResult) string
}

type S3BucketClient struct {
	client *s3.Client
	cfg    *config.S3Config
	log    *slog.Logger
}

func NewS3BucketClient(cfg *config.S3Config, log *slog.Logger) *S3BucketClient {
	log.Info("connecting to s3...")
	ctx := context.Background()

	s3Config, err := awsCfg.LoadDefaultConfig(ctx,
		awsCfg.WithCredentialsProvider(crd.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, "")),
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithBaseEndpoint(cfg.AwsBaseEndpoint))
	if err != nil {
		log.Error("failed to load s3 config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// LocalStack needs path style addressing.
	var s3client *s3.Client
	if cfg.AwsAccessKey == "test" {
		log.Warn("test configuration for s3")
		s3client = s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	} else {
		s3client = s3.NewFromConfig(s3Config)
	}
	log.Info("connected to s3")

	return &S3BucketClient{
		client: s3client,
		cfg:    cfg,
		log:    log,
	}
}

// WriteArchive uploads the job's zip bundle and returns its public link, or "" when
// there is nothing to upload or the upload failed.
func (bc *S3BucketClient) WriteArchive(result *model.CaptureResult) string {
	if result.Archive == "" {
		bc.log.Debug("no archive to upload.", slog.String("job", result.JobID))
		return ""
	}
	f, err := os.Open(result.Archive)
	if err != nil {
		bc.log.Error("failed to open archive.", slog.String("err", err.Error()))
		return ""
	}
	defer f.Close()

	key := ArchiveKey(bc.cfg.KeyPrefix, result)
	contentType := "application/zip"
	_, err = bc.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:      &bc.cfg.BucketName,
		Key:         &key,
		Body:        f,
		ContentType: &contentType,
	})
	if err != nil {
		bc.log.Error("failed to save archive to s3.", slog.String("err", err.Error()))
		return ""
	}
	bc.log.Debug("archive saved to s3.", slog.String("key", key))

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bc.cfg.BucketName, bc.cfg.Region, key)
}

// ArchiveKey is "<prefix>/<host>/<job id>/<archive name>".
func ArchiveKey(prefix string, result *model.CaptureResult) string {
	return path.Join(prefix, result.Host, result.JobID, filepath.Base(result.Archive))
}

type NopBucketClient struct{}

func (NopBucketClient) WriteArchive(*model.CaptureResult) string { return "" }
