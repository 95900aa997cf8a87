package sink

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"candleflow/internal/market"
	"candleflow/logger"
)

// S3MirrorOptions configures the optional S3 copy of file-backed outputs.
type S3MirrorOptions struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Mirror decorates a file-backed sink and uploads every completed file to
// S3 after a successful write. Reads and non-file operations pass through.
// Upload failures are logged and surfaced but never undo the local write.
type S3Mirror struct {
	inner  Sink
	files  FileBacked
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Log
}

// NewS3Mirror wraps inner, which must produce local files. Static
// credentials are used when provided, the default chain otherwise.
func NewS3Mirror(inner Sink, opts S3MirrorOptions) (*S3Mirror, error) {
	files, ok := inner.(FileBacked)
	if !ok {
		return nil, fmt.Errorf("s3 mirror requires a file-backed sink")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 mirror bucket not configured")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	m := &S3Mirror{
		inner:  inner,
		files:  files,
		client: s3.NewFromConfig(awsCfg),
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		log:    logger.GetLogger(),
	}
	m.log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"bucket": opts.Bucket,
		"prefix": opts.Prefix,
	}).Info("s3 mirror enabled")
	return m, nil
}

func (m *S3Mirror) ReadCandles(ctx context.Context, symbol string, tf market.Timeframe) ([]market.Candle, error) {
	return m.inner.ReadCandles(ctx, symbol, tf)
}

func (m *S3Mirror) WriteSeries(ctx context.Context, candles []market.Candle) error {
	if err := m.inner.WriteSeries(ctx, candles); err != nil {
		return err
	}
	return m.upload(ctx)
}

func (m *S3Mirror) AppendCandles(ctx context.Context, candles []market.Candle) error {
	if err := m.inner.AppendCandles(ctx, candles); err != nil {
		return err
	}
	return m.upload(ctx)
}

func (m *S3Mirror) AppendTrades(ctx context.Context, trades []market.Trade) error {
	if err := m.inner.AppendTrades(ctx, trades); err != nil {
		return err
	}
	return m.upload(ctx)
}

func (m *S3Mirror) upload(ctx context.Context) error {
	file := m.files.LastWrittenFile()
	if file == "" {
		return nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s for mirror: %w", file, err)
	}

	key := path.Join(m.prefix, filepath.Base(file))
	log := m.log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"bucket":    m.bucket,
		"s3_key":    key,
		"data_size": len(data),
	})

	// Shutdown must not abandon an upload for a file already on disk.
	_, err = m.client.PutObject(context.WithoutCancel(ctx), &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		log.WithError(err).Error("mirror upload failed")
		return fmt.Errorf("mirror %s to s3://%s/%s: %w", file, m.bucket, key, err)
	}
	log.Debug("mirror upload complete")
	return nil
}

func (m *S3Mirror) Close() error { return m.inner.Close() }
