package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"snowpulse/config"
	"snowpulse/internal/offset"
	"snowpulse/logger"
	"snowpulse/models"
)

// objectPutter is the subset of the S3 client used by the channel.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Client uploads every append as one object under a time-partitioned
// key that carries the offset window.
type S3Client struct {
	name    string
	table   string
	cfg     config.S3Config
	version string
	s3      objectPutter
	now     func() time.Time
	log     *logger.Log
}

func NewS3Client(ctx context.Context, cfg config.S3Config, ch config.ChannelConfig, version string) (*S3Client, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_channel").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("s3_channel").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
		"format":     cfg.Format,
		"table":      ch.Table,
	}).Info("s3 client initialized")

	return newS3Client(cfg, ch, version, client), nil
}

func newS3Client(cfg config.S3Config, ch config.ChannelConfig, version string, putter objectPutter) *S3Client {
	return &S3Client{
		name:    ch.Client,
		table:   ch.Table,
		cfg:     cfg,
		version: version,
		s3:      putter,
		now:     time.Now,
		log:     logger.GetLogger(),
	}
}

func (c *S3Client) Name() string  { return c.name }
func (c *S3Client) Table() string { return c.table }

func (c *S3Client) OpenChannel(_ context.Context, name string) (IngestChannel, error) {
	c.log.WithComponent("s3_channel").WithFields(logger.Fields{"table": c.table, "channel": name}).Info("channel opened")
	return &s3Channel{name: name, client: c}, nil
}

func (c *S3Client) Close() error { return nil }

type s3Channel struct {
	name   string
	client *S3Client
}

func (ch *s3Channel) Name() string { return ch.name }

func (ch *s3Channel) AppendRows(ctx context.Context, rows []models.Envelope, startOffset, endOffset string) error {
	window, err := parseWindow(startOffset, endOffset, len(rows))
	if err != nil {
		return err
	}
	c := ch.client
	log := c.log.WithComponent("s3_channel").WithFields(logger.Fields{
		"table":        c.table,
		"channel":      ch.name,
		"start_offset": startOffset,
		"end_offset":   endOffset,
	})

	var (
		data        []byte
		contentType string
	)
	switch c.cfg.Format {
	case "parquet":
		data, err = encodeParquet(rows, window, c.cfg.Compression)
		contentType = "application/octet-stream"
	default:
		data, err = encodeNDJSON(rows)
		contentType = "application/x-ndjson"
	}
	if err != nil {
		return err
	}

	key := ch.objectKey(c.now().UTC(), window)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"channel":           ch.name,
			"start-offset":      startOffset,
			"end-offset":        endOffset,
			"format":            ch.format(),
			"snowpulse-version": c.version,
		},
	}
	if _, err := c.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", c.cfg.Bucket, err)
	}

	log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Debug("batch uploaded")
	logger.LogDataFlowEntry(log, ch.name, "s3", len(rows), "rows")
	return nil
}

func (ch *s3Channel) format() string {
	if ch.client.cfg.Format == "parquet" {
		return "parquet"
	}
	return "ndjson"
}

// objectKey builds prefix/table=T/channel=C/year=/month=/day=/hour=/start-end_uuid.ext.
func (ch *s3Channel) objectKey(ts time.Time, window offset.Window) string {
	c := ch.client
	filename := fmt.Sprintf("%020d-%020d_%s.%s", window.Start, window.End, uuid.New().String(), ch.format())
	return path.Join(
		c.cfg.Prefix,
		"table="+c.table,
		"channel="+ch.name,
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", ts.Month()),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		filename,
	)
}

func (ch *s3Channel) Close() error { return nil }
