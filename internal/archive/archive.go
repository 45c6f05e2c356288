// Package archive keeps an append-only audit trail of payout batches in an
// S3-compatible bucket. Every state a batch passes through gets its own
// object, so history survives later database edits.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Timeout         time.Duration
}

type ObjectPutter interface {
	PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archive struct {
	config *Config
	client ObjectPutter
	log    *slog.Logger
}

// NewS3Client builds an S3 client for the configured endpoint. An empty
// endpoint means AWS itself.
func NewS3Client(ctx context.Context, cfg *Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func New(config *Config, client ObjectPutter) *S3Archive {
	return &S3Archive{
		config: config,
		client: client,
		log:    slog.With("component", "archive"),
	}
}

type record struct {
	ArchivedAt time.Time          `json:"archivedAt"`
	Batch      *types.PayoutBatch `json:"batch"`
}

// Key is the object key for one state of a batch.
func Key(batch *types.PayoutBatch) string {
	return fmt.Sprintf("payouts/cycle-%d/%s/v%04d-%s.json",
		batch.CycleID, batch.ID, batch.Version, batch.Status)
}

func (a *S3Archive) ArchiveBatch(ctx context.Context, batch *types.PayoutBatch) error {
	body, err := json.Marshal(record{ArchivedAt: time.Now().UTC(), Batch: batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	key := Key(batch)
	_, err = a.client.PutObject(ctxWithTimeout, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.log.Debug("Archived batch", "key", key)
	return nil
}
