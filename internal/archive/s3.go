// Package archive ships pruned change-log rows to S3 cold storage. The
// retention sweeper hands it batches that are already past the retention
// window; nothing is deleted upstream until the archive write confirms.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/pkg/logger"
)

// S3Archiver writes change batches as JSON-lines objects, one object per
// batch, keyed by the batch's oldest row timestamp and ID range.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds an archiver against the given bucket using the
// default AWS credential chain.
func NewS3Archiver(ctx context.Context, bucket, region string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// Archive writes one batch. The object key embeds the row ID range so a
// replayed batch overwrites its own object instead of duplicating rows.
func (a *S3Archiver) Archive(ctx context.Context, rows []domain.AllocationChange) error {
	if len(rows) == 0 {
		return nil
	}

	key := batchKey(rows)
	buf, err := encodeBatch(rows)
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("putting archive object %s: %w", key, err)
	}

	logger.Info("change batch archived",
		"bucket", a.bucket, "key", key, "rows", len(rows))
	return nil
}

// batchKey names the object after the batch's oldest day and its row ID
// range, so a replayed batch overwrites its own object instead of
// duplicating rows.
func batchKey(rows []domain.AllocationChange) string {
	minID, maxID := rows[0].ID, rows[0].ID
	oldest := rows[0].TS
	for _, r := range rows {
		if r.ID < minID {
			minID = r.ID
		}
		if r.ID > maxID {
			maxID = r.ID
		}
		if r.TS.Before(oldest) {
			oldest = r.TS
		}
	}
	return fmt.Sprintf("allocation-changes/%s/%d-%d.jsonl",
		oldest.UTC().Format("2006/01/02"), minID, maxID)
}

// encodeBatch renders the rows as JSON lines.
func encodeBatch(rows []domain.AllocationChange) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			return nil, fmt.Errorf("encoding change %d: %w", rows[i].ID, err)
		}
	}
	return &buf, nil
}
