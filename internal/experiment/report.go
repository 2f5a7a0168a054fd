package experiment

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/observability"
	"github.com/umr-dbs/cachemesh/internal/resilience"
)

// ToCSV renders a set of RunResults as a flat CSV table: one row per run,
// one row per per-query outcome within the run would be too fine-grained
// for the cross-experiment comparisons this report feeds, so rows are
// aggregated to the run level.
func ToCSV(results []RunResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"experiment", "run", "queries", "hit_rate", "wall_ms", "cost_ms"}); err != nil {
		return nil, errors.Wrap(err, "writing csv header")
	}
	for _, r := range results {
		row := []string{
			r.Experiment,
			fmt.Sprintf("%d", r.Run),
			fmt.Sprintf("%d", len(r.Queries)),
			fmt.Sprintf("%.4f", r.HitRate()),
			fmt.Sprintf("%.3f", r.WallMS),
			fmt.Sprintf("%.3f", r.Cost),
		}
		if err := w.Write(row); err != nil {
			return nil, errors.Wrap(err, "writing csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "flushing csv")
	}
	return buf.Bytes(), nil
}

// Uploader ships a result CSV to S3, guarded by a circuit breaker so a
// flaky bucket degrades into a logged failure rather than blocking the
// interactive experiment menu.
type Uploader struct {
	uploader *manager.Uploader
	bucket   string
	breaker  *resilience.CircuitBreaker
	logger   observability.Logger
}

// NewUploader builds an Uploader from an S3 client and the bucket result
// CSVs are written to.
func NewUploader(client *s3.Client, bucket string, logger observability.Logger, metrics observability.MetricsClient) *Uploader {
	return &Uploader{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		breaker: resilience.New("experiment_s3_upload", resilience.Config{
			FailureThreshold: 3,
		}, logger, metrics),
		logger: logger,
	}
}

// Upload writes data under key in a single attempt through the breaker's
// Execute; a failure counts toward tripping the breaker and is returned
// without a retry.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte) error {
	return u.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: &u.bucket,
			Key:    &key,
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return errors.Wrap(err, "uploading experiment report")
		}
		return nil
	})
}

// UploadResults renders results as CSV and uploads it under key.
func (u *Uploader) UploadResults(ctx context.Context, key string, results []RunResult) error {
	data, err := ToCSV(results)
	if err != nil {
		return err
	}
	return u.Upload(ctx, key, data)
}
