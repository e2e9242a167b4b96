package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/plotviz/engine/internal/services"
	"github.com/plotviz/engine/pkg/logger"
)

const (
	// TypeIngestBundle runs the background phase of a bundle upload.
	TypeIngestBundle = "bundle:ingest"
	// QueueIngest is the asynq queue bundle tasks are enqueued on.
	QueueIngest = "ingest"
)

// NewIngestBundleTask encodes job as a bundle task.
func NewIngestBundleTask(job services.BundleJob, opts ...asynq.Option) (*asynq.Task, error) {
	pb, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeIngestBundle, pb, opts...), nil
}

// BundleTaskHandler handles bundle ingest tasks.
type BundleTaskHandler struct {
	ingest services.IngestService
}

func NewBundleTaskHandler(ingest services.IngestService) *BundleTaskHandler {
	return &BundleTaskHandler{ingest: ingest}
}

func (h *BundleTaskHandler) HandleIngestBundle(ctx context.Context, t *asynq.Task) error {
	var job services.BundleJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		logger.L().Error("invalid bundle task payload", zap.Error(err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if job.ArtifactID == 0 || job.BlobKey == "" {
		logger.L().Error("incomplete bundle task payload", zap.Int64("artifact_id", job.ArtifactID), zap.String("blob_key", job.BlobKey))
		return fmt.Errorf("incomplete payload: %w", asynq.SkipRetry)
	}

	job.FinalAttempt = finalAttempt(ctx)

	logger.L().Info("handling bundle task", zap.Int64("artifact_id", job.ArtifactID), zap.Bool("final_attempt", job.FinalAttempt))
	if err := h.ingest.ProcessBundle(ctx, job); err != nil {
		logger.L().Error("bundle task failed", zap.Int64("artifact_id", job.ArtifactID), zap.Error(err))
		return err
	}
	return nil
}

// finalAttempt reports whether asynq will give up on the task if this run
// fails. Outside a worker there is no retry to wait for.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}
