package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type IJournalCleaner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type TaskJournalCleanupJob struct {
	journal  IJournalCleaner
	keepDays int
	now      func() time.Time
}

func NewTaskJournalCleanupJob(journal IJournalCleaner, keepDays int) *TaskJournalCleanupJob {
	return &TaskJournalCleanupJob{journal: journal, keepDays: keepDays, now: time.Now}
}

func (j *TaskJournalCleanupJob) Name() string {
	return "task_journal_cleanup"
}

func (j *TaskJournalCleanupJob) Run(ctx context.Context) error {
	if j.journal == nil {
		return nil
	}
	keepDays := j.keepDays
	if keepDays <= 0 {
		keepDays = 30
	}
	cutoff := j.now().Add(-time.Duration(keepDays) * 24 * time.Hour)
	removed, err := j.journal.DeleteBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("task journal trimmed", zap.Int64("removed", removed), zap.Time("cutoff", cutoff))
	return nil
}
