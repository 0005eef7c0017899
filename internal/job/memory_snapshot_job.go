package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/BetaMac/alma/internal/filestore"
)

type ISnapshotter interface {
	Snapshot(ctx context.Context, w io.Writer) error
}

// MemorySnapshotJob archives the memory store into the file store.
type MemorySnapshotJob struct {
	memory ISnapshotter
	store  filestore.Store
	now    func() time.Time
}

func NewMemorySnapshotJob(memory ISnapshotter, store filestore.Store) *MemorySnapshotJob {
	return &MemorySnapshotJob{memory: memory, store: store, now: time.Now}
}

func (j *MemorySnapshotJob) Name() string {
	return "memory_snapshot"
}

func (j *MemorySnapshotJob) Run(ctx context.Context) error {
	if j.memory == nil || j.store == nil {
		return nil
	}
	tmp, err := os.CreateTemp("", "alma-snapshot-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := j.memory.Snapshot(ctx, tmp); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind snapshot: %w", err)
	}
	key := fmt.Sprintf("memory-%d.tar.gz", j.now().Unix())
	if err := j.store.Save(ctx, key, tmp, size); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	logutil.GetLogger(ctx).Info("memory snapshot stored",
		zap.String("key", key),
		zap.String("store", j.store.Type()),
		zap.Int64("size", size),
	)
	return nil
}
