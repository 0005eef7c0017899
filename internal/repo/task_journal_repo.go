package repo

import (
	"context"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"

	"github.com/BetaMac/alma/internal/model"
)

const journalTable = "task_journal"

var journalColumns = []string{
	"id", "prompt", "task_type", "context_id", "status", "result", "error",
	"input_tokens", "output_tokens", "duration_ms", "ctime", "finished_at",
}

type journalRow struct {
	ID           string `db:"id"`
	Prompt       string `db:"prompt"`
	TaskType     string `db:"task_type"`
	ContextID    string `db:"context_id"`
	Status       string `db:"status"`
	Result       string `db:"result"`
	Error        string `db:"error"`
	InputTokens  int    `db:"input_tokens"`
	OutputTokens int    `db:"output_tokens"`
	DurationMs   int64  `db:"duration_ms"`
	Ctime        int64  `db:"ctime"`
	FinishedAt   int64  `db:"finished_at"`
}

func (r journalRow) toTask() *model.Task {
	return &model.Task{
		ID:           r.ID,
		Prompt:       r.Prompt,
		TaskType:     model.TaskType(r.TaskType),
		ContextID:    r.ContextID,
		Status:       model.TaskStatus(r.Status),
		Result:       r.Result,
		Error:        r.Error,
		CreatedAt:    time.UnixMilli(r.Ctime),
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		Duration:     time.Duration(r.DurationMs) * time.Millisecond,
	}
}

// TaskJournalRepo keeps finished tasks after they fall out of the in-memory
// recent ring.
type TaskJournalRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewTaskJournalRepo(db *sqlx.DB) *TaskJournalRepo {
	return &TaskJournalRepo{db: db, now: time.Now}
}

func (r *TaskJournalRepo) Save(ctx context.Context, task *model.Task) error {
	data := map[string]interface{}{
		"id":            task.ID,
		"prompt":        task.Prompt,
		"task_type":     string(task.TaskType),
		"context_id":    task.ContextID,
		"status":        string(task.Status),
		"result":        task.Result,
		"error":         task.Error,
		"input_tokens":  task.InputTokens,
		"output_tokens": task.OutputTokens,
		"duration_ms":   task.Duration.Milliseconds(),
		"ctime":         task.CreatedAt.UnixMilli(),
		"finished_at":   r.now().UnixMilli(),
	}
	sqlStr, args, err := builder.BuildReplaceInsert(journalTable, []map[string]interface{}{data})
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// ListRecent returns up to limit tasks, newest first. An empty contextID
// lists every caller.
func (r *TaskJournalRepo) ListRecent(ctx context.Context, contextID string, limit uint) ([]*model.Task, error) {
	where := map[string]interface{}{
		"_orderby": "finished_at desc",
		"_limit":   []uint{0, limit},
	}
	if contextID != "" {
		where["context_id"] = contextID
	}
	sqlStr, args, err := builder.BuildSelect(journalTable, where, journalColumns)
	if err != nil {
		return nil, err
	}
	var rows []journalRow
	if err := r.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.toTask())
	}
	return tasks, nil
}

func (r *TaskJournalRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	where := map[string]interface{}{
		"finished_at <": cutoff.UnixMilli(),
	}
	sqlStr, args, err := builder.BuildDelete(journalTable, where)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
