package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/BetaMac/alma/internal/ai"
	"github.com/BetaMac/alma/internal/memory"
	"github.com/BetaMac/alma/internal/model"
	appErr "github.com/BetaMac/alma/internal/pkg/errors"
	"github.com/BetaMac/alma/internal/resource"
)

const (
	defaultTaskTimeout     = 600 * time.Second
	defaultRecentCapacity  = 100
	defaultOutputScale     = 2.0
	defaultMinOutputTokens = 64
	interruptedMessage     = "processing interrupted"
)

// IMemory is the slice of the memory store the engine reads context from
// and records finished interactions into.
type IMemory interface {
	RetrieveContext(ctx context.Context, query string, k int, threshold *float32) ([]model.ContextItem, error)
	Record(ctx context.Context, prompt, response, taskID string, metadata map[string]interface{}) ([]int64, error)
}

type ITaskJournal interface {
	Save(ctx context.Context, task *model.Task) error
}

type TaskOptions struct {
	DefaultTimeout     time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
	ResourceRetryDelay time.Duration
	RecentCapacity     int
	OutputScale        float64
	MinOutputTokens    int
	ContextK           int
	ContextThreshold   *float32
	Buffer             BufferOptions
}

type SubmitRequest struct {
	Prompt    string
	TaskType  model.TaskType
	ContextID string
	Timeout   time.Duration
	Metadata  map[string]interface{}
}

type taskRun struct {
	task   *model.Task
	cancel context.CancelFunc
}

type attemptResult struct {
	err          error
	flushed      bool
	stopped      bool
	inputTokens  int
	outputTokens int
}

type TaskService struct {
	manager *resource.Manager
	guard   *resource.Guard
	memory  IMemory
	journal ITaskJournal
	opts    TaskOptions
	now     func() time.Time

	mu     sync.RWMutex
	active map[string]*taskRun
	recent *recentTasks
}

// NewTaskService wires the engine. memory and journal may be nil.
func NewTaskService(manager *resource.Manager, guard *resource.Guard, mem IMemory, journal ITaskJournal, opts TaskOptions) (*TaskService, error) {
	if manager == nil || guard == nil {
		return nil, fmt.Errorf("resource manager and guard are required")
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTaskTimeout
	}
	if opts.RecentCapacity <= 0 {
		opts.RecentCapacity = defaultRecentCapacity
	}
	if opts.OutputScale <= 0 {
		opts.OutputScale = defaultOutputScale
	}
	if opts.MinOutputTokens <= 0 {
		opts.MinOutputTokens = defaultMinOutputTokens
	}
	if opts.Buffer == (BufferOptions{}) {
		opts.Buffer = DefaultBufferOptions()
	}
	recent, err := newRecentTasks(opts.RecentCapacity)
	if err != nil {
		return nil, err
	}
	return &TaskService{
		manager: manager,
		guard:   guard,
		memory:  mem,
		journal: journal,
		opts:    opts,
		now:     time.Now,
		active:  make(map[string]*taskRun),
		recent:  recent,
	}, nil
}

func (s *TaskService) Submit(ctx context.Context, req SubmitRequest) (*model.Task, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, appErr.Validation("prompt is required")
	}
	contextID := strings.TrimSpace(req.ContextID)
	if contextID == "" {
		return nil, appErr.Validation("context id is required")
	}
	taskType, ok := model.ParseTaskType(string(req.TaskType))
	if !ok {
		return nil, appErr.Validation("unsupported task type: %s", req.TaskType)
	}
	if req.Timeout < 0 {
		return nil, appErr.Validation("timeout must not be negative")
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.opts.DefaultTimeout
	}
	task := &model.Task{
		ID:        newTaskID(),
		Prompt:    prompt,
		TaskType:  taskType,
		ContextID: contextID,
		Status:    model.TaskStatusPending,
		CreatedAt: s.now(),
		Timeout:   timeout,
	}
	if len(req.Metadata) > 0 {
		task.Metadata = make(map[string]interface{}, len(req.Metadata))
		for k, v := range req.Metadata {
			task.Metadata[k] = v
		}
	}
	s.mu.Lock()
	s.active[task.ID] = &taskRun{task: task}
	s.mu.Unlock()
	logutil.GetLogger(ctx).Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("task_type", string(taskType)),
		zap.String("context_id", contextID),
	)
	return task.Clone(), nil
}

// Cancel stops a pending or processing task. Finished tasks are left as
// they are and their status is returned.
func (s *TaskService) Cancel(ctx context.Context, id string) (model.TaskStatus, error) {
	s.mu.Lock()
	run, ok := s.active[id]
	if !ok {
		task, found := s.recent.Get(id)
		s.mu.Unlock()
		if !found {
			return "", appErr.NotFound("task %s", id)
		}
		return task.Status, nil
	}
	prev := run.task.Status
	if !prev.Cancellable() {
		s.mu.Unlock()
		return prev, nil
	}
	run.task.Status = model.TaskStatusCancelled
	run.task.Error = "task cancelled"
	if run.cancel != nil {
		run.cancel()
	}
	var retired *model.Task
	if prev == model.TaskStatusPending {
		retired = s.retireLocked(run)
	}
	s.mu.Unlock()
	logutil.GetLogger(ctx).Info("task cancelled", zap.String("task_id", id), zap.String("from", string(prev)))
	if retired != nil {
		s.saveJournal(ctx, retired)
	}
	return model.TaskStatusCancelled, nil
}

// Run executes a pending task and yields its output chunk by chunk. A
// terminal failure is yielded once as the last element. Stopping the
// iteration early cancels the task.
func (s *TaskService) Run(ctx context.Context, id string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		run, task, runCtx, err := s.start(ctx, id)
		if err != nil {
			yield("", err)
			return
		}
		defer run.cancel()
		logger := logutil.GetLogger(ctx).With(zap.String("task_id", task.ID))
		start := s.now()
		var (
			out       strings.Builder
			consumed  = true
			finalized bool
		)
		defer func() {
			if !finalized {
				s.finish(ctx, run, model.TaskStatusFailed, "", interruptedMessage, attemptResult{}, start)
				s.guard.Cleanup(context.WithoutCancel(ctx))
			}
		}()
		emit := func(chunk string) bool {
			out.WriteString(chunk)
			consumed = yield(chunk, nil)
			return consumed
		}
		res, attempts, budgetExpired := s.runAttempts(runCtx, task, emit)
		status, runErr := s.outcome(runCtx, res, attempts, budgetExpired, task)
		errText := ""
		if runErr != nil {
			errText = runErr.Error()
		}
		final := s.finish(ctx, run, status, out.String(), errText, res, start)
		finalized = true
		if final.Status != status {
			runErr = fmt.Errorf("task %s: %w", task.ID, appErr.ErrCancelled)
		}
		s.guard.Cleanup(context.WithoutCancel(ctx))
		switch final.Status {
		case model.TaskStatusCompleted:
			logger.Info("task completed", zap.Int("output_tokens", final.OutputTokens), zap.Duration("duration", final.Duration))
			s.recordMemory(ctx, final, final.Result)
		case model.TaskStatusCancelled:
			logger.Info("task cancelled during processing")
		default:
			logger.Error("task failed", zap.String("status", string(final.Status)), zap.Error(runErr))
		}
		if runErr != nil && consumed {
			yield("", runErr)
		}
	}
}

// Execute submits a task and drains it. The returned task is the finished
// snapshot; the error is the run's terminal failure, if any.
func (s *TaskService) Execute(ctx context.Context, req SubmitRequest) (*model.Task, error) {
	task, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	var runErr error
	for _, err := range s.Run(ctx, task.ID) {
		if err != nil {
			runErr = err
		}
	}
	finished, err := s.Get(task.ID)
	if err != nil {
		return nil, err
	}
	return finished, runErr
}

func (s *TaskService) Get(id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if run, ok := s.active[id]; ok {
		return run.task.Clone(), nil
	}
	if task, ok := s.recent.Get(id); ok {
		return task.Clone(), nil
	}
	return nil, appErr.NotFound("task %s", id)
}

func (s *TaskService) start(ctx context.Context, id string) (*taskRun, *model.Task, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[id]
	if !ok {
		task, found := s.recent.Get(id)
		if !found {
			return nil, nil, nil, appErr.NotFound("task %s", id)
		}
		if task.Status == model.TaskStatusCancelled {
			return nil, nil, nil, fmt.Errorf("task %s: %w", id, appErr.ErrCancelled)
		}
		return nil, nil, nil, appErr.Validation("task %s is already %s", id, task.Status)
	}
	if !run.task.Status.CanTransition(model.TaskStatusProcessing) {
		return nil, nil, nil, appErr.Validation("task %s is already %s", id, run.task.Status)
	}
	run.task.Status = model.TaskStatusProcessing
	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	return run, run.task.Clone(), runCtx, nil
}

// runAttempts drives the retry loop under the task's wall-clock budget.
func (s *TaskService) runAttempts(runCtx context.Context, task *model.Task, emit func(string) bool) (attemptResult, int, bool) {
	budgetCtx, cancel := context.WithDeadline(runCtx, task.Deadline())
	defer cancel()
	logger := logutil.GetLogger(runCtx).With(zap.String("task_id", task.ID))
	maxAttempts := max(1, s.opts.MaxRetries)
	var (
		res      attemptResult
		attempts int
	)
	for attempts < maxAttempts {
		attempts++
		res = s.attempt(budgetCtx, task, emit)
		if res.err == nil || res.stopped || res.flushed {
			break
		}
		if budgetCtx.Err() != nil || !appErr.IsTransient(res.err) || attempts == maxAttempts {
			break
		}
		delay := s.opts.RetryDelay
		if appErr.IsResourceExhausted(res.err) {
			delay = s.opts.ResourceRetryDelay
		}
		logger.Warn("task attempt failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(res.err),
		)
		if err := sleepCtx(budgetCtx, delay); err != nil {
			break
		}
	}
	budgetExpired := runCtx.Err() == nil && errors.Is(budgetCtx.Err(), context.DeadlineExceeded)
	return res, attempts, budgetExpired
}

func (s *TaskService) outcome(runCtx context.Context, res attemptResult, attempts int, budgetExpired bool, task *model.Task) (model.TaskStatus, error) {
	switch {
	case res.stopped:
		return model.TaskStatusCancelled, fmt.Errorf("task %s: consumer stopped: %w", task.ID, appErr.ErrCancelled)
	case runCtx.Err() != nil:
		return model.TaskStatusCancelled, fmt.Errorf("task %s: %w", task.ID, appErr.ErrCancelled)
	case res.err == nil:
		return model.TaskStatusCompleted, nil
	case budgetExpired:
		return model.TaskStatusTimeout, appErr.Timeout("task %s exceeded timeout of %s", task.ID, task.Timeout)
	case res.flushed || !appErr.IsTransient(res.err):
		return model.TaskStatusFailed, res.err
	default:
		return model.TaskStatusFailed, fmt.Errorf("failed after %d attempts: %w", attempts, res.err)
	}
}

// attempt is one preflight plus generation pass.
func (s *TaskService) attempt(ctx context.Context, task *model.Task, emit func(string) bool) attemptResult {
	engine, err := s.manager.Engine(ctx)
	if err != nil {
		return attemptResult{err: err}
	}
	if err := s.guard.Check(ctx); err != nil {
		return attemptResult{err: err}
	}
	if !s.now().Before(task.Deadline()) {
		return attemptResult{err: appErr.Timeout("task budget of %s exhausted before generation", task.Timeout)}
	}
	prompt := s.buildPrompt(ctx, task)
	params := ai.ProfileFor(task.TaskType)
	res := attemptResult{inputTokens: ai.EstimateTokens(prompt)}
	params.MaxTokens = s.outputBudget(res.inputTokens, params.MaxTokens)

	stream, err := engine.Stream(ctx, prompt, params)
	if err != nil {
		res.err = classifyGenerationError(err)
		return res
	}
	defer func() { _ = stream.Close() }()

	buf := newAdaptiveBuffer(s.opts.Buffer, s.now)
	flush := func(chunk string) bool {
		res.flushed = true
		if !emit(chunk) {
			res.stopped = true
			return false
		}
		return sleepCtx(ctx, buf.Pause()) == nil
	}
	for stream.Next() {
		res.outputTokens++
		if chunk, ok := buf.Push(stream.Token()); ok && !flush(chunk) {
			break
		}
	}
	if res.stopped {
		return res
	}
	if err := stream.Err(); err != nil {
		res.err = classifyGenerationError(err)
		return res
	}
	if err := ctx.Err(); err != nil {
		res.err = classifyGenerationError(err)
		return res
	}
	if rest, ok := buf.Drain(); ok {
		flush(rest)
	}
	return res
}

func (s *TaskService) buildPrompt(ctx context.Context, task *model.Task) string {
	if s.memory == nil {
		return ai.RenderPrompt("", task.Prompt)
	}
	items, err := s.memory.RetrieveContext(ctx, task.Prompt, s.opts.ContextK, s.opts.ContextThreshold)
	if err != nil {
		logutil.GetLogger(ctx).Warn("retrieve memory context failed, continue without it",
			zap.String("task_id", task.ID), zap.Error(err))
		return ai.RenderPrompt("", task.Prompt)
	}
	return ai.RenderPrompt(memory.Summarize(items), task.Prompt)
}

func (s *TaskService) outputBudget(inputTokens, ceiling int) int {
	budget := int(float64(inputTokens) * s.opts.OutputScale)
	budget = max(budget, s.opts.MinOutputTokens)
	return min(budget, ceiling)
}

func classifyGenerationError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return appErr.Timeout("generation deadline exceeded: %v", err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", appErr.ErrCancelled, err)
	}
	return appErr.Processing(err)
}

// finish records the terminal state, moves the task into the recent ring
// and journals it. A status already set by Cancel is kept.
func (s *TaskService) finish(ctx context.Context, run *taskRun, status model.TaskStatus, result, errText string, res attemptResult, start time.Time) *model.Task {
	s.mu.Lock()
	task := run.task
	if task.Status.CanTransition(status) {
		task.Status = status
		task.Error = errText
		if status == model.TaskStatusCompleted {
			task.Result = result
		}
	}
	task.InputTokens = res.inputTokens
	task.OutputTokens = res.outputTokens
	task.Duration = s.now().Sub(start)
	retired := s.retireLocked(run)
	s.mu.Unlock()
	s.saveJournal(ctx, retired)
	return retired
}

func (s *TaskService) retireLocked(run *taskRun) *model.Task {
	delete(s.active, run.task.ID)
	s.recent.Push(run.task)
	return run.task.Clone()
}

func (s *TaskService) saveJournal(ctx context.Context, task *model.Task) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Save(context.WithoutCancel(ctx), task); err != nil {
		logutil.GetLogger(ctx).Error("save task journal failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (s *TaskService) recordMemory(ctx context.Context, task *model.Task, response string) {
	if s.memory == nil {
		return
	}
	meta := map[string]interface{}{"task_type": string(task.TaskType)}
	if _, err := s.memory.Record(context.WithoutCancel(ctx), task.Prompt, response, task.ID, meta); err != nil {
		logutil.GetLogger(ctx).Error("record interaction failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
