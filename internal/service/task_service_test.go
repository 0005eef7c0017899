package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BetaMac/alma/internal/ai"
	"github.com/BetaMac/alma/internal/ai/aitest"
	"github.com/BetaMac/alma/internal/memory"
	"github.com/BetaMac/alma/internal/model"
	appErr "github.com/BetaMac/alma/internal/pkg/errors"
	"github.com/BetaMac/alma/internal/resource"
)

const haiku = "Soft rain on the roof.\nPuddles hold the grey sky.\nThe street hums, then sleeps."

type recordCall struct {
	prompt, response, taskID string
}

type fakeMemory struct {
	mu      sync.Mutex
	items   []model.ContextItem
	err     error
	records []recordCall
}

func (m *fakeMemory) RetrieveContext(ctx context.Context, query string, k int, threshold *float32) ([]model.ContextItem, error) {
	return m.items, m.err
}

func (m *fakeMemory) Record(ctx context.Context, prompt, response, taskID string, metadata map[string]interface{}) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, recordCall{prompt: prompt, response: response, taskID: taskID})
	return []int64{int64(len(m.records)*2 - 2), int64(len(m.records)*2 - 1)}, nil
}

func (m *fakeMemory) Records() []recordCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordCall(nil), m.records...)
}

type fakeJournal struct {
	mu    sync.Mutex
	saved []*model.Task
}

func (j *fakeJournal) Save(ctx context.Context, task *model.Task) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saved = append(j.saved, task.Clone())
	return nil
}

func (j *fakeJournal) Saved() []*model.Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*model.Task(nil), j.saved...)
}

type busyDevice struct{}

func (busyDevice) Stats(context.Context) (resource.DeviceStats, error) {
	return resource.DeviceStats{Present: true, Used: 99, Total: 100, Percent: 99}, nil
}

// quietBuffer only flushes on sentence terminators.
func quietBuffer() BufferOptions {
	return BufferOptions{
		InitialSize:      1 << 20,
		MinSize:          1,
		MaxSize:          1 << 20,
		MinFlushInterval: time.Hour,
		FastRate:         1e9,
	}
}

type fixture struct {
	svc     *TaskService
	engine  *aitest.Engine
	memory  *fakeMemory
	journal *fakeJournal
	builds  *int32
}

func newFixture(t *testing.T, engine *aitest.Engine, opts TaskOptions, managerOpts ...resource.Option) *fixture {
	t.Helper()
	var builds int32
	factory := func(string, interface{}) (ai.IEngine, error) {
		atomic.AddInt32(&builds, 1)
		return engine, nil
	}
	manager := resource.NewManager("fake", nil, append([]resource.Option{resource.WithEngineFactory(factory)}, managerOpts...)...)
	guard := resource.NewGuard(manager, 0.9)
	mem := &fakeMemory{}
	journal := &fakeJournal{}
	if opts.Buffer == (BufferOptions{}) {
		opts.Buffer = quietBuffer()
	}
	svc, err := NewTaskService(manager, guard, mem, journal, opts)
	require.NoError(t, err)
	return &fixture{svc: svc, engine: engine, memory: mem, journal: journal, builds: &builds}
}

func collect(seq func(func(string, error) bool)) ([]string, error) {
	var (
		chunks []string
		last   error
	)
	seq(func(chunk string, err error) bool {
		if err != nil {
			last = err
			return true
		}
		chunks = append(chunks, chunk)
		return true
	})
	return chunks, last
}

func submit(t *testing.T, svc *TaskService, prompt string, taskType model.TaskType) *model.Task {
	t.Helper()
	task, err := svc.Submit(context.Background(), SubmitRequest{Prompt: prompt, TaskType: taskType, ContextID: "ws-1"})
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusPending, task.Status)
	return task
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, &aitest.Engine{}, TaskOptions{})
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty prompt", SubmitRequest{Prompt: "", ContextID: "ws"}},
		{"blank prompt", SubmitRequest{Prompt: " \n\t", ContextID: "ws"}},
		{"missing context", SubmitRequest{Prompt: "hi", ContextID: " "}},
		{"unknown type", SubmitRequest{Prompt: "hi", ContextID: "ws", TaskType: "poetry"}},
		{"negative timeout", SubmitRequest{Prompt: "hi", ContextID: "ws", Timeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := f.svc.Submit(context.Background(), tt.req)
			require.Nil(t, task)
			require.True(t, appErr.IsValidation(err))
		})
	}
	require.Zero(t, f.svc.Status(context.Background()).Tasks[model.TaskStatusPending])
}

func TestSubmitDefaults(t *testing.T) {
	f := newFixture(t, &aitest.Engine{}, TaskOptions{DefaultTimeout: time.Minute})
	task, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "  hello  ", ContextID: "ws"})
	require.NoError(t, err)
	require.Equal(t, "hello", task.Prompt)
	require.Equal(t, model.TaskTypeConversational, task.TaskType)
	require.Equal(t, time.Minute, task.Timeout)
	require.NotEmpty(t, task.ID)
}

func TestRunHaikuStreamsAndRecords(t *testing.T) {
	engine := &aitest.Engine{Tokens: aitest.Words(haiku)}
	f := newFixture(t, engine, TaskOptions{})
	task := submit(t, f.svc, "Write a haiku about rain", model.TaskTypeCreative)

	chunks, err := collect(f.svc.Run(context.Background(), task.ID))
	require.NoError(t, err)
	require.Equal(t, []string{
		"Soft rain on the roof.\nPuddles ",
		"hold the grey sky.\nThe ",
		"street hums, then sleeps.",
	}, chunks)

	done, err := f.svc.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, done.Status)
	require.Equal(t, haiku, done.Result)
	require.Empty(t, done.Error)
	require.Equal(t, 13, done.OutputTokens)
	require.Equal(t, 7, done.InputTokens)

	require.Equal(t, "[INST] Write a haiku about rain [/INST]", engine.LastPrompt())
	params := engine.LastParams()
	require.Equal(t, 64, params.MaxTokens)
	require.InDelta(t, 0.7, params.Temperature, 1e-9)
	require.Equal(t, 1, engine.Resets())

	records := f.memory.Records()
	require.Len(t, records, 1)
	require.Equal(t, recordCall{prompt: "Write a haiku about rain", response: haiku, taskID: task.ID}, records[0])

	saved := f.journal.Saved()
	require.Len(t, saved, 1)
	require.Equal(t, model.TaskStatusCompleted, saved[0].Status)

	status := f.svc.Status(context.Background())
	require.Equal(t, 1, status.Tasks[model.TaskStatusCompleted])
	require.True(t, status.ModelLoaded)
	require.Len(t, status.Recent, 1)
	require.Equal(t, 13, status.Recent[0].OutputTokens)
}

func TestRunFoldsMemoryContextIntoPrompt(t *testing.T) {
	engine := &aitest.Engine{Tokens: []string{"ok."}}
	f := newFixture(t, engine, TaskOptions{})
	f.memory.items = []model.ContextItem{{Type: "response", Timestamp: "2024-01-01T00:00:00Z", Text: "drizzle"}}
	task := submit(t, f.svc, "Write a haiku about rain", model.TaskTypeCreative)

	_, err := collect(f.svc.Run(context.Background(), task.ID))
	require.NoError(t, err)
	want := ai.RenderPrompt(memory.Summarize(f.memory.items), "Write a haiku about rain")
	require.Equal(t, want, engine.LastPrompt())
	require.True(t, strings.HasPrefix(engine.LastPrompt(), "[INST] Previous relevant context:\n\n[RESPONSE] "))
}

func TestRunSurvivesMemoryFailure(t *testing.T) {
	engine := &aitest.Engine{Tokens: []string{"fine."}}
	f := newFixture(t, engine, TaskOptions{})
	f.memory.err = errors.New("index offline")
	task := submit(t, f.svc, "hello", "")

	_, err := collect(f.svc.Run(context.Background(), task.ID))
	require.NoError(t, err)
	done, err := f.svc.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, done.Status)
}

func TestRunOutputBudgetScalesWithInput(t *testing.T) {
	engine := &aitest.Engine{Tokens: []string{"ok."}}
	f := newFixture(t, engine, TaskOptions{OutputScale: 2, MinOutputTokens: 16})
	prompt := strings.Repeat("word ", 50)
	task := submit(t, f.svc, prompt, model.TaskTypeAnalytical)
	_, err := collect(f.svc.Run(context.Background(), task.ID))
	require.NoError(t, err)
	// 52 prompt tokens scaled by 2, under the analytical ceiling of 512.
	require.Equal(t, 104, engine.LastParams().MaxTokens)

	task = submit(t, f.svc, strings.Repeat("word ", 400), model.TaskTypeConversational)
	_, err = collect(f.svc.Run(context.Background(), task.ID))
	require.NoError(t, err)
	require.Equal(t, 128, engine.LastParams().MaxTokens)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	glitch := errors.New("glitch")
	engine := &aitest.Engine{Tokens: aitest.Words("third time lucky."), StreamErrs: []error{glitch, glitch}}
	f := newFixture(t, engine, TaskOptions{MaxRetries: 3, RetryDelay: time.Millisecond})
	task := submit(t, f.svc, "try", "")

	chunks, err := collect(f.svc.Run(context.Background(), task.ID))
	require.NoError(t, err)
	require.Equal(t, "third time lucky.", strings.Join(chunks, ""))
	require.Equal(t, 3, engine.StreamCalls())

	done, err := f.svc.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, done.Status)
	require.Empty(t, done.Error)
}

func TestRunFailsAfterExhaustingRetries(t *testing.T) {
	glitch := errors.New("glitch")
	engine := &aitest.Engine{StreamErrs: []error{glitch, glitch, glitch}}
	f := newFixture(t, engine, TaskOptions{MaxRetries: 3, RetryDelay: time.Millisecond})
	task := submit(t, f.svc, "try", "")

	chunks, err := collect(f.svc.Run(context.Background(), task.ID))
	require.Empty(t, chunks)
	require.ErrorIs(t, err, appErr.ErrProcessing)
	require.ErrorContains(t, err, "failed after 3 attempts")
	require.Equal(t, 3, engine.StreamCalls())

	done, err := f.svc.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, done.Status)
	require.Contains(t, done.Error, "failed after 3 attempts")
	require.Contains(t, done.Error, "glitch")
	require.Empty(t, f.memory.Records())
	require.Len(t, f.journal.Saved(), 1)
}

func TestRunResourceExhaustionUsesLongerDelay(t *testing.T) {
	engine := &aitest.Engine{Tokens: []string{"never."}}
	f := newFixture(t, engine, TaskOptions{MaxRetries: 2, ResourceRetryDelay: 30 * time.Millisecond},
		resource.WithDeviceProbe(busyDevice{}))
	task := submit(t, f.svc, "try", "")

	start := time.Now()
	_, err := collect(f.svc.Run(context.Background(), task.ID))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.True(t, appErr.IsResourceExhausted(err))
	require.ErrorContains(t, err, "failed after 2 attempts")
	require.Zero(t, engine.StreamCalls())
}

func TestRunModelInitFailureIsNotRetried(t *testing.T) {
	engine := &aitest.Engine{Smoke: " "}
	f := newFixture(t, engine, TaskOptions{MaxRetries: 3})
	task := submit(t, f.svc, "hello", "")

	_, err := collect(f.svc.Run(context.Background(), task.ID))
	require.True(t, appErr.IsModelInit(err))
	require.NotContains(t, err.Error(), "attempts")
	require.Equal(t, int32(1), atomic.LoadInt32(f.builds))

	done, err := f.svc.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, done.Status)
}

func TestRunDoesNotRetryAfterOutputWasFlushed(t *testing.T) {
	boom := errors.New("boom")
	engine := &aitest.Engine{Tokens: aitest.Words("One. Two. Three."), MidStreamErr: boom, MidStreamAfter: 2}
	f := newFixture(t, engine, TaskOptions{MaxRetries: 3})
	task := submit(t, f.svc, "count", "")

	chunks, err := collect(f.svc.Run(context.Background(), task.ID))
	require.Equal(t, []string{"One. ", "Two. "}, chunks)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, engine.StreamCalls())

	done, err := f.svc.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, done.Status)
	require.NotContains(t, done.Error, "attempts")
}

func TestRunExpiredBudgetTimesOut(t *testing.T) {
	engine := &aitest.Engine{Tokens: []string{"late."}}
	f := newFixture(t, engine, TaskOptions{MaxRetries: 3})
	task, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "hi", ContextID: "ws", Timeout: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = collect(f.svc.Run(context.Background(), task.ID))
	require.True(t, appErr.IsTimeout(err))
	require.Zero(t, engine.StreamCalls())

	done, err := f.svc.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusTimeout, done.Status)
}

func TestRunTimesOutDuringGeneration(t *testing.T) {
	engine := &aitest.Engine{Tokens: aitest.Words(strings.Repeat("slow ", 20)), TokenDelay: 20 * time.Millisecond}
	f := newFixture(t, engine, TaskOptions{MaxRetries: 3})
	task, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "hi", ContextID: "ws", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	chunks, err := collect(f.svc.Run(context.Background(), task.ID))
	require.Empty(t, chunks)
	require.True(t, appErr.IsTimeout(err))
	require.ErrorContains(t, err, "exceeded timeout")
	require.Equal(t, 1, engine.StreamCalls())

	done, err := f.svc.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusTimeout, done.Status)
}

func TestCancelDuringProcessing(t *testing.T) {
	engine := &aitest.Engine{Tokens: aitest.Words(strings.Repeat("a. ", 50)), TokenDelay: 2 * time.Millisecond}
	f := newFixture(t, engine, TaskOptions{})
	task := submit(t, f.svc, "go", "")

	var (
		chunks []string
		runErr error
	)
	for chunk, err := range f.svc.Run(context.Background(), task.ID) {
		if err != nil {
			runErr = err
			continue
		}
		chunks = append(chunks, chunk)
		status, err := f.svc.Cancel(context.Background(), task.ID)
		require.NoError(t, err)
		require.Equal(t, model.TaskStatusCancelled, status)
	}
	require.Len(t, chunks, 1)
	require.True(t, appErr.IsCancelled(runErr))

	done, err := f.svc.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCancelled, done.Status)
	require.Empty(t, f.memory.Records())
}

func TestConsumerStoppingCancelsTask(t *testing.T) {
	engine := &aitest.Engine{Tokens: aitest.Words("One. Two. Three.")}
	f := newFixture(t, engine, TaskOptions{})
	task := submit(t, f.svc, "count", "")

	for range f.svc.Run(context.Background(), task.ID) {
		break
	}
	done, err := f.svc.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCancelled, done.Status)
	require.Equal(t, 1, engine.Resets())
}

func TestCancelPendingAndFinished(t *testing.T) {
	engine := &aitest.Engine{Tokens: []string{"done."}}
	f := newFixture(t, engine, TaskOptions{})
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, "missing")
	require.True(t, appErr.IsNotFound(err))

	pending := submit(t, f.svc, "wait", "")
	status, err := f.svc.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCancelled, status)
	_, err = collect(f.svc.Run(ctx, pending.ID))
	require.True(t, appErr.IsCancelled(err))
	require.Zero(t, engine.StreamCalls())

	finished := submit(t, f.svc, "go", "")
	_, err = collect(f.svc.Run(ctx, finished.ID))
	require.NoError(t, err)
	status, err = f.svc.Cancel(ctx, finished.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, status)

	_, err = collect(f.svc.Run(ctx, finished.ID))
	require.True(t, appErr.IsValidation(err))

	_, err = collect(f.svc.Run(ctx, "missing"))
	require.True(t, appErr.IsNotFound(err))
}

func TestExecuteAndRecentRing(t *testing.T) {
	engine := &aitest.Engine{Tokens: []string{"ok."}}
	f := newFixture(t, engine, TaskOptions{RecentCapacity: 2})
	ctx := context.Background()

	var ids []string
	for _, prompt := range []string{"first", "second", strings.Repeat("x", 60)} {
		task, err := f.svc.Execute(ctx, SubmitRequest{Prompt: prompt, ContextID: "ws"})
		require.NoError(t, err)
		require.Equal(t, model.TaskStatusCompleted, task.Status)
		require.Equal(t, "ok.", task.Result)
		ids = append(ids, task.ID)
	}

	_, err := f.svc.Get(ids[0])
	require.True(t, appErr.IsNotFound(err))

	status := f.svc.Status(ctx)
	require.Len(t, status.Recent, 2)
	require.Equal(t, ids[2], status.Recent[0].ID)
	require.Equal(t, ids[1], status.Recent[1].ID)
	require.Equal(t, strings.Repeat("x", 50)+"...", status.Recent[0].Prompt)
	require.Equal(t, 2, status.Tasks[model.TaskStatusCompleted])

	_, err = f.svc.Execute(ctx, SubmitRequest{Prompt: "", ContextID: "ws"})
	require.True(t, appErr.IsValidation(err))
}
