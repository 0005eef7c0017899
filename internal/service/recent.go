package service

import (
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BetaMac/alma/internal/model"
)

// recentTasks is the bounded history of finished tasks. The LRU evicts the
// oldest entry once capacity is reached; lookups use Peek so reads never
// reorder it.
type recentTasks struct {
	cache *lru.Cache[string, *model.Task]
}

func newRecentTasks(capacity int) (*recentTasks, error) {
	cache, err := lru.New[string, *model.Task](capacity)
	if err != nil {
		return nil, err
	}
	return &recentTasks{cache: cache}, nil
}

func (r *recentTasks) Push(task *model.Task) {
	r.cache.Add(task.ID, task)
}

func (r *recentTasks) Get(id string) (*model.Task, bool) {
	return r.cache.Peek(id)
}

// List returns the tasks most recent first.
func (r *recentTasks) List() []*model.Task {
	tasks := r.cache.Values()
	slices.Reverse(tasks)
	return tasks
}

func (r *recentTasks) Len() int {
	return r.cache.Len()
}
