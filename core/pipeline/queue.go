package pipeline

import (
	"container/heap"
	"sync"
)

// TaskQueue is a priority queue of ready tasks. Earlier stages drain
// first so forward simulations are on the site before downstream work,
// ties broken by event name for deterministic submission order.
type TaskQueue struct {
	tasks []*queuedTask
	mu    sync.Mutex
}

type queuedTask struct {
	task  Task
	index int
}

// NewTaskQueue creates an empty task queue
func NewTaskQueue() *TaskQueue {
	tq := &TaskQueue{tasks: make([]*queuedTask, 0)}
	heap.Init(tq)
	return tq
}

// Enqueue adds a ready task
func (tq *TaskQueue) Enqueue(task Task) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	heap.Push(tq, &queuedTask{task: task})
}

// PopTask removes and returns the highest priority task; ok=false when empty
func (tq *TaskQueue) PopTask() (Task, bool) {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if tq.Len() == 0 {
		return Task{}, false
	}
	item := heap.Pop(tq).(*queuedTask)
	return item.task, true
}

// Len returns the number of queued tasks
func (tq *TaskQueue) Len() int {
	return len(tq.tasks)
}

// Less orders by stage position, then event name
func (tq *TaskQueue) Less(i, j int) bool {
	si := stageOrder[tq.tasks[i].task.Stage]
	sj := stageOrder[tq.tasks[j].task.Stage]
	if si != sj {
		return si < sj
	}
	return tq.tasks[i].task.Event < tq.tasks[j].task.Event
}

// Swap swaps two tasks
func (tq *TaskQueue) Swap(i, j int) {
	tq.tasks[i], tq.tasks[j] = tq.tasks[j], tq.tasks[i]
	tq.tasks[i].index = i
	tq.tasks[j].index = j
}

// Push implements heap.Interface
func (tq *TaskQueue) Push(x interface{}) {
	n := len(tq.tasks)
	item := x.(*queuedTask)
	item.index = n
	tq.tasks = append(tq.tasks, item)
}

// Pop implements heap.Interface
func (tq *TaskQueue) Pop() interface{} {
	old := tq.tasks
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	tq.tasks = old[0 : n-1]
	return item
}
