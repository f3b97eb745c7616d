package task

import "sync"

type job func(threadIndex int)

// workQueue is an unbounded FIFO shared by the workers. Pushing never blocks, so workers may
// enqueue follow-up work without risking deadlock against a full queue.
type workQueue struct {
	mutex  sync.Mutex
	cond   *sync.Cond
	jobs   []job
	head   int
	closed bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func (q *workQueue) Push(j job) {
	q.mutex.Lock()
	q.jobs = append(q.jobs, j)
	q.mutex.Unlock()

	q.cond.Signal()
}

// Pop blocks until a job is available. It returns false once the queue is closed and drained.
func (q *workQueue) Pop() (job, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for q.head == len(q.jobs) && !q.closed {
		q.cond.Wait()
	}

	if q.head == len(q.jobs) {
		return nil, false
	}

	j := q.jobs[q.head]
	q.jobs[q.head] = nil
	q.head++
	if q.head == len(q.jobs) {
		q.jobs = q.jobs[:0]
		q.head = 0
	}

	return j, true
}

func (q *workQueue) Close() {
	q.mutex.Lock()
	q.closed = true
	q.mutex.Unlock()

	q.cond.Broadcast()
}
