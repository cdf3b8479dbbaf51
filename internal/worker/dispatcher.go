package worker

import (
	"container/list"
	"sync"
	"time"
)

type clientQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *workerPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	Manager  *Manager

	mu        sync.Mutex
	queues    map[string]*clientQueue // job queue for each client
	ready     *list.List              // round-robin queue of client keys
	positions map[string]*list.Element
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	pool := newWorkerPool(minWorkers, maxWorkers, idleTimeout, manager)
	jobQueue := make(chan Job, queueSize)

	d := &Dispatcher{
		queues:    make(map[string]*clientQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  jobQueue,
		Manager:   manager,
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the client in the front of the ready queue
		if !d.dispatchOne() {
			job := <-d.JobQueue // nothing pending, block for intake
			d.enqueueJob(job)
			continue
		}
		// drain everything that arrived meanwhile so new clients get a turn
	drain:
		for {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			default:
				break drain
			}
		}
	}
}

// Pending reports how many jobs are waiting for a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.JobQueue)
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	return n
}

func (d *Dispatcher) enqueueJob(job Job) {
	key := job.clientKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[key]
	if q == nil {
		q = &clientQueue{}
		d.queues[key] = q
	}
	q.jobs = append(q.jobs, job)
	queueDepth.Inc()
	if q.enqueued {
		// client already waiting for a turn
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(key)
	d.positions[key] = elem
}

// dispatchOne hands the front client's oldest job to a worker
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of this client, it leaves the ready queue
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		// back of the line until every other client had a turn
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()
	queueDepth.Dec()

	workerChan := d.pool.acquire()
	workerID := d.pool.workerID(workerChan)
	debugLog("[dispatcher] assign job %s for client %s to worker-%d", job.Type, key, workerID)
	workerChan <- job
	return true
}

func (job Job) clientKey() string {
	if job.Generate != nil && job.Generate.ClientKey != "" {
		return job.Generate.ClientKey
	}
	return "anonymous"
}
