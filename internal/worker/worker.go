package worker

type Worker struct {
	id         int
	manager    *Manager
	pool       *workerPool
	jobChannel chan Job
}

func NewWorker(id int, pool *workerPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// Start runs jobs until a Stop job arrives. The worker is registered idle
// before it starts and releases itself after every job.
func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			case Generate:
				busyWorkers.Inc()
				w.manager.handleGenerate(job.Generate)
				busyWorkers.Dec()
			}
			w.pool.Release(w.jobChannel)
		}
	}()
}
