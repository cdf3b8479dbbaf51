package worker

import (
	"sync"
	"time"
)

type workerSlot struct {
	id        int
	ch        chan Job
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type workerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*workerSlot
	slots   map[chan Job]*workerSlot
	min     int
	max     int
	running int
	nextID  int
	expiry  time.Duration
	manager *Manager
}

const defaultWorkerIdle = 30 * time.Second

func newWorkerPool(minWorkers, maxWorkers int, idle time.Duration, manager *Manager) *workerPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if maxWorkers == 0 {
		maxWorkers = 1
	}
	p := &workerPool{
		slots:   make(map[chan Job]*workerSlot),
		min:     minWorkers,
		max:     maxWorkers,
		expiry:  idle,
		manager: manager,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// spawnWorker adds an idle worker unless the pool is full
func (p *workerPool) spawnWorker() {
	p.mu.Lock()
	if p.running >= p.max {
		p.mu.Unlock()
		return
	}
	worker := p.newWorkerLocked()
	p.mu.Unlock()
	worker.Start()
}

// newWorkerLocked registers a worker as idle. Caller holds p.mu.
func (p *workerPool) newWorkerLocked() *Worker {
	p.nextID++
	worker := NewWorker(p.nextID, p, p.manager)
	slot := &workerSlot{
		id:       p.nextID,
		ch:       worker.jobChannel,
		lastUsed: time.Now(),
		enqueued: true,
	}
	p.slots[worker.jobChannel] = slot
	p.idle = append(p.idle, slot)
	p.running++
	workersRunning.Set(float64(p.running))
	return worker
}

// acquire gets an idle worker, or spawns a new one
func (p *workerPool) acquire() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if slot := p.popIdleLocked(); slot != nil {
			return slot.ch
		}
		if p.running < p.max {
			worker := p.newWorkerLocked()
			worker.Start()
			continue
		}
		p.cond.Wait()
	}
}

// Release puts a worker back into the idle queue
func (p *workerPool) Release(ch chan Job) {
	p.mu.Lock()
	slot, ok := p.slots[ch]
	if !ok || slot.discarded || slot.enqueued {
		p.mu.Unlock()
		return
	}
	slot.enqueued = true
	slot.lastUsed = time.Now()
	p.idle = append(p.idle, slot)
	p.mu.Unlock()
	p.cond.Signal()
}

// retire deletes a worker
func (p *workerPool) retire(ch chan Job) {
	p.mu.Lock()
	if slot, ok := p.slots[ch]; ok {
		delete(p.slots, ch)
		slot.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	workersRunning.Set(float64(p.running))
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *workerPool) workerID(ch chan Job) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot, ok := p.slots[ch]; ok {
		return slot.id
	}
	return -1
}

func (p *workerPool) size() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.idle)
}

// popIdleLocked returns the first usable idle worker
func (p *workerPool) popIdleLocked() *workerSlot {
	for len(p.idle) > 0 {
		slot := p.idle[0]
		p.idle = p.idle[1:]
		if slot.discarded {
			continue
		}
		slot.enqueued = false
		return slot
	}
	return nil
}

// purgeStaleWorkers calls shutdownExpired when expiry time comes
func (p *workerPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		<-ticker.C
		p.shutdownExpired()
	}
}

// shutdownExpired retires idle workers above the minimum that outlived the expiry
func (p *workerPool) shutdownExpired() {
	var stale []*workerSlot
	now := time.Now()

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0] // reuse the backing array
	for _, slot := range p.idle {
		if slot.discarded {
			continue
		}
		if now.Sub(slot.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			slot.discarded = true
			slot.enqueued = false
			stale = append(stale, slot)
			continue
		}
		remaining = append(remaining, slot)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, slot := range stale {
		debugLog("[pool] retire idle worker-%d", slot.id)
		slot.ch <- Job{Type: Stop}
	}
}
