// worker pool draining the shared task queue
package engine

import "sync"

type taskKind uint8

const (
	taskProcess taskKind = iota // readable: read and parse
	taskWrite                   // writable: continue sending
)

type task struct {
	conn *Conn
	kind taskKind
}

// workerPool runs a fixed number of goroutines over one bounded queue.
// Any worker may pick any connection; one-shot re-arming keeps a
// connection with a single worker at a time.
type workerPool struct {
	jobs chan task
	wg   sync.WaitGroup
}

func newWorkerPool(queueSize int) *workerPool {
	return &workerPool{jobs: make(chan task, queueSize)}
}

func (p *workerPool) start(workers int, run func(t task)) {
	for range workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.jobs {
				run(t)
			}
		}()
	}
}

// submit never blocks the reactor: a full queue refuses the task.
func (p *workerPool) submit(t task) bool {
	select {
	case p.jobs <- t:
		return true
	default:
		return false
	}
}

// stop lets the workers drain what is queued and waits for them.
// No submit may follow.
func (p *workerPool) stop() {
	close(p.jobs)
	p.wg.Wait()
}
