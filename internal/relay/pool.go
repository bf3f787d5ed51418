package relay

import (
	"github.com/slimta/slimta-go/internal/envelope"
)

// job is one unit of delivery work handed to an SmtpRelayClient worker.
// result is sent exactly once, mirroring the AsyncResult that
// original_source/slimta/relay/smtp/static.py hands into its PriorityQueue.
type job struct {
	env      *envelope.Envelope
	attempts int
	result   chan jobResult
}

type jobResult struct {
	perRecipient []RecipientResult
	err          error
}

// workQueue is the Go analogue of slimta.util.deque.BlockingDeque as used
// by StaticSmtpRelay: a channel buffered to 4096 jobs, so push blocks only
// once 4096 jobs are already waiting (relay pools limit in-flight
// connections, not queued work below that bound), and pop blocks until a
// job is available or the queue is closed.
type workQueue struct {
	ch chan *job
}

func newWorkQueue() *workQueue {
	return &workQueue{ch: make(chan *job, 4096)}
}

func (q *workQueue) push(j *job) {
	q.ch <- j
}

// pop blocks until a job is available, returning ok=false once the queue
// has been closed and drained.
func (q *workQueue) pop() (j *job, ok bool) {
	j, ok = <-q.ch
	return j, ok
}

func (q *workQueue) len() int {
	return len(q.ch)
}

func (q *workQueue) close() {
	close(q.ch)
}
