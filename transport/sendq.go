package transport

import (
	"sync"

	"github.com/pvaccess-go/pva/cmn/nlog"
)

// Sender is one queued unit of work: given the Writer, it encodes and
// submits exactly one message (via StartMessage/Buf/EndMessage or
// WriteControl) and reports the outcome on Done, if non-nil. Grounded
// on the teacher's collect.go single-writer-goroutine-over-a-FIFO
// pattern (its `obj` callback generalized from an object-stream send to
// an arbitrary framing-codec write).
type Sender struct {
	Encode func(w *Writer) error
	Done   func(error)
}

// SendQ is the per-transport send queue (spec.md §4.3): a mutex-guarded
// FIFO drained by a single goroutine so that only one Sender ever
// touches the Writer at a time, preserving frame ordering without
// requiring callers to serialize among themselves.
type SendQ struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      []*Sender
	w      *Writer
	closed bool
}

func NewSendQ(w *Writer) *SendQ {
	sq := &SendQ{w: w}
	sq.cond = sync.NewCond(&sq.mu)
	return sq
}

// Enqueue appends a Sender to the FIFO. Safe to call re-entrantly from
// within a Sender's own Encode/Done callback.
func (sq *SendQ) Enqueue(s *Sender) bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return false
	}
	sq.q = append(sq.q, s)
	sq.cond.Signal()
	return true
}

// Run drains the FIFO on the calling goroutine until Close is called;
// intended to be the body of the transport's dedicated send thread
// (spec.md §5, deployment flavor (ii)).
func (sq *SendQ) Run() {
	for {
		sq.mu.Lock()
		for len(sq.q) == 0 && !sq.closed {
			sq.cond.Wait()
		}
		if sq.closed && len(sq.q) == 0 {
			sq.mu.Unlock()
			return
		}
		s := sq.q[0]
		sq.q = sq.q[1:]
		sq.mu.Unlock()

		err := s.Encode(sq.w)
		if err == nil && sq.w.strategy == Delayed && !sq.morePending() {
			err = sq.w.Flush()
		}
		if s.Done != nil {
			s.Done(err)
		}
		if err != nil {
			nlog.Errorf("transport: send queue encode error: %v", err)
		}
	}
}

func (sq *SendQ) morePending() bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.q) > 0
}

// Close stops Run once the FIFO drains, rejects further Enqueue calls,
// and fails every Sender still queued at that moment.
func (sq *SendQ) Close(cause error) {
	sq.mu.Lock()
	if sq.closed {
		sq.mu.Unlock()
		return
	}
	sq.closed = true
	dropped := sq.q
	sq.q = nil
	sq.cond.Broadcast()
	sq.mu.Unlock()

	for _, s := range dropped {
		if s.Done != nil {
			s.Done(cause)
		}
	}
}
