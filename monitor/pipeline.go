// Package monitor implements the subscription pipeline spec.md §4.9
// describes: a bounded ready queue of decoded updates, overrun
// compression when the consumer falls behind, and a pipelined ack
// window so the server doesn't have to wait for one ack per update.
// Grounded on the teacher's now-superseded transport/bundle stream
// bundling (a free/ready buffer pair draining a FIFO under one lock),
// generalized from batched object-stream frames to monitor PVField
// snapshots.
package monitor

import (
	"sync"

	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/pvdata"
)

// MinQueueSize is the smallest queueSize record[] may request
// (resolves spec.md's open question: below this, overrun compression
// alone can't distinguish "one update pending" from "nothing pending",
// so construction fails outright rather than behaving as size 2).
const MinQueueSize = 2

// Pipeline is one monitor subscription's buffer: decoded updates queue
// up in Ready until Pop'd, merging into the newest entry instead of
// growing unbounded once Ready reaches queueSize (overrun compression).
type Pipeline struct {
	mu        sync.Mutex
	ready     []*pvdata.PVField
	capacity  int
	overruns  int64
	ackWindow int
	delivered int
	acked     int
}

// NewPipeline validates queueSize against MinQueueSize and sets the
// pipelined ack window to half the queue (rounded down, minimum 1):
// the server is asked to slow down before Ready actually fills.
func NewPipeline(queueSize int) (*Pipeline, error) {
	if queueSize < MinQueueSize {
		return nil, cos.Status{Kind: cos.KindInvalidQueueSize, Message: "queueSize below minimum"}
	}
	ackWindow := queueSize / 2
	if ackWindow < 1 {
		ackWindow = 1
	}
	return &Pipeline{capacity: queueSize, ackWindow: ackWindow}, nil
}

// Push enqueues a freshly decoded update. When Ready is already at
// capacity, the new update is merged into the last queued one
// (last-write-wins per changed leaf, via PVField.Merge) instead of
// growing the queue, and overran reports true. PVField.Merge computes
// the merged entry's Overrun as the intersection of the two changed
// sets, so a field only ends up on Overrun once it has actually
// changed more than once across the coalesced arrivals -- the queued
// entry popped afterward carries both its Changed and Overrun sets.
func (p *Pipeline) Push(update *pvdata.PVField) (overran bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ready) >= p.capacity {
		p.ready[len(p.ready)-1].Merge(update)
		p.overruns++
		return true
	}
	p.ready = append(p.ready, update)
	return false
}

// Pop removes and returns the oldest queued update, if any.
func (p *Pipeline) Pop() (*pvdata.PVField, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ready) == 0 {
		return nil, false
	}
	u := p.ready[0]
	p.ready = p.ready[1:]
	p.delivered++
	return u, true
}

// Len reports how many updates are currently queued for delivery.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// Overruns reports how many Push calls had to compress into an
// existing entry rather than queue a new one.
func (p *Pipeline) Overruns() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overruns
}

// NeedsAck reports whether enough updates have been delivered since
// the last Ack to warrant sending one now (the pipelined ack window).
func (p *Pipeline) NeedsAck() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered-p.acked >= p.ackWindow
}

// Ack records that the peer has been told about n more deliveries.
func (p *Pipeline) Ack(n int) {
	p.mu.Lock()
	p.acked += n
	p.mu.Unlock()
}

// PendingAckCount is how many deliveries since the last Ack -- the
// nfree count a client's pipelined MONITOR(qos=GET_PUT) sends once
// NeedsAck is true (spec.md §4.9 "Pipelining", S6).
func (p *Pipeline) PendingAckCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered - p.acked
}
