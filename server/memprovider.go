package server

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/pvdata"
)

// MemProvider is a minimal in-process ChannelProvider backed by a
// fixed map of named values, standing in for the real databases and
// directory services spec.md §1 puts out of scope. It exists so this
// package's own tests (and anyone embedding pva without a real data
// source yet) can exercise the full CREATE_CHANNEL/GET/PUT/MONITOR
// path end to end.
type MemProvider struct {
	mu       sync.Mutex
	fields   map[string]*pvdata.Field
	channels map[string]*memChannel
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		fields:   make(map[string]*pvdata.Field, 8),
		channels: make(map[string]*memChannel, 8),
	}
}

// Declare registers name with shape f and an initial value; must be
// called before any client can locate/create it.
func (p *MemProvider) Declare(name string, f *pvdata.Field, initial *pvdata.PVField) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fields[name] = f
	p.channels[name] = &memChannel{field: f, value: initial}
}

func (p *MemProvider) HasChannel(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.fields[name]
	return ok
}

func (p *MemProvider) CreateChannel(name string) (Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[name]
	if !ok {
		return nil, cos.NewErrNotFound("channel %q", name)
	}
	return ch, nil
}

// memChannel is one MemProvider-hosted process variable: a value plus
// a set of subscribers notified on every Put.
type memChannel struct {
	mu    sync.Mutex
	field *pvdata.Field
	value *pvdata.PVField
	subs  map[int]func(*pvdata.PVField)
	nextSub int
}

func (c *memChannel) Field(*pvdata.PVRequest) (*pvdata.Field, error) {
	return c.field, nil
}

func (c *memChannel) Get() (*pvdata.PVField, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value.Clone(), nil
}

// Put applies value and fans the resulting snapshot out to every
// subscriber concurrently via errgroup, the same monitor-dispatch
// worker-pool shape spec.md's domain stack calls for -- one slow
// subscriber's opState.deliver (which itself may block briefly merging
// a pipelined update) never holds up another's.
func (c *memChannel) Put(value *pvdata.PVField) error {
	c.mu.Lock()
	c.value.Merge(value)
	// The stored value is not a coalesced queue entry: one Put is one
	// change, so nothing is overrun at this point.
	c.value.Overrun.ClearAll()
	snapshot := c.value.Clone()
	subs := make([]func(*pvdata.PVField), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, fn := range subs {
		fn := fn
		g.Go(func() error {
			fn(snapshot.Clone())
			return nil
		})
	}
	return g.Wait()
}

func (c *memChannel) Subscribe(fn func(*pvdata.PVField)) (cancel func(), err error) {
	c.mu.Lock()
	if c.subs == nil {
		c.subs = make(map[int]func(*pvdata.PVField))
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}, nil
}

// Call implements RPCChannel by echoing the argument back as the
// response, the identity RPC a generic in-memory fixture can offer
// without knowing any domain-specific contract.
func (c *memChannel) Call(arg *pvdata.PVField) (*pvdata.PVField, error) {
	return arg.Clone(), nil
}

// Fixed/Length/SetLength/GetRange implement ArrayChannel against a
// single "value" leaf holding a variable-length array, letting this
// package's tests exercise the Array operation end to end without a
// real array-backed data source.
func (c *memChannel) Fixed() bool { return false }

func (c *memChannel) Length() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	arr, _ := c.value.GetArray("")
	return len(arr), nil
}

func (c *memChannel) SetLength(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	arr, _ := c.value.GetArray("")
	if n <= len(arr) {
		c.value.SetArray("", arr[:n])
		return nil
	}
	grown := make([]any, n)
	copy(grown, arr)
	c.value.SetArray("", grown)
	return nil
}

func (c *memChannel) GetRange(offset, count, stride int) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	arr, _ := c.value.GetArray("")
	if stride <= 0 {
		stride = 1
	}
	if count < 0 {
		count = 0
		for i := offset; i < len(arr); i += stride {
			count++
		}
	}
	out := make([]any, 0, count)
	for i, n := offset, 0; i < len(arr) && n < count; i, n = i+stride, n+1 {
		out = append(out, arr[i])
	}
	return out, nil
}
