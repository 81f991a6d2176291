package sim

import (
	"fmt"
	"sync"
	"time"
)

// Transport is the message-passing fabric between partitions: non-blocking
// typed send/recv plus a collective wait. Send/recv pairs are matched by
// (peer rank, tag). The core never serialises a transport handle; it is
// rebuilt from configuration on restore.
type Transport interface {
	Rank() int
	NumRanks() int
	ISend(peer int, tag int, payload []byte) *Request
	IRecv(peer int, tag int) *Request
	WaitAll(reqs []*Request) error
}

// Request is an in-flight non-blocking transfer. Data is valid only after
// WaitAll has returned nil for the request.
type Request struct {
	done    chan struct{}
	payload []byte
	err     error
}

// Data returns the received payload of a completed receive request.
func (r *Request) Data() []byte { return r.payload }

// Tags used by the core on the shared fabric.
const (
	tagSync = 0
	tagInit = 1
)

// Fabric couples the partitions of one process through buffered channels
// keyed by (from, to, tag). One Fabric is shared by all partitions of a
// run; each partition talks to it through its own Endpoint.
type Fabric struct {
	numRanks int
	timeout  time.Duration

	mu    sync.Mutex
	chans map[fabricKey]chan []byte
}

type fabricKey struct {
	from, to, tag int
}

// NewFabric creates an in-process fabric for numRanks partitions. A barrier
// exchange that fails to complete within the fabric timeout is treated as a
// desynchronised peer, which is fatal.
func NewFabric(numRanks int) *Fabric {
	return &Fabric{
		numRanks: numRanks,
		timeout:  30 * time.Second,
		chans:    make(map[fabricKey]chan []byte),
	}
}

// SetTimeout overrides the exchange timeout. Tests shrink it to surface
// desync failures quickly.
func (f *Fabric) SetTimeout(d time.Duration) { f.timeout = d }

// Endpoint returns rank's view of the fabric.
func (f *Fabric) Endpoint(rank int) Transport {
	return &fabricEndpoint{fabric: f, rank: rank}
}

func (f *Fabric) channel(key fabricKey) chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.chans[key]
	if !ok {
		ch = make(chan []byte, 4)
		f.chans[key] = ch
	}
	return ch
}

type fabricEndpoint struct {
	fabric *Fabric
	rank   int
}

func (e *fabricEndpoint) Rank() int     { return e.rank }
func (e *fabricEndpoint) NumRanks() int { return e.fabric.numRanks }

// ISend posts a non-blocking send of payload to peer.
func (e *fabricEndpoint) ISend(peer int, tag int, payload []byte) *Request {
	req := &Request{done: make(chan struct{})}
	ch := e.fabric.channel(fabricKey{from: e.rank, to: peer, tag: tag})
	go func() {
		defer close(req.done)
		select {
		case ch <- payload:
		case <-time.After(e.fabric.timeout):
			req.err = fmt.Errorf("%w: send to rank %d (tag %d) timed out", ErrProtocol, peer, tag)
		}
	}()
	return req
}

// IRecv posts a non-blocking receive for the next payload from peer.
func (e *fabricEndpoint) IRecv(peer int, tag int) *Request {
	req := &Request{done: make(chan struct{})}
	ch := e.fabric.channel(fabricKey{from: peer, to: e.rank, tag: tag})
	go func() {
		defer close(req.done)
		select {
		case req.payload = <-ch:
		case <-time.After(e.fabric.timeout):
			req.err = fmt.Errorf("%w: recv from rank %d (tag %d) timed out", ErrProtocol, peer, tag)
		}
	}()
	return req
}

// WaitAll blocks until every posted request completes and returns the first
// failure, if any.
func (e *fabricEndpoint) WaitAll(reqs []*Request) error {
	var firstErr error
	for _, req := range reqs {
		<-req.done
		if req.err != nil && firstErr == nil {
			firstErr = req.err
		}
	}
	return firstErr
}
