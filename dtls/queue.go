package dtls

import (
	"sync"
	"sync/atomic"
)

// packetQueue is the bounded inbound datagram queue of one Channel. It
// has exactly one producer, the endpoint's receive loop, but tolerates
// concurrent pushes and a close racing a push. A push against a full
// queue drops the packet and bumps a counter instead of ever blocking
// the shared receive loop.
type packetQueue struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	dropped uint64
}

func newPacketQueue(capacity int) *packetQueue {
	return &packetQueue{
		ch: make(chan []byte, capacity),
	}
}

// push enqueues one packet without blocking.
func (pq *packetQueue) push(packet []byte) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.closed {
		return
	}

	select {
	case pq.ch <- packet:
	default:
		atomic.AddUint64(&pq.dropped, 1)
	}
}

// close marks the queue's end: already-buffered packets can still be
// consumed, afterwards reads observe the closed channel.
func (pq *packetQueue) close() {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if !pq.closed {
		pq.closed = true
		close(pq.ch)
	}
}

func (pq *packetQueue) droppedPackets() uint64 {
	return atomic.LoadUint64(&pq.dropped)
}

// connQueue holds verified incoming connections until the serving loop
// picks them up. Unbounded, because the cookie exchange already limits
// who can enqueue.
type connQueue struct {
	mu     sync.Mutex
	items  []*Channel
	closed bool
	signal chan struct{}
}

func newConnQueue() *connQueue {
	return &connQueue{
		signal: make(chan struct{}, 1),
	}
}

func (cq *connQueue) push(channel *Channel) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return
	}
	cq.items = append(cq.items, channel)

	select {
	case cq.signal <- struct{}{}:
	default:
	}
}

func (cq *connQueue) close() {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.closed = true

	select {
	case cq.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a connection is available, the queue is closed, or
// one of the stop channels is signalled.
func (cq *connQueue) pop(done, stop <-chan struct{}) (*Channel, error) {
	for {
		cq.mu.Lock()
		if len(cq.items) > 0 {
			channel := cq.items[0]
			cq.items = cq.items[1:]
			cq.mu.Unlock()
			return channel, nil
		}
		closed := cq.closed
		cq.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-cq.signal:
		case <-done:
			return nil, ErrClosed
		case <-stop:
			return nil, ErrClosed
		}
	}
}
