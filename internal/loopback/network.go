// Package loopback provides an in-process, connectionless datagram fabric.
//
// A Network is a switch of named ports. Each Port owns a bounded inbound
// queue; Send never blocks and reports ErrBackpressure when the destination
// queue is full so the caller can retry on its next progress pass. Delivery is
// reliable and per-sender ordered while both ports stay open.
package loopback

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// DefaultQueueDepth bounds the number of frames a port buffers.
const DefaultQueueDepth = 4096

var (
	// ErrUnreachable reports an unknown or closed destination port.
	ErrUnreachable = errors.New("loopback: destination unreachable")
	// ErrBackpressure reports a full destination queue.
	ErrBackpressure = errors.New("loopback: destination queue full")
	// ErrClosed reports use of a closed port.
	ErrClosed = errors.New("loopback: port closed")
	// ErrBadName reports a malformed port name.
	ErrBadName = errors.New("loopback: malformed port name")
)

var shared = struct {
	sync.Mutex
	nets map[string]*Network
}{nets: make(map[string]*Network)}

// Shared returns the process-wide network registered under name, creating it
// on first use. Ports opened from separate fabrics with the same name can
// reach each other.
func Shared(name string) *Network {
	shared.Lock()
	defer shared.Unlock()
	if n, ok := shared.nets[name]; ok {
		return n
	}
	n := New(name)
	shared.nets[name] = n
	return n
}

// Network routes frames between ports.
type Network struct {
	name  string
	mu    sync.RWMutex
	ports map[uuid.UUID]*Port
}

// New creates an isolated network.
func New(name string) *Network {
	return &Network{name: name, ports: make(map[uuid.UUID]*Port)}
}

// Name returns the network name.
func (n *Network) Name() string {
	return n.name
}

// Open allocates a port with a fresh random name. depth <= 0 selects
// DefaultQueueDepth.
func (n *Network) Open(depth int) (*Port, error) {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	p := &Port{net: n, id: id, depth: depth}
	n.mu.Lock()
	n.ports[id] = p
	n.mu.Unlock()
	return p, nil
}

// Len reports the number of open ports.
func (n *Network) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.ports)
}

func (n *Network) lookup(name []byte) (*Port, error) {
	id, err := uuid.FromBytes(name)
	if err != nil {
		return nil, ErrBadName
	}
	n.mu.RLock()
	p := n.ports[id]
	n.mu.RUnlock()
	if p == nil {
		return nil, ErrUnreachable
	}
	return p, nil
}

func (n *Network) remove(id uuid.UUID) {
	n.mu.Lock()
	delete(n.ports, id)
	n.mu.Unlock()
}

// Packet is a frame together with the name of the port that sent it.
type Packet struct {
	Src   []byte
	Frame []byte
}

// Port is a named attachment point on a Network.
type Port struct {
	net   *Network
	id    uuid.UUID
	depth int

	mu     sync.Mutex
	queue  []Packet
	head   int
	closed bool
}

// Name returns the 16-byte port name.
func (p *Port) Name() []byte {
	b := p.id
	return b[:]
}

// String returns the textual port name.
func (p *Port) String() string {
	return p.id.String()
}

// Send hands frame to the port named dst. Ownership of frame passes to the
// network on success.
func (p *Port) Send(dst []byte, frame []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	peer, err := p.net.lookup(dst)
	if err != nil {
		return err
	}
	return peer.deliver(Packet{Src: p.Name(), Frame: frame})
}

// Reachable reports whether the port named dst is attached and open. Nothing
// is delivered.
func (p *Port) Reachable(dst []byte) error {
	peer, err := p.net.lookup(dst)
	if err != nil {
		return err
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return ErrUnreachable
	}
	return nil
}

func (p *Port) deliver(pkt Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrUnreachable
	}
	if len(p.queue)-p.head >= p.depth {
		return ErrBackpressure
	}
	p.queue = append(p.queue, pkt)
	return nil
}

// Poll appends up to max queued packets to dst in arrival order.
func (p *Port) Poll(dst []Packet, max int) []Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := len(p.queue) - p.head
	if max <= 0 || max > avail {
		max = avail
	}
	dst = append(dst, p.queue[p.head:p.head+max]...)
	for i := p.head; i < p.head+max; i++ {
		p.queue[i] = Packet{}
	}
	p.head += max
	if p.head == len(p.queue) {
		p.queue = p.queue[:0]
		p.head = 0
	}
	return dst
}

// Pending reports the number of queued packets.
func (p *Port) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) - p.head
}

// Close detaches the port; queued packets are dropped and later sends to it
// fail with ErrUnreachable.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	p.head = 0
	p.mu.Unlock()
	p.net.remove(p.id)
	return nil
}
