package fi

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/tagfabric-go/internal/loopback"
)

// BindFlag controls endpoint binding behavior.
type BindFlag uint64

const (
	BindSend BindFlag = 1 << 0
	BindRecv BindFlag = 1 << 1
)

// EndpointAttr holds the tunables of a tagged endpoint. Zero fields take the
// values advertised by the descriptor's Info.
type EndpointAttr struct {
	// InjectSize is the largest payload accepted by inject operations.
	InjectSize int
	// EagerSize is the largest payload sent in a single eager frame. Larger
	// messages use the rendezvous protocol.
	EagerSize int
	// MTU bounds the payload of a single frame.
	MTU int
	// UnexpectedBytes and UnexpectedCount bound buffering of messages that
	// arrive before a matching receive.
	UnexpectedBytes int
	UnexpectedCount int
	// QueueDepth bounds the inbound frame queue of the endpoint's port.
	QueueDepth int
	// RetryTimeout is how long a transfer waits on a silent peer before
	// checking it is still attached. Transfers to a detached peer fail with
	// ErrTimedOut; a live peer gets another period. It also bounds how long
	// a refused send keeps retransmitting.
	RetryTimeout time.Duration
	// ProgressBudget caps the frames handled per progress pass. Zero
	// drains everything queued.
	ProgressBudget int
	Logger         *zap.Logger
}

// EndpointOption adjusts endpoint attributes.
type EndpointOption func(*EndpointAttr)

// WithInjectSize overrides the inject threshold.
func WithInjectSize(n int) EndpointOption {
	return func(a *EndpointAttr) { a.InjectSize = n }
}

// WithEagerSize overrides the eager/rendezvous boundary.
func WithEagerSize(n int) EndpointOption {
	return func(a *EndpointAttr) { a.EagerSize = n }
}

// WithMTU overrides the frame payload limit.
func WithMTU(n int) EndpointOption {
	return func(a *EndpointAttr) { a.MTU = n }
}

// WithUnexpectedLimits bounds unexpected message buffering.
func WithUnexpectedLimits(bytes, count int) EndpointOption {
	return func(a *EndpointAttr) {
		a.UnexpectedBytes = bytes
		a.UnexpectedCount = count
	}
}

// WithQueueDepth overrides the inbound frame queue depth.
func WithQueueDepth(n int) EndpointOption {
	return func(a *EndpointAttr) { a.QueueDepth = n }
}

// WithRetryTimeout overrides the acknowledgement timeout.
func WithRetryTimeout(d time.Duration) EndpointOption {
	return func(a *EndpointAttr) { a.RetryTimeout = d }
}

// WithProgressBudget caps frames handled per progress pass.
func WithProgressBudget(n int) EndpointOption {
	return func(a *EndpointAttr) { a.ProgressBudget = n }
}

// WithLogger attaches a zap logger to the endpoint.
func WithLogger(l *zap.Logger) EndpointOption {
	return func(a *EndpointAttr) { a.Logger = l }
}

func (a *EndpointAttr) normalize(info Info) {
	if a.MTU <= 0 {
		a.MTU = int(info.MTU)
	}
	if a.EagerSize <= 0 {
		a.EagerSize = int(info.EagerSize)
	}
	if a.EagerSize > a.MTU {
		a.EagerSize = a.MTU
	}
	if a.InjectSize <= 0 {
		a.InjectSize = int(info.InjectSize)
	}
	if a.InjectSize > a.EagerSize {
		a.InjectSize = a.EagerSize
	}
	if a.UnexpectedBytes <= 0 {
		a.UnexpectedBytes = DefaultUnexpectedBytes
	}
	if a.UnexpectedCount <= 0 {
		a.UnexpectedCount = DefaultUnexpectedCount
	}
	if a.RetryTimeout <= 0 {
		a.RetryTimeout = DefaultRetryTimeout
	}
	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}
}

// EndpointStats counts protocol activity on an endpoint.
type EndpointStats struct {
	InjectSent      uint64
	EagerSent       uint64
	RendezvousSent  uint64
	SendsCompleted  uint64
	SendsFailed     uint64
	RecvsCompleted  uint64
	RecvsFailed     uint64
	Unexpected      uint64
	Truncated       uint64
	NacksSent       uint64
	Retransmits     uint64
	Timeouts        uint64
	Canceled        uint64
	ProtocolErrors  uint64
	UnexpectedQueue int
	PostedRecvs     int
}

// Endpoint is a reliable, connectionless tagged messaging endpoint.
type Endpoint struct {
	domain  *Domain
	attr    EndpointAttr
	port    *loopback.Port
	log     *zap.Logger
	staging *MRPool

	mu       sync.Mutex
	enabled  bool
	closed   bool
	sendCQ   *CompletionQueue
	recvCQ   *CompletionQueue
	av       *AddressVector
	match    *matcher
	nextID   uint64
	sends    map[uint64]*sendOp
	recvs    map[uint64]*recvOp
	outbound []*outFrame
	pushes   []*sendOp
	retries  []*sendOp
	inbox    []loopback.Packet
	stats    EndpointStats
}

// OpenEndpoint opens a tagged endpoint using the descriptor information.
func (d Descriptor) OpenEndpoint(domain *Domain, opts ...EndpointOption) (*Endpoint, error) {
	if !domain.valid() {
		return nil, ErrInvalidHandle{"domain"}
	}
	attr := EndpointAttr{}
	for _, opt := range opts {
		opt(&attr)
	}
	attr.normalize(d.entry)

	port, err := domain.fabric.net.Open(attr.QueueDepth)
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{
		domain: domain,
		attr:   attr,
		port:   port,
		log:    attr.Logger.With(zap.String("endpoint", port.String())),
		match:  newMatcher(attr.UnexpectedBytes, attr.UnexpectedCount),
		sends:  make(map[uint64]*sendOp),
		recvs:  make(map[uint64]*recvOp),
	}
	if attr.InjectSize > 0 {
		ep.staging, err = NewMRPool(domain, attr.InjectSize, MRAccessLocal, 64)
		if err != nil {
			_ = port.Close()
			return nil, err
		}
	}
	return ep, nil
}

// Close releases the endpoint. Peers sending to it afterwards observe
// ErrUnreachable.
func (e *Endpoint) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	// operations that will never complete give their queue slots back
	for _, op := range e.sends {
		e.releaseStaging(op)
		if op.completes && e.sendCQ != nil {
			op.completes = false
			e.sendCQ.unreserve()
		}
	}
	if e.recvCQ != nil {
		for range e.recvs {
			e.recvCQ.unreserve()
		}
		for range e.match.posted {
			e.recvCQ.unreserve()
		}
	}
	e.match.posted = nil
	e.sends = nil
	e.recvs = nil
	e.outbound = nil
	e.pushes = nil
	e.retries = nil
	if e.sendCQ != nil {
		e.sendCQ.unbind(e)
	}
	if e.recvCQ != nil {
		e.recvCQ.unbind(e)
	}
	e.staging.Close()
	return e.port.Close()
}

// BindCompletionQueue binds the endpoint to a completion queue with flags.
func (e *Endpoint) BindCompletionQueue(cq *CompletionQueue, flags BindFlag) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if cq == nil {
		return ErrInvalidHandle{"completion queue"}
	}
	if cq.domain != e.domain {
		return invalidArg("completion queue belongs to another domain")
	}
	if flags&(BindSend|BindRecv) == 0 {
		return invalidArg("bind flags must include BindSend or BindRecv")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrInvalidHandle{"endpoint"}
	}
	if e.enabled {
		return ErrBadState
	}
	if flags&BindSend != 0 {
		e.sendCQ = cq
	}
	if flags&BindRecv != 0 {
		e.recvCQ = cq
	}
	cq.bind(e)
	return nil
}

// BindAddressVector binds the endpoint to the specified address vector.
func (e *Endpoint) BindAddressVector(av *AddressVector, flags BindFlag) error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if av == nil {
		return ErrInvalidHandle{"address vector"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrInvalidHandle{"endpoint"}
	}
	if e.enabled {
		return ErrBadState
	}
	e.av = av
	return nil
}

// Enable transitions the endpoint into an active state. Both directions
// must have a completion queue bound.
func (e *Endpoint) Enable() error {
	if e == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrInvalidHandle{"endpoint"}
	}
	if e.sendCQ == nil || e.recvCQ == nil {
		return invalidArg("endpoint requires send and receive completion queues")
	}
	e.enabled = true
	return nil
}

// Name returns the fabric address of the endpoint.
func (e *Endpoint) Name() ([]byte, error) {
	if e == nil || e.port == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	return append([]byte(nil), e.port.Name()...), nil
}

// RegisterAddress resolves the endpoint's address via Name() and inserts it into
// the provided address vector.
func (e *Endpoint) RegisterAddress(av *AddressVector, flags uint64) (Address, error) {
	if e == nil {
		return 0, ErrInvalidHandle{"endpoint"}
	}
	if av == nil {
		return 0, ErrInvalidHandle{"address vector"}
	}
	addrBytes, err := e.Name()
	if err != nil {
		return 0, err
	}
	return av.InsertRaw(addrBytes, flags)
}

// InjectLimit reports the largest payload accepted by inject operations.
func (e *Endpoint) InjectLimit() uintptr {
	if e == nil {
		return 0
	}
	return uintptr(e.attr.InjectSize)
}

// Attr returns the effective endpoint attributes.
func (e *Endpoint) Attr() EndpointAttr {
	if e == nil {
		return EndpointAttr{}
	}
	return e.attr
}

// SupportsTagged indicates whether the endpoint can perform tagged messaging operations.
func (e *Endpoint) SupportsTagged() bool {
	return e != nil && e.domain.info.SupportsTagged()
}

// Stats returns a snapshot of the endpoint counters.
func (e *Endpoint) Stats() EndpointStats {
	if e == nil {
		return EndpointStats{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.UnexpectedQueue = len(e.match.unexpected)
	s.PostedRecvs = len(e.match.posted)
	return s
}

func (e *Endpoint) usableLocked() error {
	if e.closed {
		return ErrInvalidHandle{"endpoint"}
	}
	if !e.enabled {
		return ErrBadState
	}
	return nil
}

func (e *Endpoint) resolve(name string) Address {
	return e.av.reverse(name)
}

func (e *Endpoint) destination(dest Address) (string, error) {
	if e.av == nil {
		return "", ErrNoAddressVector
	}
	name, err := e.av.Lookup(dest)
	if err != nil {
		return "", err
	}
	return string(name), nil
}
