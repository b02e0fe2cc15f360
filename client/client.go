package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	fi "github.com/rocketbitz/tagfabric-go/fi"
)

// ErrClosed indicates the client has already been closed.
var ErrClosed = errors.New("tagfabric client: closed")

// Config controls Dial behaviour for the high-level Client.
type Config struct {
	Provider string
	// Fabric names the loopback network to join. Clients dialled with the
	// same fabric name can exchange messages.
	Fabric         string
	Timeout        time.Duration
	CQSize         int
	MRPoolSize     int
	MRPoolCapacity int
	MRPoolAccess   fi.MRAccessFlag
	// Peer is the raw address of a remote client to use as the default
	// destination. When empty the client sends to itself.
	Peer             []byte
	EndpointOptions  []fi.EndpointOption
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Client owns a tagged endpoint together with the completion queue, address
// vector and memory pool it needs, and runs a dispatcher goroutine that
// drives progress and resolves futures.
type Client struct {
	cfg      Config
	info     fi.Info
	fabric   *fi.Fabric
	domain   *fi.Domain
	endpoint *fi.Endpoint
	cq       *fi.CompletionQueue
	av       *fi.AddressVector
	selfAddr fi.Address
	selfRaw  []byte
	peerAddr atomic.Uint64
	mrPool   *fi.MRPool
	mrAccess fi.MRAccessFlag

	requiresMR    bool
	closed        atomic.Bool
	dispatcherErr atomic.Pointer[errorHolder]

	stopCh chan struct{}
	wg     sync.WaitGroup

	handlersMu      sync.RWMutex
	sendHandlers    map[uint64]SendHandler
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

type errorHolder struct {
	err error
}

// OperationKind identifies the type of operation tracked by a future.
type OperationKind int

const (
	OperationSend OperationKind = iota
	OperationReceive
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	default:
		return "operation"
	}
}

// OperationError exposes the failed completion reported by the endpoint.
type OperationError struct {
	Kind    OperationKind
	Errno   fi.Errno
	Flags   fi.CompletionFlag
	Length  int
	OLength int
	Data    uint64
	Tag     uint64
}

func (e OperationError) Error() string {
	return fmt.Sprintf("tagfabric %s completion error: %s (tag=%#x flags=0x%x len=%d olen=%d)", e.Kind, e.Errno, e.Tag, uint64(e.Flags), e.Length, e.OLength)
}

// Unwrap allows errors.Is / errors.As to match against the underlying Errno.
func (e OperationError) Unwrap() error {
	return e.Errno
}

// SendCompletion describes the outcome of a send operation dispatched through a handler.
type SendCompletion struct {
	Tag  uint64
	Size int
	Err  error
}

// ReceiveCompletion describes a completed receive operation delivered through a handler.
type ReceiveCompletion struct {
	Payload   []byte
	Tag       uint64
	Data      uint64
	HasData   bool
	Source    fi.Address
	Truncated bool
	Err       error
}

// SendHandler is invoked when a send operation completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive operation completes.
type ReceiveHandler func(ReceiveCompletion)

// Stats contains counters for client operations.
type Stats struct {
	SendPosted       uint64
	SendCompleted    uint64
	SendErrored      uint64
	InjectPosted     uint64
	ReceivePosted    uint64
	ReceiveMatched   uint64
	ReceiveTruncated uint64
	ReceiveErrored   uint64
}

type clientStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	injectPosted  atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvTruncated atomic.Uint64
	recvErrored   atomic.Uint64
}

// Dial discovers the provider, opens the endpoint resources and starts the
// dispatcher.
func Dial(cfg Config) (*Client, error) {
	if cfg.Provider == "" {
		cfg.Provider = fi.ProviderName
	}
	if cfg.Fabric == "" {
		cfg.Fabric = fi.DefaultFabricName
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	discovery, err := fi.DiscoverDescriptors(
		fi.WithProvider(cfg.Provider),
		fi.WithEndpointType(fi.EndpointTypeRDM),
		fi.WithCaps(fi.CapTagged),
		fi.WithFabric(cfg.Fabric),
	)
	if err != nil {
		return nil, fmt.Errorf("discover descriptors: %w", err)
	}
	defer discovery.Close()

	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("no descriptors found for provider %s", cfg.Provider)
	}
	selected := descriptors[0]

	c := &Client{
		cfg:              cfg,
		info:             selected.Info(),
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	if c.structuredLogger == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			c.structuredLogger = logger
		}
	}
	if err := c.open(selected); err != nil {
		c.release()
		return nil, err
	}

	c.wg.Add(1)
	go c.dispatch()
	return c, nil
}

func (c *Client) open(desc fi.Descriptor) error {
	var err error
	if c.fabric, err = desc.OpenFabric(); err != nil {
		return fmt.Errorf("open fabric: %w", err)
	}
	if c.domain, err = desc.OpenDomain(c.fabric); err != nil {
		return fmt.Errorf("open domain: %w", err)
	}
	if c.cq, err = c.domain.OpenCompletionQueue(&fi.CompletionQueueAttr{Size: c.cfg.CQSize}); err != nil {
		return fmt.Errorf("open completion queue: %w", err)
	}
	if c.av, err = c.domain.OpenAddressVector(&fi.AddressVectorAttr{Count: 16}); err != nil {
		return fmt.Errorf("open address vector: %w", err)
	}
	if c.endpoint, err = desc.OpenEndpoint(c.domain, c.cfg.EndpointOptions...); err != nil {
		return fmt.Errorf("open endpoint: %w", err)
	}
	if err := c.endpoint.BindCompletionQueue(c.cq, fi.BindSend|fi.BindRecv); err != nil {
		return fmt.Errorf("bind completion queue: %w", err)
	}
	if err := c.endpoint.BindAddressVector(c.av, 0); err != nil {
		return fmt.Errorf("bind address vector: %w", err)
	}
	if err := c.endpoint.Enable(); err != nil {
		return fmt.Errorf("enable endpoint: %w", err)
	}
	if c.selfAddr, err = c.endpoint.RegisterAddress(c.av, 0); err != nil {
		return fmt.Errorf("register endpoint address: %w", err)
	}
	if c.selfRaw, err = c.endpoint.Name(); err != nil {
		return fmt.Errorf("query endpoint address: %w", err)
	}
	c.peerAddr.Store(uint64(c.selfAddr))
	if len(c.cfg.Peer) > 0 {
		peer, err := c.av.InsertRaw(c.cfg.Peer, 0)
		if err != nil {
			return fmt.Errorf("register peer: %w", err)
		}
		c.peerAddr.Store(uint64(peer))
	}

	c.requiresMR = c.domain.RequiresMRMode(fi.MRModeLocal)
	c.mrAccess = c.cfg.MRPoolAccess
	if c.mrAccess == 0 {
		c.mrAccess = fi.MRAccessLocal
	}
	if c.cfg.MRPoolSize <= 0 {
		c.cfg.MRPoolSize = c.endpoint.Attr().EagerSize
	}
	if c.cfg.MRPoolCapacity <= 0 {
		c.cfg.MRPoolCapacity = 32
	}
	if c.mrPool, err = fi.NewMRPool(c.domain, c.cfg.MRPoolSize, c.mrAccess, c.cfg.MRPoolCapacity); err != nil {
		return fmt.Errorf("create MR pool: %w", err)
	}
	return nil
}

// Close stops the dispatcher and releases the underlying resources.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stopCh)
	c.wg.Wait()

	c.handlersMu.Lock()
	c.sendHandlers = nil
	c.receiveHandlers = nil
	c.handlersMu.Unlock()

	c.release()
	return nil
}

func (c *Client) release() {
	if c.mrPool != nil {
		c.mrPool.Close()
	}
	if c.endpoint != nil {
		_ = c.endpoint.Close()
	}
	if c.av != nil {
		_ = c.av.Close()
	}
	if c.cq != nil {
		_ = c.cq.Close()
	}
	if c.domain != nil {
		_ = c.domain.Close()
	}
	if c.fabric != nil {
		_ = c.fabric.Close()
	}
}

// Send posts a tagged send to the default peer and waits for it, using the
// configured timeout when ctx lacks a deadline.
func (c *Client) Send(ctx context.Context, tag uint64, payload []byte) error {
	return c.SendTo(ctx, c.DefaultPeer(), tag, payload)
}

// SendAsync posts a tagged send to the default peer.
func (c *Client) SendAsync(tag uint64, payload []byte) (*SendFuture, error) {
	return c.sendAsync(c.DefaultPeer(), tag, 0, false, payload)
}

// SendTo transmits payload to dest with tag and waits for the completion.
func (c *Client) SendTo(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	future, err := c.sendAsync(dest, tag, 0, false, payload)
	if err != nil {
		return err
	}
	if err := future.Await(ctx); err != nil {
		if ctx.Err() != nil {
			c.withdraw(future.op)
		}
		return err
	}
	return nil
}

// SendToAsync posts a tagged send targeted at dest.
func (c *Client) SendToAsync(dest fi.Address, tag uint64, payload []byte) (*SendFuture, error) {
	return c.sendAsync(dest, tag, 0, false, payload)
}

// SendDataAsync posts a tagged send that also delivers data in the
// receiver's completion.
func (c *Client) SendDataAsync(dest fi.Address, tag, data uint64, payload []byte) (*SendFuture, error) {
	return c.sendAsync(dest, tag, data, true, payload)
}

func (c *Client) sendAsync(dest fi.Address, tag, data uint64, withData bool, payload []byte) (*SendFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}
	if dest == fi.AddressUnspecified {
		return nil, errors.New("tagfabric client: destination address required")
	}

	req, release, err := c.prepareSend(payload)
	if err != nil {
		return nil, err
	}
	req.Dest = dest
	req.Tag = tag
	if withData {
		req.Data = data
		req.Flags |= fi.FlagRemoteCQData
	}

	op := newOperation(c, OperationSend, len(payload), tag)
	op.release = release
	req.Context = op

	handle, err := c.endpoint.PostTaggedSend(&req)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, fmt.Errorf("post send: %w", err)
	}
	op.req = handle
	c.stats.sendPosted.Add(1)
	c.logf("client: send posted size=%d dest=%v tag=%#x", len(payload), dest, tag)
	return &SendFuture{op: op}, nil
}

// Inject sends a payload no larger than the endpoint's inject limit. It
// returns once the payload is staged; no completion is reported.
func (c *Client) Inject(dest fi.Address, tag uint64, payload []byte) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := c.dispatchFailure(); err != nil {
		return err
	}
	if err := c.endpoint.TInject(payload, dest, tag); err != nil {
		return fmt.Errorf("inject: %w", err)
	}
	c.stats.injectPosted.Add(1)
	c.logf("client: inject posted size=%d dest=%v tag=%#x", len(payload), dest, tag)
	return nil
}

// InjectLimit reports the largest payload Inject accepts.
func (c *Client) InjectLimit() int {
	if c == nil || c.endpoint == nil {
		return 0
	}
	return int(c.endpoint.InjectLimit())
}

// Receive posts a receive matching tag under ignore from any peer and waits
// for it, filling buf.
func (c *Client) Receive(ctx context.Context, tag, ignore uint64, buf []byte) (int, error) {
	count, _, err := c.ReceiveFrom(ctx, tag, ignore, buf)
	return count, err
}

// ReceiveFrom behaves like Receive but also returns the peer address.
func (c *Client) ReceiveFrom(ctx context.Context, tag, ignore uint64, buf []byte) (int, fi.Address, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, fi.AddressUnspecified, err
	}
	future, err := c.ReceiveAsync(tag, ignore, buf)
	if err != nil {
		return 0, fi.AddressUnspecified, err
	}
	count, err := future.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.withdraw(future.op)
		}
		return 0, fi.AddressUnspecified, err
	}
	return count, future.Source(), nil
}

// withdraw cancels an operation whose caller stopped waiting, so an abandoned
// receive cannot consume a later message. Operations already matched or
// transmitted run to completion.
func (c *Client) withdraw(op *operation) {
	if err := op.cancel(); err != nil && !errors.Is(err, fi.ErrBusy) {
		c.logf("client: withdraw %s tag=%#x: %v", op.kind, op.tag, err)
	}
}

// ReceiveAsync posts a receive from any peer and returns a future that
// resolves when a matching message lands.
func (c *Client) ReceiveAsync(tag, ignore uint64, buf []byte) (*ReceiveFuture, error) {
	return c.ReceiveFromAsync(fi.AddressUnspecified, tag, ignore, buf)
}

// ReceiveFromAsync posts a receive that only accepts messages from src.
func (c *Client) ReceiveFromAsync(src fi.Address, tag, ignore uint64, buf []byte) (*ReceiveFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	desc, release, err := c.registerLocal(buf)
	if err != nil {
		return nil, err
	}
	op := newOperation(c, OperationReceive, len(buf), tag)
	op.release = release
	op.buffer = buf

	handle, err := c.endpoint.PostTaggedRecv(&fi.TaggedRecvRequest{
		Buffer:  buf,
		Desc:    desc,
		Source:  src,
		Tag:     tag,
		Ignore:  ignore,
		Context: op,
	})
	if err != nil {
		if release != nil {
			release()
		}
		return nil, fmt.Errorf("post recv: %w", err)
	}
	op.req = handle
	c.stats.recvPosted.Add(1)
	c.logf("client: receive posted size=%d tag=%#x ignore=%#x", len(buf), tag, ignore)
	return &ReceiveFuture{op: op, buf: buf}, nil
}

func (c *Client) ensureOpen() error {
	if c == nil || c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) dispatchFailure() error {
	if err := c.dispatcherError(); err != nil {
		return fmt.Errorf("tagfabric client dispatcher failed: %w", err)
	}
	return nil
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:       c.stats.sendPosted.Load(),
		SendCompleted:    c.stats.sendCompleted.Load(),
		SendErrored:      c.stats.sendErrored.Load(),
		InjectPosted:     c.stats.injectPosted.Load(),
		ReceivePosted:    c.stats.recvPosted.Load(),
		ReceiveMatched:   c.stats.recvMatched.Load(),
		ReceiveTruncated: c.stats.recvTruncated.Load(),
		ReceiveErrored:   c.stats.recvErrored.Load(),
	}
}

// EndpointStats exposes the protocol counters of the underlying endpoint.
func (c *Client) EndpointStats() fi.EndpointStats {
	if c == nil {
		return fi.EndpointStats{}
	}
	return c.endpoint.Stats()
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok || c.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// prepareSend stages payload in a pooled region when it fits, so the caller
// may reuse payload as soon as the post returns. Larger payloads are
// registered in place and must stay untouched until the send completes.
func (c *Client) prepareSend(payload []byte) (fi.TaggedSendRequest, func(), error) {
	if len(payload) == 0 {
		return fi.TaggedSendRequest{}, nil, nil
	}
	if len(payload) <= c.mrPool.RegionSize() {
		region, err := c.mrPool.Acquire()
		if err != nil {
			return fi.TaggedSendRequest{}, nil, err
		}
		buf := region.Bytes()[:len(payload)]
		copy(buf, payload)
		return fi.TaggedSendRequest{Buffer: buf, Desc: region.Descriptor()}, func() { c.mrPool.Release(region) }, nil
	}
	desc, release, err := c.registerLocal(payload)
	if err != nil {
		return fi.TaggedSendRequest{}, nil, err
	}
	return fi.TaggedSendRequest{Buffer: payload, Desc: desc}, release, nil
}

func (c *Client) registerLocal(buf []byte) (fi.MRDesc, func(), error) {
	if len(buf) == 0 || !c.requiresMR {
		return fi.MRDesc{}, nil, nil
	}
	region, err := c.domain.RegisterMemory(buf, c.mrAccess)
	if err != nil {
		return fi.MRDesc{}, nil, err
	}
	return region.Descriptor(), func() { _ = region.Close() }, nil
}

// LocalAddress returns the raw address of the client's endpoint. Peers pass
// it to RegisterPeer.
func (c *Client) LocalAddress() ([]byte, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	return append([]byte(nil), c.selfRaw...), nil
}

// SelfAddress returns the client's own handle in its address vector.
func (c *Client) SelfAddress() fi.Address {
	if c == nil {
		return fi.AddressUnspecified
	}
	return c.selfAddr
}

// RegisterPeer inserts the supplied raw address into the client's address vector.
// When setDefault is true, subsequent calls to Send/SendAsync target the peer automatically.
func (c *Client) RegisterPeer(addr []byte, setDefault bool) (fi.Address, error) {
	if err := c.ensureOpen(); err != nil {
		return 0, err
	}
	if len(addr) == 0 {
		return 0, errors.New("tagfabric client: peer address must be non-empty")
	}
	fiAddr, err := c.av.InsertRaw(addr, 0)
	if err != nil {
		return 0, err
	}
	if setDefault {
		c.peerAddr.Store(uint64(fiAddr))
	}
	return fiAddr, nil
}

// SetDefaultPeer configures the destination address used by Send/SendAsync.
func (c *Client) SetDefaultPeer(addr fi.Address) {
	if c == nil {
		return
	}
	c.peerAddr.Store(uint64(addr))
}

// DefaultPeer returns the destination address used by Send/SendAsync.
func (c *Client) DefaultPeer() fi.Address {
	if c == nil {
		return fi.AddressUnspecified
	}
	return fi.Address(c.peerAddr.Load())
}

// RegisterSendHandler installs a callback invoked for every completed send. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterSendHandler(handler SendHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.sendHandlers == nil {
		c.sendHandlers = make(map[uint64]SendHandler)
	}
	c.sendHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.sendHandlers, id)
		c.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed receive.
func (c *Client) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.receiveHandlers == nil {
		c.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	c.receiveHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.receiveHandlers, id)
		c.handlersMu.Unlock()
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}
