package fi

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/tagfabric-go/internal/loopback"
	"github.com/rocketbitz/tagfabric-go/internal/wire"
)

// SendState tracks a send through the transport protocol.
type SendState uint8

const (
	SendPosted SendState = iota
	SendInjected
	SendEagerSent
	SendRendezvousControlSent
	SendRendezvousDataInFlight
	SendCompleted
)

func (s SendState) String() string {
	switch s {
	case SendPosted:
		return "posted"
	case SendInjected:
		return "injected"
	case SendEagerSent:
		return "eager_sent"
	case SendRendezvousControlSent:
		return "rendezvous_control_sent"
	case SendRendezvousDataInFlight:
		return "rendezvous_data_in_flight"
	case SendCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

type sendPath uint8

const (
	pathInject sendPath = iota
	pathEager
	pathRendezvous
)

func (p sendPath) String() string {
	switch p {
	case pathInject:
		return "inject"
	case pathEager:
		return "eager"
	default:
		return "rendezvous"
	}
}

// selectPath picks the protocol for a send of total bytes. Zero-length
// messages always take the inject path.
func selectPath(total int, inject bool, attr EndpointAttr) sendPath {
	switch {
	case inject || total == 0:
		return pathInject
	case total <= attr.EagerSize:
		return pathEager
	default:
		return pathRendezvous
	}
}

type requestKind uint8

const (
	requestSend requestKind = iota
	requestRecv
)

// Request is the handle of a posted send or receive.
type Request struct {
	ep      *Endpoint
	id      uint64
	kind    requestKind
	done    bool
	send    *sendOp
	recv    *postedRecv
	Context any
}

// ID returns the endpoint-unique operation id.
func (r *Request) ID() uint64 {
	if r == nil {
		return 0
	}
	return r.id
}

// Cancel withdraws an operation that has not been matched or transmitted.
// A cancelled operation produces a failed completion carrying ErrCanceled.
// Operations already in flight return ErrBusy.
func (r *Request) Cancel() error {
	if r == nil || r.ep == nil {
		return ErrInvalidHandle{"request"}
	}
	return r.ep.cancel(r)
}

// SendState reports the protocol state of a send request.
func (r *Request) SendState() SendState {
	if r == nil || r.send == nil {
		return SendPosted
	}
	r.ep.mu.Lock()
	defer r.ep.mu.Unlock()
	return r.send.state
}

type sendOp struct {
	req       *Request
	id        uint64
	dest      string
	iov       [][]byte
	total     int
	tag       uint64
	data      uint64
	flags     uint8
	key       uint64
	path      sendPath
	state     SendState
	completes bool
	staged    *MemoryRegion

	transmitted bool
	awaitingAck bool
	awaitingFin bool
	parked      bool
	failed      bool
	firstSent   time.Time
	deadline    time.Time
	retryAt     time.Time
	backoff     time.Duration

	recvID  uint64
	grant   int
	pushed  int
	pending []byte
}

type recvOp struct {
	posted   *postedRecv
	src      string
	srcAddr  Address
	sendID   uint64
	tag      uint64
	data     uint64
	flags    uint8
	total    int
	expect   int
	received int
	deadline time.Time
}

// outFrame is a frame waiting for the fabric. Send frames are encoded at
// transmit time from op; control frames carry their bytes. recv is set on
// the RTR that a rendezvous receive depends on.
type outFrame struct {
	dst   string
	op    *sendOp
	recv  *recvOp
	frame []byte
}

const (
	minRetryBackoff = time.Millisecond
	maxRetryBackoff = 50 * time.Millisecond
)

// Progress handles arrived frames, transmits queued frames and expires
// timers. Reading a bound completion queue calls it implicitly.
func (e *Endpoint) Progress() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.enabled {
		return
	}
	e.inbox = e.port.Poll(e.inbox[:0], e.attr.ProgressBudget)
	for i := range e.inbox {
		e.handlePacket(e.inbox[i])
		e.inbox[i] = loopback.Packet{}
	}
	now := time.Now()
	e.checkTimers(now)
	e.flush(now)
}

func (e *Endpoint) handlePacket(pkt loopback.Packet) {
	f, err := wire.Decode(pkt.Frame)
	if err != nil {
		e.stats.ProtocolErrors++
		e.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	src := string(pkt.Src)
	switch f.Type {
	case wire.TypeInject, wire.TypeEager:
		e.handleEager(src, f)
	case wire.TypeRTS:
		e.handleRTS(src, f)
	case wire.TypeAck:
		e.handleAck(f)
	case wire.TypeNack:
		e.handleNack(f)
	case wire.TypeRTR:
		e.handleRTR(f)
	case wire.TypeData:
		e.handleData(src, f)
	case wire.TypeFin:
		e.handleFin(f)
	default:
		e.stats.ProtocolErrors++
		e.log.Warn("dropping unknown frame", zap.Stringer("type", f.Type))
	}
}

func (e *Endpoint) queueControl(dst string, h wire.Header) {
	e.outbound = append(e.outbound, &outFrame{dst: dst, frame: wire.Encode(h)})
}

func (e *Endpoint) nack(dst string, sendID uint64) {
	e.stats.NacksSent++
	e.queueControl(dst, wire.Header{Type: wire.TypeNack, SendID: sendID, Status: uint32(ErrNoRX)})
}

func (e *Endpoint) handleEager(src string, f wire.Frame) {
	addr := e.resolve(src)
	if r := e.match.matchPosted(f.Tag, addr); r != nil {
		n := scatter(r.iov, 0, f.Payload)
		e.completeRecv(r, addr, f.Tag, f.Data, f.Flags, n, len(f.Payload))
	} else {
		u := &unexpectedMsg{
			src:     src,
			kind:    f.Type,
			flags:   f.Flags,
			tag:     f.Tag,
			data:    f.Data,
			sendID:  f.SendID,
			total:   len(f.Payload),
			payload: f.Payload,
		}
		if !e.match.admit(u) {
			e.nack(src, f.SendID)
			return
		}
		e.stats.Unexpected++
		e.log.Debug("buffered unexpected message", zap.Stringer("type", f.Type), zap.Uint64("tag", f.Tag), zap.Int("len", u.total))
	}
	e.queueControl(src, wire.Header{Type: wire.TypeAck, SendID: f.SendID})
}

func (e *Endpoint) handleRTS(src string, f wire.Frame) {
	addr := e.resolve(src)
	if r := e.match.matchPosted(f.Tag, addr); r != nil {
		e.queueControl(src, wire.Header{Type: wire.TypeAck, SendID: f.SendID})
		e.startRendezvousRecv(r, src, addr, f.SendID, f.Tag, f.Data, f.Flags, int(f.Total), f.Key)
		return
	}
	u := &unexpectedMsg{
		src:    src,
		kind:   wire.TypeRTS,
		flags:  f.Flags,
		tag:    f.Tag,
		data:   f.Data,
		sendID: f.SendID,
		key:    f.Key,
		total:  int(f.Total),
	}
	if !e.match.admit(u) {
		e.nack(src, f.SendID)
		return
	}
	e.stats.Unexpected++
	e.log.Debug("buffered unexpected rendezvous", zap.Uint64("tag", f.Tag), zap.Int("len", u.total))
	e.queueControl(src, wire.Header{Type: wire.TypeAck, SendID: f.SendID})
}

// deliverUnexpected satisfies a newly posted receive from a buffered message.
func (e *Endpoint) deliverUnexpected(r *postedRecv, u *unexpectedMsg) {
	addr := e.resolve(u.src)
	if u.kind == wire.TypeRTS {
		e.startRendezvousRecv(r, u.src, addr, u.sendID, u.tag, u.data, u.flags, u.total, u.key)
		return
	}
	n := scatter(r.iov, 0, u.payload)
	e.completeRecv(r, addr, u.tag, u.data, u.flags, n, u.total)
}

func (e *Endpoint) startRendezvousRecv(r *postedRecv, src string, addr Address, sendID, tag, data uint64, flags uint8, total int, key uint64) {
	op := &recvOp{
		posted:   r,
		src:      src,
		srcAddr:  addr,
		sendID:   sendID,
		tag:      tag,
		data:     data,
		flags:    flags,
		total:    total,
		expect:   min(total, r.cap),
		deadline: time.Now().Add(e.attr.RetryTimeout),
	}
	e.recvs[r.req.id] = op
	e.outbound = append(e.outbound, &outFrame{dst: src, recv: op, frame: wire.Encode(wire.Header{
		Type:   wire.TypeRTR,
		SendID: sendID,
		RecvID: r.req.id,
		Total:  uint64(op.expect),
		Key:    key,
		Tag:    tag,
	})})
	e.log.Debug("rendezvous matched", zap.Uint64("tag", tag), zap.Int("total", total), zap.Int("expect", op.expect))
	if op.expect == 0 {
		e.finishRendezvousRecv(op)
	}
}

func (e *Endpoint) handleData(src string, f wire.Frame) {
	op := e.recvs[f.RecvID]
	if op == nil || op.sendID != f.SendID || op.src != src {
		e.stats.ProtocolErrors++
		e.log.Warn("dropping stray data frame", zap.Uint64("recv_id", f.RecvID), zap.Uint64("send_id", f.SendID))
		return
	}
	if int(f.Offset)+len(f.Payload) > op.expect {
		e.stats.ProtocolErrors++
		e.log.Warn("data frame exceeds granted length", zap.Uint64("offset", f.Offset), zap.Int("len", len(f.Payload)))
		return
	}
	op.received += scatter(op.posted.iov, int(f.Offset), f.Payload)
	op.deadline = time.Now().Add(e.attr.RetryTimeout)
	if op.received >= op.expect {
		e.finishRendezvousRecv(op)
	}
}

func (e *Endpoint) finishRendezvousRecv(op *recvOp) {
	delete(e.recvs, op.posted.req.id)
	var flags uint8
	if op.expect < op.total {
		flags = wire.FlagTruncated
	}
	e.queueControl(op.src, wire.Header{
		Type:   wire.TypeFin,
		Flags:  flags,
		SendID: op.sendID,
		RecvID: op.posted.req.id,
		Total:  uint64(op.expect),
	})
	e.completeRecv(op.posted, op.srcAddr, op.tag, op.data, op.flags, op.expect, op.total)
}

func (e *Endpoint) completeRecv(r *postedRecv, src Address, tag, data uint64, wflags uint8, n, total int) {
	flags := CompletionRecv | CompletionTagged
	evt := &CompletionEvent{Context: r.req.Context, Len: n, Tag: tag, Source: src}
	if wflags&wire.FlagRemoteData != 0 {
		flags |= CompletionRemoteCQData
		evt.Data = data
	}
	if n < total {
		flags |= CompletionTruncated
		e.stats.Truncated++
	}
	evt.Flags = flags
	r.req.done = true
	e.stats.RecvsCompleted++
	e.recvCQ.push(cqEntry{event: evt})
}

// failRecv ends a rendezvous receive whose sender stopped answering. Data
// frames arriving for it later are dropped as stray.
func (e *Endpoint) failRecv(op *recvOp, errno Errno) {
	id := op.posted.req.id
	if e.recvs[id] != op {
		return
	}
	delete(e.recvs, id)
	op.posted.req.done = true
	e.stats.RecvsFailed++
	if errno == ErrTimedOut {
		e.stats.Timeouts++
	}
	e.log.Warn("receive failed", zap.Uint64("recv_id", id), zap.Uint64("tag", op.tag), zap.Int("received", op.received), zap.Int("expect", op.expect), zap.Error(errno))
	e.recvCQ.push(cqEntry{err: &CompletionError{
		Context: op.posted.req.Context,
		Err:     errno,
		Flags:   CompletionRecv | CompletionTagged,
		Len:     op.received,
		OLen:    op.expect - op.received,
		Tag:     op.tag,
		Source:  op.srcAddr,
	}})
}

func (e *Endpoint) handleAck(f wire.Frame) {
	op := e.sends[f.SendID]
	if op == nil || !op.awaitingAck {
		return
	}
	op.awaitingAck = false
	switch op.path {
	case pathInject:
		e.releaseStaging(op)
		op.state = SendCompleted
		delete(e.sends, op.id)
		if op.completes {
			e.completeSend(op, op.total)
		}
	case pathEager:
		op.state = SendCompleted
		delete(e.sends, op.id)
		e.completeSend(op, op.total)
	case pathRendezvous:
		// the receiver holds the RTS; data moves once it answers with RTR
		op.parked = true
		op.deadline = time.Now().Add(e.attr.RetryTimeout)
	}
}

func (e *Endpoint) handleNack(f wire.Frame) {
	op := e.sends[f.SendID]
	if op == nil || !op.awaitingAck {
		return
	}
	op.awaitingAck = false
	if op.backoff == 0 {
		op.backoff = minRetryBackoff
	} else if op.backoff < maxRetryBackoff {
		op.backoff *= 2
	}
	op.retryAt = time.Now().Add(op.backoff)
	e.retries = append(e.retries, op)
	e.stats.Retransmits++
	e.log.Debug("receiver not ready, scheduling retransmit", zap.Uint64("send_id", op.id), zap.Duration("backoff", op.backoff))
}

func (e *Endpoint) handleRTR(f wire.Frame) {
	op := e.sends[f.SendID]
	if op == nil || op.path != pathRendezvous || op.state != SendRendezvousControlSent {
		e.stats.ProtocolErrors++
		return
	}
	if f.Key != op.key {
		e.failSend(op, ErrProto)
		return
	}
	op.awaitingAck = false
	op.parked = false
	op.recvID = f.RecvID
	op.grant = min(int(f.Total), op.total)
	op.state = SendRendezvousDataInFlight
	e.pushes = append(e.pushes, op)
	e.log.Debug("rendezvous granted", zap.Uint64("send_id", op.id), zap.Int("grant", op.grant))
}

func (e *Endpoint) handleFin(f wire.Frame) {
	op := e.sends[f.SendID]
	if op == nil || op.state != SendRendezvousDataInFlight || op.recvID != f.RecvID {
		e.stats.ProtocolErrors++
		return
	}
	op.awaitingFin = false
	op.state = SendCompleted
	delete(e.sends, op.id)
	e.completeSend(op, op.total)
}

func (e *Endpoint) completeSend(op *sendOp, n int) {
	if !op.completes {
		return
	}
	op.completes = false
	op.req.done = true
	flags := CompletionSend | CompletionTagged
	if op.flags&wire.FlagRemoteData != 0 {
		flags |= CompletionRemoteCQData
	}
	e.stats.SendsCompleted++
	e.sendCQ.push(cqEntry{event: &CompletionEvent{
		Context: op.req.Context,
		Flags:   flags,
		Len:     n,
		Tag:     op.tag,
		Data:    op.data,
	}})
}

// failSend ends op with errno. Queues referencing op drop it lazily.
func (e *Endpoint) failSend(op *sendOp, errno Errno) {
	if op.failed {
		return
	}
	op.failed = true
	op.awaitingAck = false
	op.awaitingFin = false
	op.parked = false
	delete(e.sends, op.id)
	e.releaseStaging(op)
	e.stats.SendsFailed++
	if errno == ErrTimedOut {
		e.stats.Timeouts++
	}
	e.log.Warn("send failed", zap.Uint64("send_id", op.id), zap.Stringer("path", op.path), zap.Stringer("state", op.state), zap.Error(errno))
	if !op.completes {
		return
	}
	op.completes = false
	op.req.done = true
	e.sendCQ.push(cqEntry{err: &CompletionError{
		Context: op.req.Context,
		Err:     errno,
		Flags:   CompletionSend | CompletionTagged,
		Len:     op.pushed,
		OLen:    op.total - op.pushed,
		Tag:     op.tag,
		Data:    op.data,
	}})
}

func (e *Endpoint) releaseStaging(op *sendOp) {
	if op.staged != nil {
		e.staging.Release(op.staged)
		op.staged = nil
	}
}

// checkTimers expires sends and rendezvous receives whose peer has been
// silent for RetryTimeout. A peer that is still attached is only slow to
// poll, so its deadline is re-armed instead.
func (e *Endpoint) checkTimers(now time.Time) {
	for _, op := range e.sends {
		if !(op.awaitingAck || op.awaitingFin || op.parked) || !now.After(op.deadline) {
			continue
		}
		if e.port.Reachable([]byte(op.dest)) == nil {
			op.deadline = now.Add(e.attr.RetryTimeout)
			continue
		}
		e.failSend(op, ErrTimedOut)
	}
	for _, op := range e.recvs {
		if !now.After(op.deadline) {
			continue
		}
		if e.port.Reachable([]byte(op.src)) == nil {
			op.deadline = now.Add(e.attr.RetryTimeout)
			continue
		}
		e.failRecv(op, ErrTimedOut)
	}
	if len(e.retries) == 0 {
		return
	}
	kept := e.retries[:0]
	for _, op := range e.retries {
		switch {
		case op.failed:
		case now.Sub(op.firstSent) > e.attr.RetryTimeout:
			e.failSend(op, ErrTimedOut)
		case now.Before(op.retryAt):
			kept = append(kept, op)
		default:
			e.outbound = append(e.outbound, &outFrame{dst: op.dest, op: op})
		}
	}
	clear(e.retries[len(kept):])
	e.retries = kept
}

func (e *Endpoint) encodeSend(op *sendOp) []byte {
	h := wire.Header{
		Tag:    op.tag,
		Flags:  op.flags,
		SendID: op.id,
		Total:  uint64(op.total),
	}
	if op.flags&wire.FlagRemoteData != 0 {
		h.Data = op.data
	}
	switch op.path {
	case pathInject:
		h.Type = wire.TypeInject
		if op.staged != nil {
			return wire.Encode(h, op.staged.Bytes()[:op.total])
		}
		return wire.Encode(h)
	case pathEager:
		h.Type = wire.TypeEager
		return wire.Encode(h, op.iov...)
	default:
		h.Type = wire.TypeRTS
		h.Key = op.key
		return wire.Encode(h)
	}
}

func (e *Endpoint) transmitted(op *sendOp, now time.Time) {
	if !op.transmitted {
		op.transmitted = true
		op.firstSent = now
	}
	op.awaitingAck = true
	op.deadline = now.Add(e.attr.RetryTimeout)
	switch op.path {
	case pathInject:
		op.state = SendInjected
	case pathEager:
		op.state = SendEagerSent
	default:
		op.state = SendRendezvousControlSent
	}
}

// flush hands queued frames to the fabric in order. A destination that
// pushes back is skipped for the rest of the pass.
func (e *Endpoint) flush(now time.Time) {
	blocked := map[string]bool{}
	kept := e.outbound[:0]
	for _, of := range e.outbound {
		if of.op != nil && of.op.failed {
			continue
		}
		if blocked[of.dst] {
			kept = append(kept, of)
			continue
		}
		frame := of.frame
		if of.op != nil {
			frame = e.encodeSend(of.op)
		}
		err := e.port.Send([]byte(of.dst), frame)
		switch {
		case err == nil:
			if of.op != nil {
				e.transmitted(of.op, now)
			}
		case errors.Is(err, loopback.ErrBackpressure):
			blocked[of.dst] = true
			kept = append(kept, of)
		default:
			switch {
			case of.op != nil:
				e.failSend(of.op, ErrUnreachable)
			case of.recv != nil:
				e.failRecv(of.recv, ErrUnreachable)
			default:
				e.log.Warn("dropping control frame", zap.Error(err))
			}
		}
	}
	clear(e.outbound[len(kept):])
	e.outbound = kept
	e.pumpData(now, blocked)
}

// pumpData moves rendezvous payload for every granted send.
func (e *Endpoint) pumpData(now time.Time, blocked map[string]bool) {
	if len(e.pushes) == 0 {
		return
	}
	kept := e.pushes[:0]
	for _, op := range e.pushes {
		for !op.failed && op.pushed < op.grant && !blocked[op.dest] {
			if op.pending == nil {
				n := min(e.attr.MTU, op.grant-op.pushed)
				op.pending = wire.Alloc(wire.Header{
					Type:   wire.TypeData,
					Tag:    op.tag,
					SendID: op.id,
					RecvID: op.recvID,
					Offset: uint64(op.pushed),
				}, n)
				gather(op.pending[wire.HeaderSize:], op.iov, op.pushed)
			}
			err := e.port.Send([]byte(op.dest), op.pending)
			switch {
			case err == nil:
				op.pushed += len(op.pending) - wire.HeaderSize
				op.pending = nil
			case errors.Is(err, loopback.ErrBackpressure):
				blocked[op.dest] = true
			default:
				e.failSend(op, ErrUnreachable)
			}
		}
		if op.failed {
			continue
		}
		if op.pushed < op.grant {
			kept = append(kept, op)
			continue
		}
		op.awaitingFin = true
		op.deadline = now.Add(e.attr.RetryTimeout)
	}
	clear(e.pushes[len(kept):])
	e.pushes = kept
}

func (e *Endpoint) cancel(r *Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrInvalidHandle{"endpoint"}
	}
	if r.done {
		return ErrBusy
	}
	switch r.kind {
	case requestRecv:
		if !e.match.cancel(r.recv) {
			return ErrBusy
		}
		r.done = true
		e.stats.Canceled++
		e.recvCQ.push(cqEntry{err: &CompletionError{
			Context: r.Context,
			Err:     ErrCanceled,
			Flags:   CompletionRecv | CompletionTagged,
			Tag:     r.recv.tag,
			OLen:    r.recv.cap,
		}})
		return nil
	default:
		op := r.send
		if op.transmitted || op.failed {
			return ErrBusy
		}
		for i, of := range e.outbound {
			if of.op == op {
				e.outbound = append(e.outbound[:i], e.outbound[i+1:]...)
				break
			}
		}
		delete(e.sends, op.id)
		e.releaseStaging(op)
		op.failed = true
		e.stats.Canceled++
		if op.completes {
			op.completes = false
			r.done = true
			e.sendCQ.push(cqEntry{err: &CompletionError{
				Context: r.Context,
				Err:     ErrCanceled,
				Flags:   CompletionSend | CompletionTagged,
				OLen:    op.total,
				Tag:     op.tag,
				Data:    op.data,
			}})
		}
		return nil
	}
}
