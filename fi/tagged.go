package fi

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/tagfabric-go/internal/wire"
)

// OpFlag modifies a data operation.
type OpFlag uint64

const (
	// FlagInject copies the payload during the call and suppresses the local
	// send completion.
	FlagInject OpFlag = 1 << 0
	// FlagRemoteCQData delivers the request's Data word to the receiver's
	// completion.
	FlagRemoteCQData OpFlag = 1 << 1
)

// TaggedSendRequest describes a tagged message transmit operation. Set either
// Buffer or IOV.
type TaggedSendRequest struct {
	Buffer  []byte
	IOV     [][]byte
	Desc    MRDesc
	Dest    Address
	Tag     uint64
	Data    uint64
	Flags   OpFlag
	Context any
}

// TaggedRecvRequest describes a tagged message receive operation. Source
// AddressUnspecified accepts any sender; set bits in Ignore are excluded
// from tag comparison.
type TaggedRecvRequest struct {
	Buffer  []byte
	IOV     [][]byte
	Desc    MRDesc
	Source  Address
	Tag     uint64
	Ignore  uint64
	Context any
}

// TaggedMsg is the message-descriptor form used by TSendMsg and TRecvMsg.
type TaggedMsg struct {
	IOV     [][]byte
	Desc    MRDesc
	Addr    Address
	Tag     uint64
	Ignore  uint64
	Data    uint64
	Context any
}

// PostTaggedSend posts a tagged send. The payload is selected onto the
// inject, eager or rendezvous path by size and flags. Argument and resource
// errors are returned synchronously; transport failures surface as failed
// completions. Inject requests return a nil Request.
func (e *Endpoint) PostTaggedSend(req *TaggedSendRequest) (*Request, error) {
	if e == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	if !e.SupportsTagged() {
		return nil, ErrCapabilityUnsupported
	}
	if req == nil {
		return nil, invalidArg("nil tagged send request")
	}
	iov, err := segments(req.Buffer, req.IOV)
	if err != nil {
		return nil, err
	}
	total := iovLen(iov)
	inject := req.Flags&FlagInject != 0
	if inject && total > e.attr.InjectSize {
		return nil, fmt.Errorf("%w: %w: %d byte inject exceeds limit %d", ErrInvalidArgument, ErrMsgSize, total, e.attr.InjectSize)
	}
	if uint64(total) > e.domain.info.MaxMsgSize {
		return nil, fmt.Errorf("%w: %w: %d byte message", ErrInvalidArgument, ErrMsgSize, total)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usableLocked(); err != nil {
		return nil, err
	}
	dest, err := e.destination(req.Dest)
	if err != nil {
		return nil, err
	}
	var region *MemoryRegion
	if !inject {
		if region, err = e.domain.checkDescriptor(req.Desc, total); err != nil {
			return nil, err
		}
	}
	if !inject {
		if err := e.sendCQ.reserve(); err != nil {
			return nil, err
		}
	}

	e.nextID++
	op := &sendOp{
		id:        e.nextID,
		dest:      dest,
		iov:       iov,
		total:     total,
		tag:       req.Tag,
		data:      req.Data,
		path:      selectPath(total, inject, e.attr),
		completes: !inject,
	}
	if req.Flags&FlagRemoteCQData != 0 {
		op.flags |= wire.FlagRemoteData
	}
	if region != nil {
		op.key = region.Key()
	}
	op.req = &Request{ep: e, id: op.id, kind: requestSend, send: op, Context: req.Context}

	switch op.path {
	case pathInject:
		if total > 0 {
			staged, err := e.staging.Acquire()
			if err != nil {
				if op.completes {
					e.sendCQ.unreserve()
				}
				return nil, err
			}
			gather(staged.Bytes()[:total], iov, 0)
			op.staged = staged
			op.iov = nil
		}
		e.stats.InjectSent++
		if op.completes {
			// zero-length sends complete locally at post time
			e.completeSend(op, 0)
		}
	case pathEager:
		e.stats.EagerSent++
	case pathRendezvous:
		e.stats.RendezvousSent++
	}
	e.log.Debug("send posted", zap.Uint64("send_id", op.id), zap.Stringer("path", op.path), zap.Uint64("tag", op.tag), zap.Int("len", total))

	e.sends[op.id] = op
	e.outbound = append(e.outbound, &outFrame{dst: dest, op: op})
	e.flush(time.Now())
	if inject {
		return nil, nil
	}
	return op.req, nil
}

// PostTaggedRecv posts a tagged receive. A message already buffered as
// unexpected is matched immediately.
func (e *Endpoint) PostTaggedRecv(req *TaggedRecvRequest) (*Request, error) {
	if e == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	if !e.SupportsTagged() {
		return nil, ErrCapabilityUnsupported
	}
	if req == nil {
		return nil, invalidArg("nil tagged recv request")
	}
	iov, err := segments(req.Buffer, req.IOV)
	if err != nil {
		return nil, err
	}
	capacity := iovLen(iov)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usableLocked(); err != nil {
		return nil, err
	}
	if _, err := e.domain.checkDescriptor(req.Desc, capacity); err != nil {
		return nil, err
	}
	if err := e.recvCQ.reserve(); err != nil {
		return nil, err
	}

	e.nextID++
	r := &postedRecv{
		iov:    iov,
		cap:    capacity,
		source: req.Source,
		tag:    req.Tag,
		ignore: req.Ignore,
	}
	r.req = &Request{ep: e, id: e.nextID, kind: requestRecv, recv: r, Context: req.Context}

	if u := e.match.matchUnexpected(req.Tag, req.Ignore, req.Source, e.resolve); u != nil {
		e.deliverUnexpected(r, u)
	} else {
		e.match.post(r)
	}
	e.flush(time.Now())
	return r.req, nil
}

// TSend sends buf to dest with tag.
func (e *Endpoint) TSend(buf []byte, desc MRDesc, dest Address, tag uint64, ctx any) (*Request, error) {
	return e.PostTaggedSend(&TaggedSendRequest{Buffer: buf, Desc: desc, Dest: dest, Tag: tag, Context: ctx})
}

// TSendV sends the concatenation of iov to dest with tag.
func (e *Endpoint) TSendV(iov [][]byte, desc MRDesc, dest Address, tag uint64, ctx any) (*Request, error) {
	return e.PostTaggedSend(&TaggedSendRequest{IOV: iov, Desc: desc, Dest: dest, Tag: tag, Context: ctx})
}

// TSendData sends buf with an immediate data word delivered in the
// receiver's completion.
func (e *Endpoint) TSendData(buf []byte, desc MRDesc, data uint64, dest Address, tag uint64, ctx any) (*Request, error) {
	return e.PostTaggedSend(&TaggedSendRequest{Buffer: buf, Desc: desc, Dest: dest, Tag: tag, Data: data, Flags: FlagRemoteCQData, Context: ctx})
}

// TSendMsg sends a message described by msg. The data word is delivered only
// when flags include FlagRemoteCQData.
func (e *Endpoint) TSendMsg(msg *TaggedMsg, flags OpFlag) (*Request, error) {
	if msg == nil {
		return nil, invalidArg("nil tagged message")
	}
	return e.PostTaggedSend(&TaggedSendRequest{
		IOV:     msg.IOV,
		Desc:    msg.Desc,
		Dest:    msg.Addr,
		Tag:     msg.Tag,
		Data:    msg.Data,
		Flags:   flags,
		Context: msg.Context,
	})
}

// TInject sends a small payload that is copied before the call returns. No
// local completion is generated.
func (e *Endpoint) TInject(buf []byte, dest Address, tag uint64) error {
	_, err := e.PostTaggedSend(&TaggedSendRequest{Buffer: buf, Dest: dest, Tag: tag, Flags: FlagInject})
	return err
}

// TInjectData is TInject with an immediate data word.
func (e *Endpoint) TInjectData(buf []byte, data uint64, dest Address, tag uint64) error {
	_, err := e.PostTaggedSend(&TaggedSendRequest{Buffer: buf, Dest: dest, Tag: tag, Data: data, Flags: FlagInject | FlagRemoteCQData})
	return err
}

// TRecv posts a receive into buf for messages from src matching tag under ignore.
func (e *Endpoint) TRecv(buf []byte, desc MRDesc, src Address, tag, ignore uint64, ctx any) (*Request, error) {
	return e.PostTaggedRecv(&TaggedRecvRequest{Buffer: buf, Desc: desc, Source: src, Tag: tag, Ignore: ignore, Context: ctx})
}

// TRecvV posts a scatter receive into iov.
func (e *Endpoint) TRecvV(iov [][]byte, desc MRDesc, src Address, tag, ignore uint64, ctx any) (*Request, error) {
	return e.PostTaggedRecv(&TaggedRecvRequest{IOV: iov, Desc: desc, Source: src, Tag: tag, Ignore: ignore, Context: ctx})
}

// TRecvMsg posts a receive described by msg.
func (e *Endpoint) TRecvMsg(msg *TaggedMsg, flags OpFlag) (*Request, error) {
	if msg == nil {
		return nil, invalidArg("nil tagged message")
	}
	return e.PostTaggedRecv(&TaggedRecvRequest{
		IOV:     msg.IOV,
		Desc:    msg.Desc,
		Source:  msg.Addr,
		Tag:     msg.Tag,
		Ignore:  msg.Ignore,
		Context: msg.Context,
	})
}

// PeekTagged reports the oldest buffered message that a receive with the
// given source, tag and ignore mask would match, without consuming it. It
// returns ErrNoMessage when nothing matches.
func (e *Endpoint) PeekTagged(src Address, tag, ignore uint64) (*CompletionEvent, error) {
	if e == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	e.Progress()
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usableLocked(); err != nil {
		return nil, err
	}
	u := e.match.peekUnexpected(tag, ignore, src, e.resolve)
	if u == nil {
		return nil, ErrNoMessage
	}
	evt := &CompletionEvent{
		Flags:  CompletionRecv | CompletionTagged,
		Len:    u.total,
		Tag:    u.tag,
		Source: e.resolve(u.src),
	}
	if u.flags&wire.FlagRemoteData != 0 {
		evt.Flags |= CompletionRemoteCQData
		evt.Data = u.data
	}
	return evt, nil
}

// TaggedSendSync posts a tagged send and waits for its completion on cq.
// The receiving peer must be progressing concurrently. A zero timeout polls
// once, a negative timeout waits forever. Entries for other operations read
// while waiting are discarded.
func (e *Endpoint) TaggedSendSync(buf []byte, desc MRDesc, dest Address, tag uint64, cq *CompletionQueue, timeout time.Duration) error {
	return e.TaggedSendSyncContext(context.Background(), buf, desc, dest, tag, cq, timeout)
}

// TaggedSendSyncContext is the context-aware counterpart to TaggedSendSync.
// Cancellation of ctx aborts the wait loop and returns ctx.Err().
func (e *Endpoint) TaggedSendSyncContext(ctx context.Context, buf []byte, desc MRDesc, dest Address, tag uint64, cq *CompletionQueue, timeout time.Duration) error {
	if cq == nil {
		return fmt.Errorf("tagfabric: completion queue required")
	}
	token := new(syncToken)
	if _, err := e.TSend(buf, desc, dest, tag, token); err != nil {
		return err
	}
	_, err := waitForContext(ctx, cq, token, timeout)
	return err
}

// TaggedRecvSync posts a tagged receive from any source and blocks until the
// completion arrives or the timeout expires.
func (e *Endpoint) TaggedRecvSync(buf []byte, desc MRDesc, tag, ignore uint64, cq *CompletionQueue, timeout time.Duration) (*CompletionEvent, error) {
	return e.TaggedRecvSyncContext(context.Background(), buf, desc, tag, ignore, cq, timeout)
}

// TaggedRecvSyncContext mirrors TaggedRecvSync but aborts when ctx is cancelled.
func (e *Endpoint) TaggedRecvSyncContext(ctx context.Context, buf []byte, desc MRDesc, tag, ignore uint64, cq *CompletionQueue, timeout time.Duration) (*CompletionEvent, error) {
	if cq == nil {
		return nil, fmt.Errorf("tagfabric: completion queue required")
	}
	token := new(syncToken)
	if _, err := e.TRecv(buf, desc, AddressUnspecified, tag, ignore, token); err != nil {
		return nil, err
	}
	return waitForContext(ctx, cq, token, timeout)
}
