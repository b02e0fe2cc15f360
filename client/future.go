package client

import (
	"context"
	"errors"
	"sync"

	fi "github.com/rocketbitz/tagfabric-go/fi"
)

type operationResult struct {
	length    int
	tag       uint64
	data      uint64
	hasData   bool
	source    fi.Address
	truncated bool
	err       error
}

type operation struct {
	client  *Client
	kind    OperationKind
	size    int
	tag     uint64
	buffer  []byte
	req     *fi.Request
	done    chan struct{}
	release func()

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

func newOperation(client *Client, kind OperationKind, size int, tag uint64) *operation {
	return &operation{
		client: client,
		kind:   kind,
		size:   size,
		tag:    tag,
		done:   make(chan struct{}),
	}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := op.callbacks
		op.callbacks = nil
		op.mu.Unlock()

		if op.release != nil {
			op.release()
		}
		if op.client != nil {
			op.client.emit(op, res)
		}
		close(op.done)

		for _, cb := range callbacks {
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

func (op *operation) await(ctx context.Context) (operationResult, error) {
	ctx = ensureContext(ctx)
	select {
	case <-op.done:
		res := op.resultSnapshot()
		return res, res.err
	case <-ctx.Done():
		select {
		case <-op.done:
			res := op.resultSnapshot()
			return res, res.err
		default:
		}
		return operationResult{}, ctx.Err()
	}
}

func (op *operation) cancel() error {
	if op.req == nil {
		return fi.ErrBusy
	}
	return op.req.Cancel()
}

// SendFuture tracks the completion of a posted send operation.
type SendFuture struct {
	op *operation
}

// Await blocks until the send operation completes or the context is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("tagfabric client: nil send future")
	}
	_, err := f.op.await(ctx)
	return err
}

// Done exposes a channel that closes when the send operation resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the send resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// Cancel withdraws the send if it has not been transmitted yet. The future
// then resolves with an error wrapping fi.ErrCanceled.
func (f *SendFuture) Cancel() error {
	if f == nil || f.op == nil {
		return errors.New("tagfabric client: nil send future")
	}
	return f.op.cancel()
}

// ReceiveFuture tracks the completion of a posted receive operation.
type ReceiveFuture struct {
	op  *operation
	buf []byte
}

// Await blocks until the receive resolves or the context is cancelled. The
// returned length never exceeds the buffer; check Truncated for overflow.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("tagfabric client: nil receive future")
	}
	res, err := f.op.await(ctx)
	if err != nil {
		return 0, err
	}
	return res.length, nil
}

// Buffer returns the caller-provided buffer passed to ReceiveAsync.
func (f *ReceiveFuture) Buffer() []byte {
	if f == nil {
		return nil
	}
	return f.buf
}

// Source returns the address of the peer that produced the data.
// AddressUnspecified is returned until the receive completes or when the
// sender is not in the client's address vector.
func (f *ReceiveFuture) Source() fi.Address {
	if f == nil || f.op == nil || !f.resolved() {
		return fi.AddressUnspecified
	}
	return f.op.resultSnapshot().source
}

// Tag returns the sender's tag once the receive has completed.
func (f *ReceiveFuture) Tag() uint64 {
	if f == nil || f.op == nil {
		return 0
	}
	return f.op.resultSnapshot().tag
}

// Data returns the immediate data word and whether the sender supplied one.
func (f *ReceiveFuture) Data() (uint64, bool) {
	if f == nil || f.op == nil {
		return 0, false
	}
	res := f.op.resultSnapshot()
	return res.data, res.hasData
}

// Truncated reports whether the message was larger than the buffer.
func (f *ReceiveFuture) Truncated() bool {
	if f == nil || f.op == nil {
		return false
	}
	return f.op.resultSnapshot().truncated
}

// Done exposes a channel that closes when the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously once data arrives.
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

// Cancel withdraws the receive if no message has matched it yet.
func (f *ReceiveFuture) Cancel() error {
	if f == nil || f.op == nil {
		return errors.New("tagfabric client: nil receive future")
	}
	return f.op.cancel()
}

func (f *ReceiveFuture) resolved() bool {
	select {
	case <-f.op.done:
		return true
	default:
		return false
	}
}
