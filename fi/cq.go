package fi

import (
	"fmt"
	"sync"
)

// CompletionQueueAttr controls completion queue creation.
type CompletionQueueAttr struct {
	// Size bounds the number of operations that may be outstanding or
	// queued against the CQ. Zero selects DefaultCQSize.
	Size int
}

// CompletionFlag describes a completion entry.
type CompletionFlag uint64

const (
	CompletionSend CompletionFlag = 1 << iota
	CompletionRecv
	CompletionTagged
	CompletionRemoteCQData
	CompletionTruncated
)

// CompletionEvent represents a single successful completion entry.
type CompletionEvent struct {
	Context any
	Flags   CompletionFlag
	// Len is the number of bytes moved. For truncated receives it is the
	// receiver's capacity. Sends report the full length offered, even when
	// the receiver truncated it.
	Len    int
	Data   uint64
	Tag    uint64
	Source Address
}

// Truncated reports whether a receive delivered fewer bytes than were sent.
func (e *CompletionEvent) Truncated() bool {
	return e != nil && e.Flags&CompletionTruncated != 0
}

// HasData reports whether the completion carries a remote immediate data word.
func (e *CompletionEvent) HasData() bool {
	return e != nil && e.Flags&CompletionRemoteCQData != 0
}

// CompletionError describes a failed operation.
type CompletionError struct {
	Context any
	Err     Errno
	Flags   CompletionFlag
	// Len is the number of bytes transferred before the failure.
	Len int
	// OLen is the number of bytes that could not be delivered.
	OLen   int
	Data   uint64
	Tag    uint64
	Source Address
}

func (e *CompletionError) Error() string {
	kind := "operation"
	switch {
	case e.Flags&CompletionSend != 0:
		kind = "send"
	case e.Flags&CompletionRecv != 0:
		kind = "receive"
	}
	return fmt.Sprintf("tagfabric: %s tag=%#x failed: %v", kind, e.Tag, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

type cqEntry struct {
	event *CompletionEvent
	err   *CompletionError
}

// CompletionQueue collects completions in FIFO order. Reading it drives
// progress on every endpoint bound to it.
type CompletionQueue struct {
	domain *Domain
	size   int

	mu        sync.Mutex
	entries   []cqEntry
	head      int
	reserved  int
	endpoints []*Endpoint
	closed    bool
}

// OpenCompletionQueue opens a completion queue for the domain.
func (d *Domain) OpenCompletionQueue(attr *CompletionQueueAttr) (*CompletionQueue, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"domain"}
	}
	size := DefaultCQSize
	if attr != nil && attr.Size > 0 {
		size = attr.Size
	}
	return &CompletionQueue{domain: d, size: size}, nil
}

// Close releases the completion queue.
func (c *CompletionQueue) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries = nil
	c.head = 0
	c.endpoints = nil
	return nil
}

// Size returns the configured capacity.
func (c *CompletionQueue) Size() int {
	if c == nil {
		return 0
	}
	return c.size
}

// Len reports the number of entries ready to be read.
func (c *CompletionQueue) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) - c.head
}

// Read progresses bound endpoints and returns the next completion event.
// It returns ErrNoCompletion when the queue is empty and ErrErrorAvailable
// when the next entry is a failure to be consumed with ReadError.
func (c *CompletionQueue) Read() (*CompletionEvent, error) {
	if c == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	c.progress()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	if c.head == len(c.entries) {
		return nil, ErrNoCompletion
	}
	entry := c.entries[c.head]
	if entry.err != nil {
		return nil, ErrErrorAvailable
	}
	c.popLocked()
	return entry.event, nil
}

// ReadError returns the next entry if it is a failed completion.
func (c *CompletionQueue) ReadError() (*CompletionError, error) {
	if c == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	c.progress()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	if c.head == len(c.entries) || c.entries[c.head].err == nil {
		return nil, ErrNoCompletion
	}
	entry := c.entries[c.head]
	c.popLocked()
	return entry.err, nil
}

func (c *CompletionQueue) popLocked() {
	c.entries[c.head] = cqEntry{}
	c.head++
	c.reserved--
	if c.head == len(c.entries) {
		c.entries = c.entries[:0]
		c.head = 0
	}
}

func (c *CompletionQueue) progress() {
	c.mu.Lock()
	eps := append([]*Endpoint(nil), c.endpoints...)
	c.mu.Unlock()
	for _, ep := range eps {
		ep.Progress()
	}
}

// reserve claims a slot for an operation that will later push a completion.
func (c *CompletionQueue) reserve() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrInvalidHandle{"completion queue"}
	}
	if c.reserved >= c.size {
		return ErrQueueFull
	}
	c.reserved++
	return nil
}

func (c *CompletionQueue) unreserve() {
	c.mu.Lock()
	c.reserved--
	c.mu.Unlock()
}

// push appends an entry into a previously reserved slot.
func (c *CompletionQueue) push(entry cqEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.entries = append(c.entries, entry)
}

func (c *CompletionQueue) bind(ep *Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.endpoints {
		if existing == ep {
			return
		}
	}
	c.endpoints = append(c.endpoints, ep)
}

func (c *CompletionQueue) unbind(ep *Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.endpoints {
		if existing == ep {
			c.endpoints = append(c.endpoints[:i], c.endpoints[i+1:]...)
			return
		}
	}
}
