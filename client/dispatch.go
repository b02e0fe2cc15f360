package client

import (
	"fmt"
	"time"

	fi "github.com/rocketbitz/tagfabric-go/fi"
)

const (
	minDispatchBackoff = 50 * time.Microsecond
	maxDispatchBackoff = 2 * time.Millisecond
)

// dispatch is the client's progress loop. Reading the completion queue
// drives the endpoint's protocol, so the loop keeps polling while idle.
func (c *Client) dispatch() {
	defer c.wg.Done()

	span := c.startDispatcherSpan()
	startFields := c.baseFields()
	c.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	c.metricDispatcherStarted()

	defer func() {
		err := c.dispatcherError()
		fields := []logField{logKV(labelStatus, "ok")}
		if err != nil {
			fields = []logField{logKV(labelStatus, "error"), logKV("error", err)}
			spanRecordError(span, err)
		}
		c.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		c.metricDispatcherStopped(fields...)
		finishSpan(span, err)
	}()

	backoff := minDispatchBackoff
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		completion, ok, err := fi.PollOnce(c.cq)
		if err != nil {
			dispatchErr := fmt.Errorf("cq read: %w", err)
			c.recordDispatcherFailure(span, "cq_read_error", dispatchErr)
			c.recordDispatcherError(dispatchErr)
			return
		}
		if ok {
			c.handleCompletion(completion, span)
			backoff = minDispatchBackoff
			continue
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		if backoff < maxDispatchBackoff {
			backoff *= 2
		}
	}
}

func (c *Client) handleCompletion(completion fi.Completion, span Span) {
	op, ok := completion.Context().(*operation)
	if !ok || op == nil {
		return
	}
	result := operationResult{tag: op.tag, source: fi.AddressUnspecified}
	switch {
	case completion.Event != nil:
		evt := completion.Event
		result.length = evt.Len
		result.tag = evt.Tag
		result.truncated = evt.Truncated()
		if evt.HasData() {
			result.data = evt.Data
			result.hasData = true
		}
		if op.kind == OperationReceive {
			result.source = evt.Source
		}
	case completion.Err != nil:
		entry := completion.Err
		result.err = OperationError{
			Kind:    op.kind,
			Errno:   entry.Err,
			Flags:   entry.Flags,
			Length:  entry.Len,
			OLength: entry.OLen,
			Data:    entry.Data,
			Tag:     entry.Tag,
		}
	}
	c.logOperationCompletion(op, result, completion.Err, span)
	op.complete(result)
}

func (c *Client) emit(op *operation, res operationResult) {
	if c == nil {
		return
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.stats.sendErrored.Add(1)
			c.logf("client: send errored: %v", res.err)
		} else {
			c.stats.sendCompleted.Add(1)
			c.logf("client: send completed size=%d tag=%#x", res.length, res.tag)
		}
		c.handlersMu.RLock()
		handlers := make([]SendHandler, 0, len(c.sendHandlers))
		for _, h := range c.sendHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		completion := SendCompletion{Tag: res.tag, Size: res.length, Err: res.err}
		for _, h := range handlers {
			go h(completion)
		}
	case OperationReceive:
		switch {
		case res.err != nil:
			c.stats.recvErrored.Add(1)
			c.logf("client: receive errored: %v", res.err)
		default:
			c.stats.recvMatched.Add(1)
			if res.truncated {
				c.stats.recvTruncated.Add(1)
			}
			c.logf("client: receive completed size=%d tag=%#x source=%v", res.length, res.tag, res.source)
		}
		c.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(c.receiveHandlers))
		for _, h := range c.receiveHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		for _, h := range handlers {
			var payload []byte
			if res.err == nil && res.length <= len(op.buffer) {
				payload = append([]byte(nil), op.buffer[:res.length]...)
			}
			go h(ReceiveCompletion{
				Payload:   payload,
				Tag:       res.tag,
				Data:      res.data,
				HasData:   res.hasData,
				Source:    res.source,
				Truncated: res.truncated,
				Err:       res.err,
			})
		}
	}
}

func (c *Client) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	c.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (c *Client) dispatcherError() error {
	if c == nil {
		return nil
	}
	if holder := c.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (c *Client) recordDispatcherFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	c.logDispatcherEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	if c.metrics != nil {
		c.metrics.DispatcherCQError(event, err, c.metricAttrs(fields...))
	}
}

func (c *Client) logOperationCompletion(op *operation, res operationResult, entry *fi.CompletionError, span Span) {
	status := "ok"
	switch {
	case res.err != nil:
		status = "error"
	case res.truncated:
		status = "truncated"
	}
	eventName := "completion"
	if res.err != nil {
		eventName = "completion_error"
	}
	fields := []logField{
		logKV(labelOperation, op.kind.String()),
		logKV(labelStatus, status),
		logKV("tag", fmt.Sprintf("%#x", res.tag)),
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if res.source != fi.AddressUnspecified {
		fields = append(fields, logKV("source", res.source))
	}
	if entry != nil {
		fields = append(fields,
			logKV("errno", entry.Err),
			logKV("flags", fmt.Sprintf("0x%x", uint64(entry.Flags))),
			logKV("olen", entry.OLen),
		)
	}
	if res.err != nil {
		fields = append(fields, logKV("error", res.err))
	}
	c.logDispatcherEvent(eventName, fields...)
	spanAddEvent(span, eventName, fields...)
	if res.err != nil {
		spanRecordError(span, res.err)
	}
	if c.metrics == nil {
		return
	}
	attrs := c.metricAttrs(fields...)
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.metrics.SendFailed(res.err, attrs)
		} else {
			c.metrics.SendCompleted(attrs)
		}
	case OperationReceive:
		if res.err != nil {
			c.metrics.ReceiveFailed(res.err, attrs)
		} else {
			c.metrics.ReceiveCompleted(attrs)
		}
	}
}

func (c *Client) metricDispatcherStarted() {
	if c.metrics != nil {
		c.metrics.DispatcherStarted(c.metricAttrs())
	}
}

func (c *Client) metricDispatcherStopped(fields ...logField) {
	if c.metrics != nil {
		c.metrics.DispatcherStopped(c.metricAttrs(fields...))
	}
}
