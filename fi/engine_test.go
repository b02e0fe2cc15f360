package fi

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSelectPath(t *testing.T) {
	attr := EndpointAttr{InjectSize: 64, EagerSize: 8192}
	cases := []struct {
		total  int
		inject bool
		want   sendPath
	}{
		{total: 0, want: pathInject},
		{total: 1, want: pathEager},
		{total: 64, inject: true, want: pathInject},
		{total: 8192, want: pathEager},
		{total: 8193, want: pathRendezvous},
	}
	for _, tc := range cases {
		if got := selectPath(tc.total, tc.inject, attr); got != tc.want {
			t.Fatalf("selectPath(%d, %v) = %s, want %s", tc.total, tc.inject, got, tc.want)
		}
	}
}

func TestCancelReceive(t *testing.T) {
	h := newHarness(t, 2)
	buf := make([]byte, 16)
	req, err := h.ep[1].TRecv(buf, h.register(t, buf), AddressUnspecified, 3, 0, "recv")
	if err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	if err := req.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := req.Cancel(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second cancel should report ErrBusy, got %v", err)
	}
	got := h.waitFor(t, "recv")["recv"]
	if got.Err == nil || !errors.Is(got.Err, ErrCanceled) || got.Err.OLen != 16 {
		t.Fatalf("expected cancelled completion, got %+v", got)
	}

	// a cancelled receive no longer matches
	if err := h.ep[0].TInject([]byte("late"), h.addr[1], 3); err != nil {
		t.Fatalf("TInject failed: %v", err)
	}
	h.ep[1].Progress()
	if s := h.ep[1].Stats(); s.UnexpectedQueue != 1 || s.PostedRecvs != 0 || s.Canceled != 1 {
		t.Fatalf("unexpected stats after cancel: %+v", s)
	}
}

func TestCancelMatchedReceiveIsBusy(t *testing.T) {
	h := newHarness(t, 2, WithEagerSize(64))
	src := make([]byte, 4096)
	dst := make([]byte, 4096)
	if _, err := h.ep[0].TSend(src, h.register(t, src), h.addr[1], 1, "send"); err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	h.ep[1].Progress()
	req, err := h.ep[1].TRecv(dst, h.register(t, dst), AddressUnspecified, 1, 0, "recv")
	if err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	// the receive matched a buffered rendezvous and is waiting for data
	if err := req.Cancel(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for matched receive, got %v", err)
	}
	h.waitFor(t, "send", "recv")
}

func TestCancelUntransmittedSend(t *testing.T) {
	h := newHarnessPerPeer(t, 2, func(i int) []EndpointOption {
		if i == 1 {
			return []EndpointOption{WithQueueDepth(1)}
		}
		return nil
	})
	first := []byte("first")
	second := []byte("second")
	s1, err := h.ep[0].TSend(first, h.register(t, first), h.addr[1], 1, "s1")
	if err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	s2, err := h.ep[0].TSend(second, h.register(t, second), h.addr[1], 2, "s2")
	if err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	if s2.SendState() != SendPosted {
		t.Fatalf("second send should be held back by the full peer queue, state %s", s2.SendState())
	}
	if err := s1.Cancel(); !errors.Is(err, ErrBusy) {
		t.Fatalf("transmitted send must not be cancellable, got %v", err)
	}
	if err := s2.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	dst := make([]byte, 8)
	if _, err := h.ep[1].TRecv(dst, h.register(t, dst), AddressUnspecified, 0, ^uint64(0), "r1"); err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	got := h.waitFor(t, "s1", "s2", "r1")
	if got["s1"].Err != nil || got["r1"].Event.Tag != 1 {
		t.Fatalf("first send should be delivered: %+v", got)
	}
	if got["s2"].Err == nil || !errors.Is(got["s2"].Err, ErrCanceled) {
		t.Fatalf("expected cancelled send, got %+v", got["s2"])
	}
	h.ep[1].Progress()
	if s := h.ep[1].Stats(); s.UnexpectedQueue != 0 {
		t.Fatalf("cancelled send reached the peer: %+v", s)
	}
}

func TestPostArgumentErrors(t *testing.T) {
	h := newHarness(t, 2)
	buf := make([]byte, 8)
	desc := h.register(t, buf)

	closedBuf := make([]byte, 8)
	closedMR, err := h.domain.RegisterMemory(closedBuf, MRAccessLocal)
	if err != nil {
		t.Fatalf("RegisterMemory failed: %v", err)
	}
	closedDesc := closedMR.Descriptor()
	_ = closedMR.Close()

	sends := []struct {
		name string
		req  *TaggedSendRequest
	}{
		{name: "nil request"},
		{name: "buffer and iov", req: &TaggedSendRequest{Buffer: buf, IOV: [][]byte{buf}, Desc: desc, Dest: h.addr[1]}},
		{name: "missing descriptor", req: &TaggedSendRequest{Buffer: buf, Dest: h.addr[1]}},
		{name: "closed descriptor", req: &TaggedSendRequest{Buffer: closedBuf, Desc: closedDesc, Dest: h.addr[1]}},
		{name: "descriptor too small", req: &TaggedSendRequest{Buffer: make([]byte, 9), Desc: desc, Dest: h.addr[1]}},
		{name: "unknown destination", req: &TaggedSendRequest{Buffer: buf, Desc: desc, Dest: 99}},
	}
	for _, tc := range sends {
		if _, err := h.ep[0].PostTaggedSend(tc.req); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
	}
	if _, err := h.ep[1].PostTaggedRecv(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil receive, got %v", err)
	}
	if _, err := h.ep[1].TRecv(make([]byte, 32), desc, AddressUnspecified, 0, 0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for undersized receive descriptor, got %v", err)
	}
	if _, err := h.ep[0].TSendMsg(nil, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil message, got %v", err)
	}
	requireEmpty(t, h.cq[0])
	requireEmpty(t, h.cq[1])
}

func TestCompletionQueueFull(t *testing.T) {
	desc, _, domain := setupLoopbackResources(t)
	cq, err := domain.OpenCompletionQueue(&CompletionQueueAttr{Size: 2})
	if err != nil {
		t.Fatalf("OpenCompletionQueue failed: %v", err)
	}
	t.Cleanup(func() { _ = cq.Close() })
	av, err := domain.OpenAddressVector(nil)
	if err != nil {
		t.Fatalf("OpenAddressVector failed: %v", err)
	}
	ep, err := desc.OpenEndpoint(domain)
	if err != nil {
		t.Fatalf("OpenEndpoint failed: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	if err := ep.BindCompletionQueue(cq, BindSend|BindRecv); err != nil {
		t.Fatalf("BindCompletionQueue failed: %v", err)
	}
	if err := ep.BindAddressVector(av, 0); err != nil {
		t.Fatalf("BindAddressVector failed: %v", err)
	}
	if err := ep.Enable(); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	r1, err := ep.TRecv(nil, MRDesc{}, AddressUnspecified, 1, 0, "r1")
	if err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	if _, err := ep.TRecv(nil, MRDesc{}, AddressUnspecified, 2, 0, "r2"); err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	if _, err := ep.TRecv(nil, MRDesc{}, AddressUnspecified, 3, 0, "r3"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := r1.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	// the cancelled entry still holds its slot until it is read
	if _, err := ep.TRecv(nil, MRDesc{}, AddressUnspecified, 3, 0, "r3"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull before draining, got %v", err)
	}
	if cerr, err := cq.ReadError(); err != nil || cerr.Context != "r1" {
		t.Fatalf("ReadError = %+v, %v", cerr, err)
	}
	if _, err := ep.TRecv(nil, MRDesc{}, AddressUnspecified, 3, 0, "r3"); err != nil {
		t.Fatalf("TRecv after draining failed: %v", err)
	}
}

func TestCloseReturnsQueueSlots(t *testing.T) {
	desc, _, domain := setupLoopbackResources(t)
	cq, err := domain.OpenCompletionQueue(&CompletionQueueAttr{Size: 2})
	if err != nil {
		t.Fatalf("OpenCompletionQueue failed: %v", err)
	}
	t.Cleanup(func() { _ = cq.Close() })
	av, err := domain.OpenAddressVector(nil)
	if err != nil {
		t.Fatalf("OpenAddressVector failed: %v", err)
	}
	t.Cleanup(func() { _ = av.Close() })
	open := func() (*Endpoint, Address) {
		ep, err := desc.OpenEndpoint(domain)
		if err != nil {
			t.Fatalf("OpenEndpoint failed: %v", err)
		}
		t.Cleanup(func() { _ = ep.Close() })
		if err := ep.BindCompletionQueue(cq, BindSend|BindRecv); err != nil {
			t.Fatalf("BindCompletionQueue failed: %v", err)
		}
		if err := ep.BindAddressVector(av, 0); err != nil {
			t.Fatalf("BindAddressVector failed: %v", err)
		}
		if err := ep.Enable(); err != nil {
			t.Fatalf("Enable failed: %v", err)
		}
		addr, err := ep.RegisterAddress(av, 0)
		if err != nil {
			t.Fatalf("RegisterAddress failed: %v", err)
		}
		return ep, addr
	}

	first, self := open()
	if _, err := first.TRecv(nil, MRDesc{}, AddressUnspecified, 1, 0, "r1"); err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	src := []byte("x")
	mr, err := domain.RegisterMemory(src, MRAccessLocal)
	if err != nil {
		t.Fatalf("RegisterMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = mr.Close() })
	if _, err := first.TSend(src, mr.Descriptor(), self, 2, "s1"); err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	if _, err := first.TRecv(nil, MRDesc{}, AddressUnspecified, 3, 0, "r2"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, _ := open()
	for _, ctx := range []string{"r2", "r3"} {
		if _, err := second.TRecv(nil, MRDesc{}, AddressUnspecified, 3, 0, ctx); err != nil {
			t.Fatalf("TRecv %s after Close failed: %v", ctx, err)
		}
	}
	requireEmpty(t, cq)
}

func TestSendToClosedPeerIsUnreachable(t *testing.T) {
	h := newHarness(t, 2)
	if err := h.ep[1].Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	src := []byte("nobody home")
	if _, err := h.ep[0].TSend(src, h.register(t, src), h.addr[1], 1, "send"); err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	got := h.waitFor(t, "send")["send"]
	if got.Err == nil || !errors.Is(got.Err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable completion, got %+v", got)
	}
	if s := h.ep[0].Stats(); s.SendsFailed != 1 {
		t.Fatalf("expected failed send counted, stats %+v", s)
	}
	// inject has no completion to carry the failure
	if err := h.ep[0].TInject([]byte("x"), h.addr[1], 1); err != nil {
		t.Fatalf("TInject failed: %v", err)
	}
	requireEmpty(t, h.cq[0])
}

func TestSendTimesOutWhenPeerDetaches(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarnessPerPeer(t, 2, func(i int) []EndpointOption {
		if i == 0 {
			return []EndpointOption{WithRetryTimeout(20 * time.Millisecond), WithLogger(zap.New(core))}
		}
		return nil
	})
	src := []byte("silent peer")
	if _, err := h.ep[0].TSend(src, h.register(t, src), h.addr[1], 1, "send"); err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	h.ep[0].Progress()
	// the frame is queued at the peer, which goes away before reading it
	if err := h.ep[1].Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := PollN(ctx, IdleSleep(time.Millisecond), 1, h.cq[0])
	if err != nil {
		t.Fatalf("PollN failed: %v", err)
	}
	if got[0].Err == nil || !errors.Is(got[0].Err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut completion, got %+v", got[0])
	}
	if s := h.ep[0].Stats(); s.Timeouts != 1 {
		t.Fatalf("expected timeout counted, stats %+v", s)
	}

	failed := logs.FilterMessage("send failed").All()
	if len(failed) != 1 || failed[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry for the failed send, got %d", len(failed))
	}
	if fields := failed[0].ContextMap(); fields["path"] != "eager" {
		t.Fatalf("unexpected log fields %v", fields)
	}
	if logs.FilterMessage("send posted").Len() != 1 {
		t.Fatalf("expected debug entry for the posted send")
	}
}

func TestSendOutlastsSlowReceiver(t *testing.T) {
	h := newHarness(t, 2, WithRetryTimeout(30*time.Millisecond))
	src := []byte("hello")
	if _, err := h.ep[0].TSend(src, h.register(t, src), h.addr[1], 4, "send"); err != nil {
		t.Fatalf("TSend failed: %v", err)
	}

	// drive only the sender for several timeout periods
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	early, err := PollN(ctx, IdleSleep(time.Millisecond), 1, h.cq[0])
	if !errors.Is(err, context.DeadlineExceeded) || len(early) != 0 {
		t.Fatalf("expected the send to stay pending, got %+v, %v", early, err)
	}

	dst := make([]byte, 16)
	if _, err := h.ep[1].TRecv(dst, h.register(t, dst), AddressUnspecified, 4, 0, "recv"); err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	got := h.waitFor(t, "send", "recv")
	if got["send"].Err != nil || got["recv"].Err != nil {
		t.Fatalf("exchange failed: %+v", got)
	}
	if got["recv"].Event.Len != len(src) || string(dst[:len(src)]) != string(src) {
		t.Fatalf("payload mismatch: %q", dst)
	}
	if s := h.ep[0].Stats(); s.Timeouts != 0 || s.SendsFailed != 0 {
		t.Fatalf("expected no timeout against a live receiver, stats %+v", s)
	}
}

func TestRendezvousWaitsForSlowReceiver(t *testing.T) {
	h := newHarness(t, 2, WithEagerSize(128), WithRetryTimeout(100*time.Millisecond))
	src := make([]byte, 1024)
	seed(src, 0x42)
	req, err := h.ep[0].TSend(src, h.register(t, src), h.addr[1], 8, "send")
	if err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	h.ep[1].Progress()
	h.ep[0].Progress()
	time.Sleep(150 * time.Millisecond)
	requireEmpty(t, h.cq[0])
	if req.SendState() != SendRendezvousControlSent {
		t.Fatalf("expected send parked on the receiver, state %s", req.SendState())
	}

	dst := make([]byte, 1024)
	if _, err := h.ep[1].TRecv(dst, h.register(t, dst), h.addr[0], 8, 0, "recv"); err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	got := h.waitFor(t, "send", "recv")
	if got["send"].Err != nil || got["recv"].Err != nil {
		t.Fatalf("rendezvous failed: %+v", got)
	}
	if string(dst) != string(src) {
		t.Fatalf("payload mismatch")
	}
}

func TestRendezvousReceiveFailsWhenSenderCloses(t *testing.T) {
	h := newHarness(t, 2, WithEagerSize(128), WithRetryTimeout(50*time.Millisecond))
	src := make([]byte, 4096)
	seed(src, 0x10)
	if _, err := h.ep[0].TSend(src, h.register(t, src), h.addr[1], 21, "send"); err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	h.ep[0].Progress()
	h.ep[1].Progress()
	if s := h.ep[1].Stats(); s.UnexpectedQueue != 1 {
		t.Fatalf("expected the announcement buffered, stats %+v", s)
	}
	if err := h.ep[0].Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	dst := make([]byte, 4096)
	if _, err := h.ep[1].TRecv(dst, h.register(t, dst), AddressUnspecified, 21, 0, "recv"); err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	got := h.waitFor(t, "recv")["recv"]
	if got.Err == nil || !errors.Is(got.Err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable completion, got %+v", got)
	}
	if got.Err.Len != 0 || got.Err.OLen != len(dst) || got.Err.Tag != 21 {
		t.Fatalf("unexpected failure entry %+v", got.Err)
	}
	if got.Err.Flags&(CompletionRecv|CompletionTagged) != CompletionRecv|CompletionTagged {
		t.Fatalf("unexpected flags %v", got.Err.Flags)
	}
	if s := h.ep[1].Stats(); s.RecvsFailed != 1 || s.RecvsCompleted != 0 {
		t.Fatalf("expected failed receive counted, stats %+v", s)
	}
}

func TestRendezvousReceiveTimesOutWhenSenderVanishes(t *testing.T) {
	h := newHarness(t, 2, WithEagerSize(128), WithRetryTimeout(50*time.Millisecond))
	dst := make([]byte, 4096)
	if _, err := h.ep[1].TRecv(dst, h.register(t, dst), AddressUnspecified, 22, 0, "recv"); err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	src := make([]byte, 4096)
	if _, err := h.ep[0].TSend(src, h.register(t, src), h.addr[1], 22, "send"); err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	h.ep[0].Progress()
	// the receiver grants the transfer, then the sender leaves without data
	h.ep[1].Progress()
	if err := h.ep[0].Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got := h.waitFor(t, "recv")["recv"]
	if got.Err == nil || !errors.Is(got.Err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut completion, got %+v", got)
	}
	if got.Err.Len != 0 || got.Err.OLen != len(dst) {
		t.Fatalf("unexpected failure entry %+v", got.Err)
	}
	if s := h.ep[1].Stats(); s.Timeouts != 1 || s.RecvsFailed != 1 {
		t.Fatalf("expected timed out receive counted, stats %+v", s)
	}
	// the slot is free again
	if _, err := h.ep[1].TRecv(dst, h.register(t, dst), AddressUnspecified, 22, 0, "again"); err != nil {
		t.Fatalf("TRecv after failure failed: %v", err)
	}
}

func TestUnexpectedExhaustionRetransmits(t *testing.T) {
	h := newHarness(t, 2, WithUnexpectedLimits(16, 1))
	a := []byte("aaaaaaaa")
	b := []byte("bbbbbbbb")
	if _, err := h.ep[0].TSend(a, h.register(t, a), h.addr[1], 1, "s1"); err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	if _, err := h.ep[0].TSend(b, h.register(t, b), h.addr[1], 2, "s2"); err != nil {
		t.Fatalf("TSend failed: %v", err)
	}
	h.ep[1].Progress()
	if s := h.ep[1].Stats(); s.NacksSent != 1 || s.UnexpectedQueue != 1 {
		t.Fatalf("expected second message refused, stats %+v", s)
	}

	dstA := make([]byte, 8)
	dstB := make([]byte, 8)
	if _, err := h.ep[1].TRecv(dstA, h.register(t, dstA), AddressUnspecified, 1, 0, "r1"); err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	if _, err := h.ep[1].TRecv(dstB, h.register(t, dstB), AddressUnspecified, 2, 0, "r2"); err != nil {
		t.Fatalf("TRecv failed: %v", err)
	}
	got := h.waitFor(t, "s1", "s2", "r1", "r2")
	for key, c := range got {
		if c.Err != nil {
			t.Fatalf("%v failed: %v", key, c.Err)
		}
	}
	if string(dstA) != string(a) || string(dstB) != string(b) {
		t.Fatalf("payload mismatch after retransmit: %q %q", dstA, dstB)
	}
	if s := h.ep[0].Stats(); s.Retransmits == 0 {
		t.Fatalf("expected a retransmit, stats %+v", s)
	}
}

func TestMalformedFrameCounted(t *testing.T) {
	h := newHarness(t, 1)
	raw, err := h.domain.fabric.net.Open(0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer raw.Close()
	name, _ := h.ep[0].Name()
	if err := raw.Send(name, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	h.ep[0].Progress()
	if s := h.ep[0].Stats(); s.ProtocolErrors != 1 {
		t.Fatalf("expected protocol error counted, stats %+v", s)
	}
}
