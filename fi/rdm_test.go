package fi

import (
	"bytes"
	"testing"
)

type matrixMode struct {
	name string
	seed byte
	send func(h *harness, buf []byte, desc MRDesc, tag uint64, ctx any) error
	recv func(h *harness, buf []byte, desc MRDesc, tag uint64, ctx any) error
}

func halves(buf []byte) [][]byte {
	mid := len(buf) / 2
	return [][]byte{buf[:mid], buf[mid:]}
}

func plainSend(h *harness, buf []byte, desc MRDesc, tag uint64, ctx any) error {
	_, err := h.ep[0].TSend(buf, desc, h.addr[1], tag, ctx)
	return err
}

func plainRecv(h *harness, buf []byte, desc MRDesc, tag uint64, ctx any) error {
	_, err := h.ep[1].TRecv(buf, desc, h.addr[0], tag, 0, ctx)
	return err
}

var matrixModes = []matrixMode{
	{name: "tsend", seed: 0xab, send: plainSend, recv: plainRecv},
	{
		name: "tsendv", seed: 0x25, recv: plainRecv,
		send: func(h *harness, buf []byte, desc MRDesc, tag uint64, ctx any) error {
			_, err := h.ep[0].TSendV(halves(buf), desc, h.addr[1], tag, ctx)
			return err
		},
	},
	{
		name: "tsendmsg", seed: 0xef, recv: plainRecv,
		send: func(h *harness, buf []byte, desc MRDesc, tag uint64, ctx any) error {
			_, err := h.ep[0].TSendMsg(&TaggedMsg{IOV: [][]byte{buf}, Desc: desc, Addr: h.addr[1], Tag: tag, Context: ctx}, 0)
			return err
		},
	},
	{
		name: "tsenddata", seed: 0x5a, recv: plainRecv,
		send: func(h *harness, buf []byte, desc MRDesc, tag uint64, ctx any) error {
			_, err := h.ep[0].TSendData(buf, desc, uint64(h.addr[0]), h.addr[1], tag, ctx)
			return err
		},
	},
	{
		name: "trecvv", seed: 0x71, send: plainSend,
		recv: func(h *harness, buf []byte, desc MRDesc, tag uint64, ctx any) error {
			_, err := h.ep[1].TRecvV(halves(buf), desc, AddressUnspecified, tag, 0, ctx)
			return err
		},
	},
	{
		name: "trecvmsg", seed: 0x13, send: plainSend,
		recv: func(h *harness, buf []byte, desc MRDesc, tag uint64, ctx any) error {
			_, err := h.ep[1].TRecvMsg(&TaggedMsg{IOV: [][]byte{buf}, Desc: desc, Addr: h.addr[0], Tag: tag, Context: ctx}, 0)
			return err
		},
	},
}

type matrixCtx struct {
	dir  string
	size int
}

// TestTaggedMatrix posts every send before its receive so each size crosses
// the unexpected path on the receiver.
func TestTaggedMatrix(t *testing.T) {
	for _, mode := range matrixModes {
		t.Run(mode.name, func(t *testing.T) {
			h := newHarness(t, 2)
			src := make([]byte, harnessBufSize)
			dst := make([]byte, harnessBufSize)
			srcDesc := h.register(t, src)
			dstDesc := h.register(t, dst)

			for size := 1; size <= harnessBufSize; size <<= 1 {
				clear(dst)
				seed(src[:size], mode.seed)
				sendCtx := matrixCtx{"send", size}
				recvCtx := matrixCtx{"recv", size}
				if err := mode.send(h, src[:size], srcDesc, uint64(size), sendCtx); err != nil {
					t.Fatalf("size %d: send failed: %v", size, err)
				}
				h.ep[1].Progress()
				if err := mode.recv(h, dst[:size], dstDesc, uint64(size), recvCtx); err != nil {
					t.Fatalf("size %d: recv failed: %v", size, err)
				}
				got := h.waitFor(t, sendCtx, recvCtx)
				recv := got[recvCtx]
				if recv.Err != nil || got[sendCtx].Err != nil {
					t.Fatalf("size %d: completion failed send=%v recv=%v", size, got[sendCtx].Err, recv.Err)
				}
				if recv.Event.Len != size || recv.Event.Tag != uint64(size) || recv.Event.Source != h.addr[0] {
					t.Fatalf("size %d: unexpected receive completion %+v", size, recv.Event)
				}
				if mode.name == "tsenddata" && (!recv.Event.HasData() || recv.Event.Data != uint64(h.addr[0])) {
					t.Fatalf("size %d: immediate data missing: %+v", size, recv.Event)
				}
				if !bytes.Equal(src[:size], dst[:size]) {
					t.Fatalf("size %d: payload mismatch", size)
				}
			}
			if s := h.ep[0].Stats(); s.SendsFailed != 0 || s.RendezvousSent == 0 || s.EagerSent == 0 {
				t.Fatalf("matrix should cover eager and rendezvous without failures: %+v", s)
			}
		})
	}
}

func TestTaggedInjectMatrix(t *testing.T) {
	h := newHarness(t, 2)
	src := make([]byte, DefaultInjectSize)
	dst := make([]byte, DefaultInjectSize)
	dstDesc := h.register(t, dst)

	for size := 1; size <= DefaultInjectSize; size <<= 1 {
		clear(dst)
		seed(src[:size], 0x23)
		if err := h.ep[0].TInject(src[:size], h.addr[1], uint64(size)); err != nil {
			t.Fatalf("size %d: TInject failed: %v", size, err)
		}
		h.ep[1].Progress()
		recvCtx := matrixCtx{"recv", size}
		if _, err := h.ep[1].TRecv(dst[:size], dstDesc, h.addr[0], uint64(size), 0, recvCtx); err != nil {
			t.Fatalf("size %d: TRecv failed: %v", size, err)
		}
		got := h.waitFor(t, recvCtx)[recvCtx]
		if got.Err != nil || got.Event.Len != size {
			t.Fatalf("size %d: unexpected completion %+v", size, got)
		}
		if !bytes.Equal(src[:size], dst[:size]) {
			t.Fatalf("size %d: payload mismatch", size)
		}
	}
	requireEmpty(t, h.cq[0])
}
