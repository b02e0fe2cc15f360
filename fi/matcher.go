package fi

import "github.com/rocketbitz/tagfabric-go/internal/wire"

// tagMatches reports whether a send tag satisfies a receive tag under the
// receive's ignore mask. Set bits in ignore are excluded from comparison.
func tagMatches(recvTag, ignore, sendTag uint64) bool {
	return recvTag&^ignore == sendTag&^ignore
}

func sourceMatches(want, got Address) bool {
	return want == AddressUnspecified || want == got
}

// postedRecv is a receive waiting for a matching message.
type postedRecv struct {
	req    *Request
	seq    uint64
	iov    [][]byte
	cap    int
	source Address
	tag    uint64
	ignore uint64
}

// unexpectedMsg is an arrival with no posted receive yet. Inject and eager
// arrivals keep their payload; rendezvous arrivals keep the control fields
// needed to pull the data once a receive shows up.
type unexpectedMsg struct {
	src     string
	kind    wire.Type
	flags   uint8
	tag     uint64
	data    uint64
	sendID  uint64
	key     uint64
	total   int
	payload []byte
}

// matcher holds the posted-receive and unexpected-message lists of one
// endpoint. Both are scanned in arrival order. Callers hold the endpoint lock.
type matcher struct {
	posted     []*postedRecv
	unexpected []*unexpectedMsg
	seq        uint64

	bufferedBytes int
	maxBytes      int
	maxCount      int
}

func newMatcher(maxBytes, maxCount int) *matcher {
	return &matcher{maxBytes: maxBytes, maxCount: maxCount}
}

func (m *matcher) post(r *postedRecv) {
	m.seq++
	r.seq = m.seq
	m.posted = append(m.posted, r)
}

// matchPosted removes and returns the oldest posted receive accepting a
// message with tag from src.
func (m *matcher) matchPosted(tag uint64, src Address) *postedRecv {
	for i, r := range m.posted {
		if sourceMatches(r.source, src) && tagMatches(r.tag, r.ignore, tag) {
			m.posted = append(m.posted[:i], m.posted[i+1:]...)
			return r
		}
	}
	return nil
}

// cancel removes r if it is still unmatched.
func (m *matcher) cancel(r *postedRecv) bool {
	for i, p := range m.posted {
		if p == r {
			m.posted = append(m.posted[:i], m.posted[i+1:]...)
			return true
		}
	}
	return false
}

func (m *matcher) findUnexpected(tag, ignore uint64, src Address, resolve func(string) Address) int {
	for i, u := range m.unexpected {
		if tagMatches(tag, ignore, u.tag) && sourceMatches(src, resolve(u.src)) {
			return i
		}
	}
	return -1
}

// matchUnexpected removes and returns the oldest buffered message accepted by
// a receive with the given tag, mask and source.
func (m *matcher) matchUnexpected(tag, ignore uint64, src Address, resolve func(string) Address) *unexpectedMsg {
	i := m.findUnexpected(tag, ignore, src, resolve)
	if i < 0 {
		return nil
	}
	u := m.unexpected[i]
	m.unexpected = append(m.unexpected[:i], m.unexpected[i+1:]...)
	m.bufferedBytes -= len(u.payload)
	return u
}

// peekUnexpected returns the oldest matching buffered message without
// removing it.
func (m *matcher) peekUnexpected(tag, ignore uint64, src Address, resolve func(string) Address) *unexpectedMsg {
	i := m.findUnexpected(tag, ignore, src, resolve)
	if i < 0 {
		return nil
	}
	return m.unexpected[i]
}

// admit buffers u when the unexpected limits allow it.
func (m *matcher) admit(u *unexpectedMsg) bool {
	if m.maxCount > 0 && len(m.unexpected) >= m.maxCount {
		return false
	}
	if m.maxBytes > 0 && m.bufferedBytes+len(u.payload) > m.maxBytes {
		return false
	}
	m.unexpected = append(m.unexpected, u)
	m.bufferedBytes += len(u.payload)
	return true
}
