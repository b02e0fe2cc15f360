package fi

import (
	"errors"
	"sync/atomic"
)

var errPoolClosed = errors.New("tagfabric: MRPool closed")

// MRPool manages reusable memory regions of a fixed size. Endpoints stage
// inject payloads in pooled regions; the client stages outbound copies.
type MRPool struct {
	domain      *Domain
	size        int
	access      MRAccessFlag
	pool        chan *MemoryRegion
	closed      atomic.Bool
	outstanding atomic.Int64
}

// NewMRPool constructs a pool that dispenses memory regions registered with the supplied domain.
// The pool provisions regions lazily and retains up to capacity idle regions.
func NewMRPool(domain *Domain, size int, access MRAccessFlag, capacity int) (*MRPool, error) {
	if !domain.valid() {
		return nil, ErrInvalidHandle{"domain"}
	}
	if size <= 0 {
		return nil, errors.New("tagfabric: MRPool requires positive region size")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &MRPool{
		domain: domain,
		size:   size,
		access: access,
		pool:   make(chan *MemoryRegion, capacity),
	}, nil
}

// RegionSize returns the size of every region the pool hands out.
func (p *MRPool) RegionSize() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Outstanding reports regions acquired and not yet released.
func (p *MRPool) Outstanding() int {
	if p == nil {
		return 0
	}
	return int(p.outstanding.Load())
}

// Acquire returns a registered memory region from the pool, registering a new
// region when no idle one is available. Callers must Release the region.
func (p *MRPool) Acquire() (*MemoryRegion, error) {
	if p == nil {
		return nil, errors.New("tagfabric: nil MRPool")
	}
	if p.closed.Load() {
		return nil, errPoolClosed
	}
	select {
	case mr := <-p.pool:
		p.outstanding.Add(1)
		return mr, nil
	default:
	}
	mr, err := p.domain.RegisterMemory(make([]byte, p.size), p.access)
	if err != nil {
		return nil, err
	}
	p.outstanding.Add(1)
	return mr, nil
}

// Release hands a region back. Foreign-sized regions, and any region once the
// pool is closed or full, are deregistered instead.
func (p *MRPool) Release(mr *MemoryRegion) {
	if p == nil || mr == nil {
		return
	}
	if int(mr.Size()) != p.size {
		_ = mr.Close()
		return
	}
	p.outstanding.Add(-1)
	if p.closed.Load() {
		_ = mr.Close()
		return
	}
	select {
	case p.pool <- mr:
	default:
		_ = mr.Close()
	}
}

// Close releases all pooled regions and prevents further acquisitions.
func (p *MRPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case mr := <-p.pool:
			_ = mr.Close()
		default:
			return
		}
	}
}
