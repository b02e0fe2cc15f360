package fi

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// MRAccessFlag represents allowed operations on a registered memory region.
type MRAccessFlag uint64

const (
	// MRAccessLocal allows the region to be used as a local send or receive buffer.
	MRAccessLocal MRAccessFlag = 1 << 0
	// MRAccessRemoteRead allows remote peers to issue read operations.
	MRAccessRemoteRead MRAccessFlag = 1 << 1
	// MRAccessRemoteWrite allows remote peers to issue write operations.
	MRAccessRemoteWrite MRAccessFlag = 1 << 2
)

// MemoryRegion is a registered buffer. The region aliases the caller's
// memory; no copy is made at registration time.
type MemoryRegion struct {
	domain *Domain
	buf    []byte
	key    uint64
	access MRAccessFlag
	closed atomic.Bool
}

// MRDesc is the opaque access token passed alongside buffers in data
// operations. The zero value is the null token.
type MRDesc struct {
	key    uint64
	domain *Domain
}

// IsZero reports whether d is the null token.
func (d MRDesc) IsZero() bool {
	return d.domain == nil
}

// Bytes returns the registered buffer.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil || m.closed.Load() {
		return nil
	}
	return m.buf
}

// Key returns the registration key for the memory region.
func (m *MemoryRegion) Key() uint64 {
	if m == nil {
		return 0
	}
	return m.key
}

// Access reports the access flags the region was registered with.
func (m *MemoryRegion) Access() MRAccessFlag {
	if m == nil {
		return 0
	}
	return m.access
}

// Descriptor returns the access token for use in data operations.
func (m *MemoryRegion) Descriptor() MRDesc {
	if m == nil || m.closed.Load() {
		return MRDesc{}
	}
	return MRDesc{key: m.key, domain: m.domain}
}

// Size returns the registered length in bytes.
func (m *MemoryRegion) Size() uintptr {
	if m == nil || m.closed.Load() {
		return 0
	}
	return uintptr(len(m.buf))
}

// Close deregisters the memory region. Descriptors issued from it stop
// resolving immediately.
func (m *MemoryRegion) Close() error {
	if m == nil || !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.domain != nil {
		m.domain.mu.Lock()
		delete(m.domain.regions, m.key)
		m.domain.mu.Unlock()
	}
	m.buf = nil
	return nil
}

func (m *MemoryRegion) invalidate() {
	m.closed.Store(true)
}

// MRRegisterOptions provides advanced controls for memory registration.
type MRRegisterOptions struct {
	Access MRAccessFlag
	// RequestedKey asks for a specific key; zero lets the domain choose.
	RequestedKey uint64
}

// RegisterMemory registers buf with the domain.
func (d *Domain) RegisterMemory(buf []byte, access MRAccessFlag) (*MemoryRegion, error) {
	return d.RegisterMemoryWithOptions(buf, &MRRegisterOptions{Access: access})
}

// RegisterMemoryWithOptions registers the provided buffer with optional advanced flags.
func (d *Domain) RegisterMemoryWithOptions(buf []byte, opts *MRRegisterOptions) (*MemoryRegion, error) {
	if d == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	if opts == nil {
		opts = &MRRegisterOptions{Access: MRAccessLocal}
	}
	if opts.Access == 0 {
		return nil, errors.New("tagfabric: memory registration requires access flags")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrInvalidHandle{"domain"}
	}
	key := opts.RequestedKey
	if key == 0 {
		d.nextKey++
		for d.regions[d.nextKey] != nil {
			d.nextKey++
		}
		key = d.nextKey
	} else if d.regions[key] != nil {
		return nil, fmt.Errorf("tagfabric: memory key %d already registered", key)
	}
	mr := &MemoryRegion{domain: d, buf: buf, key: key, access: opts.Access}
	d.regions[key] = mr
	return mr, nil
}

// lookupRegion resolves a descriptor issued by this domain.
func (d *Domain) lookupRegion(desc MRDesc) (*MemoryRegion, error) {
	if desc.domain != d {
		return nil, ErrInvalidHandle{"memory region"}
	}
	d.mu.Lock()
	mr := d.regions[desc.key]
	d.mu.Unlock()
	if mr == nil || mr.closed.Load() {
		return nil, ErrInvalidHandle{"memory region"}
	}
	return mr, nil
}

func (m *MemoryRegion) hasAccess(flag MRAccessFlag) bool {
	if m == nil {
		return false
	}
	return m.access&flag == flag
}

func ensureRegionAccess(region *MemoryRegion, required MRAccessFlag) error {
	if region == nil {
		return nil
	}
	if region.closed.Load() {
		return ErrInvalidHandle{"memory region"}
	}
	if required != 0 && !region.hasAccess(required) {
		return ErrInsufficientAccess
	}
	return nil
}

// checkDescriptor validates the access token for an operation moving total bytes.
func (d *Domain) checkDescriptor(desc MRDesc, total int) (*MemoryRegion, error) {
	if total == 0 {
		return nil, nil
	}
	if desc.IsZero() {
		if d.RequiresMRMode(MRModeLocal) {
			return nil, invalidArg("memory descriptor required for %d byte transfer", total)
		}
		return nil, nil
	}
	mr, err := d.lookupRegion(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := ensureRegionAccess(mr, MRAccessLocal); err != nil {
		return nil, err
	}
	if int(mr.Size()) < total {
		return nil, invalidArg("memory region of %d bytes cannot cover %d byte transfer", mr.Size(), total)
	}
	return mr, nil
}
