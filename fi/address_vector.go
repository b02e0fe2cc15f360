package fi

import (
	"errors"
	"sync"
)

// Address is a compact handle for a peer name inserted into an address vector.
type Address uint64

const (
	// AddressUnspecified represents an invalid or unspecified remote address.
	// Receives posted with it accept messages from any source.
	AddressUnspecified = ^Address(0)
)

// AddressVectorAttr configures an address vector.
type AddressVectorAttr struct {
	// Count is a sizing hint for the expected number of peers.
	Count uint64
	Name  string
}

// AddressVector maps peer names to Address handles and back.
type AddressVector struct {
	domain *Domain
	name   string

	mu     sync.RWMutex
	byName map[string]Address
	names  []string
	closed bool
}

// Close releases the address vector.
func (a *AddressVector) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.byName = nil
	a.names = nil
	return nil
}

// OpenAddressVector opens an address vector on the domain.
func (d *Domain) OpenAddressVector(attr *AddressVectorAttr) (*AddressVector, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"domain"}
	}
	av := &AddressVector{domain: d, byName: make(map[string]Address)}
	if attr != nil {
		av.name = attr.Name
		if attr.Count > 0 {
			av.byName = make(map[string]Address, attr.Count)
			av.names = make([]string, 0, attr.Count)
		}
	}
	return av, nil
}

// InsertRaw inserts a provider-specific address byte sequence. Inserting a
// name twice returns the existing handle.
func (a *AddressVector) InsertRaw(addr []byte, flags uint64) (Address, error) {
	if a == nil {
		return 0, ErrInvalidHandle{"address vector"}
	}
	if len(addr) == 0 {
		return 0, errors.New("tagfabric: empty address payload")
	}
	key := string(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrInvalidHandle{"address vector"}
	}
	if existing, ok := a.byName[key]; ok {
		return existing, nil
	}
	fiAddr := Address(len(a.names))
	a.names = append(a.names, key)
	a.byName[key] = fiAddr
	return fiAddr, nil
}

// Remove removes the provided addresses from the AV. Removed handles are not
// reused.
func (a *AddressVector) Remove(addrs []Address, flags uint64) error {
	if a == nil {
		return ErrInvalidHandle{"address vector"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrInvalidHandle{"address vector"}
	}
	for _, addr := range addrs {
		if uint64(addr) >= uint64(len(a.names)) || a.names[addr] == "" {
			return errors.New("tagfabric: address not present in address vector")
		}
		delete(a.byName, a.names[addr])
		a.names[addr] = ""
	}
	return nil
}

// Lookup returns the name stored for addr.
func (a *AddressVector) Lookup(addr Address) ([]byte, error) {
	if a == nil {
		return nil, ErrInvalidHandle{"address vector"}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if uint64(addr) >= uint64(len(a.names)) || a.names[addr] == "" {
		return nil, invalidArg("unknown address %d", uint64(addr))
	}
	return []byte(a.names[addr]), nil
}

// reverse maps a peer name to its handle, or AddressUnspecified when the
// name was never inserted.
func (a *AddressVector) reverse(name string) Address {
	if a == nil {
		return AddressUnspecified
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if addr, ok := a.byName[name]; ok {
		return addr
	}
	return AddressUnspecified
}
