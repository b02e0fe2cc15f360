package fi

import (
	"errors"
	"testing"
)

func TestAddressVectorInsertLookupRemove(t *testing.T) {
	_, _, domain := setupLoopbackResources(t)

	av, err := domain.OpenAddressVector(&AddressVectorAttr{Count: 4, Name: "peers"})
	if err != nil {
		t.Fatalf("OpenAddressVector failed: %v", err)
	}
	defer av.Close()

	a, err := av.InsertRaw([]byte("peer-a"), 0)
	if err != nil {
		t.Fatalf("InsertRaw failed: %v", err)
	}
	b, err := av.InsertRaw([]byte("peer-b"), 0)
	if err != nil {
		t.Fatalf("InsertRaw failed: %v", err)
	}
	if a != 0 || b != 1 {
		t.Fatalf("expected sequential handles from zero, got %d and %d", a, b)
	}
	again, err := av.InsertRaw([]byte("peer-a"), 0)
	if err != nil || again != a {
		t.Fatalf("reinserting a name should return its handle, got %d, %v", again, err)
	}
	if _, err := av.InsertRaw(nil, 0); err == nil {
		t.Fatalf("expected error inserting empty address")
	}

	name, err := av.Lookup(b)
	if err != nil || string(name) != "peer-b" {
		t.Fatalf("Lookup = %q, %v", name, err)
	}
	if got := av.reverse("peer-b"); got != b {
		t.Fatalf("reverse lookup returned %d", got)
	}
	if got := av.reverse("stranger"); got != AddressUnspecified {
		t.Fatalf("unknown names must resolve to AddressUnspecified, got %d", got)
	}

	if err := av.Remove([]Address{a}, 0); err != nil {
		t.Fatalf("remove address failed: %v", err)
	}
	if _, err := av.Lookup(a); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected removed handle to be unknown, got %v", err)
	}
	if err := av.Remove([]Address{a}, 0); err == nil {
		t.Fatalf("expected second remove to fail")
	}
	c, err := av.InsertRaw([]byte("peer-c"), 0)
	if err != nil || c != 2 {
		t.Fatalf("removed handles must not be reused, got %d, %v", c, err)
	}
	if _, err := av.Lookup(AddressUnspecified); err == nil {
		t.Fatalf("AddressUnspecified has no name")
	}
}

func TestAddressVectorClosed(t *testing.T) {
	_, _, domain := setupLoopbackResources(t)
	av, err := domain.OpenAddressVector(nil)
	if err != nil {
		t.Fatalf("OpenAddressVector failed: %v", err)
	}
	if err := av.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	var invalid ErrInvalidHandle
	if _, err := av.InsertRaw([]byte("x"), 0); !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidHandle after close, got %v", err)
	}
	var nilAV *AddressVector
	if nilAV.reverse("x") != AddressUnspecified {
		t.Fatalf("nil address vector should resolve nothing")
	}
}
