package fi

import "testing"

func TestMRPoolAcquireRelease(t *testing.T) {
	_, _, domain := setupLoopbackResources(t)

	pool, err := NewMRPool(domain, 64, MRAccessLocal, 2)
	if err != nil {
		t.Fatalf("NewMRPool failed: %v", err)
	}
	defer pool.Close()

	mr1, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if mr1 == nil || mr1.Size() != 64 || pool.RegionSize() != 64 {
		t.Fatalf("unexpected region from pool")
	}
	if pool.Outstanding() != 1 {
		t.Fatalf("expected one outstanding region, got %d", pool.Outstanding())
	}

	pool.Release(mr1)
	if pool.Outstanding() != 0 {
		t.Fatalf("expected no outstanding regions, got %d", pool.Outstanding())
	}

	mr2, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	if mr2 != mr1 {
		t.Fatalf("expected the idle region to be reused")
	}
	pool.Release(mr2)
}

func TestMRPoolClose(t *testing.T) {
	_, _, domain := setupLoopbackResources(t)

	pool, err := NewMRPool(domain, 32, MRAccessLocal, 1)
	if err != nil {
		t.Fatalf("NewMRPool failed: %v", err)
	}

	mr, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release(mr)

	pool.Close()

	if _, err := pool.Acquire(); err == nil {
		t.Fatalf("expected error acquiring from closed pool")
	}
	if _, err := domain.checkDescriptor(mr.Descriptor(), 1); err == nil {
		t.Fatalf("pooled region should be deregistered on close")
	}

	other, err := domain.RegisterMemory(make([]byte, 16), MRAccessLocal)
	if err != nil {
		t.Fatalf("RegisterMemory failed: %v", err)
	}
	pool.Release(other) // should close without panic
}

func TestMRPoolRejectsBadSize(t *testing.T) {
	_, _, domain := setupLoopbackResources(t)
	if _, err := NewMRPool(domain, 0, MRAccessLocal, 1); err == nil {
		t.Fatalf("expected error for zero region size")
	}
}
