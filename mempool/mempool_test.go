package mempool

import (
	"bytes"
	"testing"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	p := New()
	defer p.Close()

	h := p.Alloc(100, true)
	if h == 0 {
		t.Fatal("Alloc failed")
	}

	buf := p.Map(h)
	if len(buf) < 100 {
		t.Fatalf("Map returned %d bytes, want >= 100", len(buf))
	}
	// 100 rounds up to the 128-byte class
	if len(buf) != 128 {
		t.Errorf("chunk size: got %d, want 128", len(buf))
	}

	payload := bytes.Repeat([]byte{0xab}, 100)
	copy(buf, payload)
	p.Unmap(h)

	got := p.Map(h)
	if !bytes.Equal(got[:100], payload) {
		t.Error("payload not preserved")
	}
	p.Unmap(h)

	p.Free(h)
	// Double free is a no-op
	p.Free(h)

	// A freed handle no longer maps.
	if p.Map(h) != nil {
		t.Error("Map succeeded on a freed handle")
	}
}

func TestAllocZeroAndOversize(t *testing.T) {
	p := New()
	defer p.Close()

	if h := p.Alloc(0, true); h != 0 {
		t.Error("Alloc(0) should fail")
	}
	if h := p.Alloc(PageSize+1, true); h != 0 {
		t.Error("oversize Alloc should fail")
	}
	if h := p.Alloc(PageSize, true); h == 0 {
		t.Error("page-size Alloc should succeed")
	}
}

func TestNonWaitingAllocNeedsSegment(t *testing.T) {
	p := New()
	defer p.Close()

	// Empty pool: the non-waiting attempt has no segment to search.
	if h := p.Alloc(64, false); h != 0 {
		t.Fatal("non-waiting Alloc succeeded on empty pool")
	}

	// A waiting attempt maps the segment; after that the non-waiting
	// path succeeds.
	h := p.Alloc(64, true)
	if h == 0 {
		t.Fatal("waiting Alloc failed")
	}
	if h2 := p.Alloc(64, false); h2 == 0 {
		t.Fatal("non-waiting Alloc failed with free chunks available")
	}
}

func TestHugeClassRounding(t *testing.T) {
	p := New()
	defer p.Close()

	if p.HugeClassSize() != 3584 {
		t.Fatalf("HugeClassSize: got %d", p.HugeClassSize())
	}

	h := p.Alloc(p.HugeClassSize(), true)
	if h == 0 {
		t.Fatal("Alloc failed")
	}
	if len(p.Map(h)) != PageSize {
		t.Errorf("huge alloc chunk: got %d bytes, want %d", len(p.Map(h)), PageSize)
	}
	p.Unmap(h)
}

func TestTotalPagesAndCompact(t *testing.T) {
	p := New()
	defer p.Close()

	if p.TotalPages() != 0 {
		t.Fatalf("fresh pool TotalPages: %d", p.TotalPages())
	}

	var handles []Handle
	for i := 0; i < 10; i++ {
		h := p.Alloc(512, true)
		if h == 0 {
			t.Fatal("Alloc failed")
		}
		handles = append(handles, h)
	}
	if p.TotalPages() != segmentPages {
		t.Fatalf("TotalPages: got %d, want %d", p.TotalPages(), segmentPages)
	}

	// Nothing to compact while chunks are live
	if n := p.Compact(); n != 0 {
		t.Fatalf("Compact released %d pages with live chunks", n)
	}

	for _, h := range handles {
		p.Free(h)
	}
	if n := p.Compact(); n != segmentPages {
		t.Fatalf("Compact released %d pages, want %d", n, segmentPages)
	}
	if p.TotalPages() != 0 {
		t.Errorf("TotalPages after Compact: %d", p.TotalPages())
	}
	if p.PagesCompacted() != segmentPages {
		t.Errorf("PagesCompacted: %d", p.PagesCompacted())
	}
}

func TestSegmentExhaustionGrowsPool(t *testing.T) {
	p := New()
	defer p.Close()

	// The page class fits segmentPages chunks per segment; one more
	// forces a second segment.
	for i := 0; i < segmentPages+1; i++ {
		if h := p.Alloc(PageSize, true); h == 0 {
			t.Fatalf("Alloc %d failed", i)
		}
	}
	if p.TotalPages() != 2*segmentPages {
		t.Errorf("TotalPages: got %d, want %d", p.TotalPages(), 2*segmentPages)
	}
}

func TestHandleParts(t *testing.T) {
	h := makeHandle(12, 3, 77)
	class, seg, chunk := h.parts()
	if class != 12 || seg != 3 || chunk != 77 {
		t.Errorf("parts: got (%d,%d,%d)", class, seg, chunk)
	}
	if makeHandle(0, 0, 0) == 0 {
		t.Error("first handle collides with the invalid handle")
	}
}

func TestDistinctChunksDoNotAlias(t *testing.T) {
	p := New()
	defer p.Close()

	h1 := p.Alloc(64, true)
	h2 := p.Alloc(64, true)
	if h1 == 0 || h2 == 0 {
		t.Fatal("Alloc failed")
	}
	b1, b2 := p.Map(h1), p.Map(h2)
	for i := range b1 {
		b1[i] = 0x11
	}
	for i := range b2 {
		b2[i] = 0x22
	}
	if b1[0] != 0x11 || b2[0] != 0x22 {
		t.Error("chunks alias")
	}
	p.Unmap(h1)
	p.Unmap(h2)
}
