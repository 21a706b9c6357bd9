package zram

import (
	"strings"
	"testing"
)

func TestAttrDisksizeLifecycle(t *testing.T) {
	d := New(nil)

	if err := d.SetAttr("disksize", "4MiB"); err != nil {
		t.Fatalf("disksize: %v", err)
	}
	defer d.Reset()

	if got, _ := d.Attr("disksize"); got != "4194304\n" {
		t.Errorf("disksize attr: %q", got)
	}
	if got, _ := d.Attr("initstate"); got != "1\n" {
		t.Errorf("initstate: %q", got)
	}

	if err := d.SetAttr("disksize", "8MiB"); Code(err) != ErrBusy {
		t.Errorf("second disksize: got %v, want ErrBusy", err)
	}

	if err := d.SetAttr("reset", "1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got, _ := d.Attr("initstate"); got != "0\n" {
		t.Errorf("initstate after reset: %q", got)
	}
}

func TestAttrResetRequiresOne(t *testing.T) {
	d := newTestDevice(t, 1<<20)
	if err := d.SetAttr("reset", "yes"); Code(err) != ErrInvalid {
		t.Fatalf("got %v", err)
	}
}

func TestAttrCompAlgorithm(t *testing.T) {
	d := New(nil)

	got, err := d.Attr("comp_algorithm")
	if err != nil {
		t.Fatal(err)
	}
	if got != "[lz4] snappy zstd\n" {
		t.Errorf("comp_algorithm: %q", got)
	}

	if err := d.SetAttr("comp_algorithm", "zstd"); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.Attr("comp_algorithm"); got != "lz4 snappy [zstd]\n" {
		t.Errorf("comp_algorithm: %q", got)
	}

	if err := d.SetAttr("comp_algorithm", "lzo"); Code(err) != ErrInvalid {
		t.Errorf("unknown algorithm: got %v", err)
	}
}

func TestAttrUnknown(t *testing.T) {
	d := New(nil)
	if err := d.SetAttr("frobnicate", "1"); Code(err) != ErrInvalid {
		t.Errorf("SetAttr: got %v", err)
	}
	if _, err := d.Attr("frobnicate"); Code(err) != ErrInvalid {
		t.Errorf("Attr: got %v", err)
	}
}

func TestMMStatFormat(t *testing.T) {
	d := newTestDevice(t, 1<<20)

	writeSlot(t, d, 0, make([]byte, PageSize)) // same-fill
	writeSlot(t, d, 1, randomPage(t))          // huge + lowratio

	out, err := d.Attr("mm_stat")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("mm_stat not newline-terminated")
	}
	fields := strings.Fields(out)
	if len(fields) != 11 {
		t.Fatalf("mm_stat has %d fields, want 11: %q", len(fields), out)
	}

	// orig_bytes, same_pages, huge_pages, lowratio_pages
	if fields[0] != "8192" {
		t.Errorf("orig_bytes: %s", fields[0])
	}
	if fields[5] != "1" {
		t.Errorf("same_pages: %s", fields[5])
	}
	if fields[7] != "1" {
		t.Errorf("huge_pages: %s", fields[7])
	}
	if fields[10] != "1" {
		t.Errorf("lowratio_pages: %s", fields[10])
	}
}

func TestIOStatFormat(t *testing.T) {
	d := newTestDevice(t, 1<<20)

	// One invalid request.
	bad := &Bio{Op: OpRead, Sector: 1, Vecs: [][]byte{make([]byte, PageSize)}}
	_ = d.Submit(bad)

	out, err := d.Attr("io_stat")
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(out)
	if len(fields) != 4 {
		t.Fatalf("io_stat has %d fields: %q", len(fields), out)
	}
	if fields[2] != "1" {
		t.Errorf("invalid_io: %s", fields[2])
	}
}

func TestDebugStatFormat(t *testing.T) {
	d := newTestDevice(t, 1<<20)

	writeSlot(t, d, 0, compressiblePage())

	out, err := d.Attr("debug_stat")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 2 || lines[0] != "version: 1" {
		t.Fatalf("debug_stat: %q", out)
	}
	fields := strings.Fields(lines[1])
	if len(fields) != 2 {
		t.Fatalf("debug_stat counters: %q", lines[1])
	}
	if fields[0] == "0" {
		t.Error("writestall not recorded for the first allocation")
	}
}

func TestBDStatFormat(t *testing.T) {
	d := New(nil)
	if err := d.SetAttr("backing_dev", newBackingFile(t, 64)); err != nil {
		t.Fatal(err)
	}
	if err := d.SetAttr("disksize", "1MiB"); err != nil {
		t.Fatal(err)
	}
	defer d.Reset()

	writeSlot(t, d, 0, lowRatioPage(t))
	if err := d.SetAttr("idle", "all"); err != nil {
		t.Fatal(err)
	}
	if err := d.SetAttr("idle", "all"); err != nil {
		t.Fatal(err)
	}
	if err := d.SetAttr("writeback", "idle 1000 2"); err != nil {
		t.Fatal(err)
	}

	out, err := d.Attr("bd_stat")
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(out)
	if len(fields) != 3 {
		t.Fatalf("bd_stat: %q", out)
	}
	if fields[0] != "1" || fields[2] != "1" {
		t.Errorf("bd_count/bd_writes: %q", out)
	}
}

func TestIdleNewStatAttrs(t *testing.T) {
	d := newTestDevice(t, 1<<20)

	writeSlot(t, d, 0, lowRatioPage(t))
	writeSlot(t, d, 1, lowRatioPage(t))
	if err := d.SetAttr("idle", "all"); err != nil {
		t.Fatal(err)
	}

	out, err := d.Attr("idle_stat")
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(out)
	if len(fields) != wbIdleMax {
		t.Fatalf("idle_stat has %d fields, want %d: %q", len(fields), wbIdleMax, out)
	}
	if fields[0] != "2" {
		t.Errorf("idle age 1 count: %s", fields[0])
	}

	out, err = d.Attr("new_stat")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "0" {
		t.Errorf("new_stat: %q", out)
	}

	if err := d.SetAttr("new", "all"); err != nil {
		t.Fatal(err)
	}
	out, _ = d.Attr("new_stat")
	if strings.TrimSpace(out) != "2" {
		t.Errorf("new_stat after reset: %q", out)
	}
}

func TestAttrMemLimitAndUsedMax(t *testing.T) {
	d := newTestDevice(t, 1<<20)

	if err := d.SetAttr("mem_limit", "64KiB"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.WriteAt(randomPage(t), 0); Code(err) != ErrNoMem {
		t.Fatalf("got %v, want ErrNoMem", err)
	}

	if err := d.SetAttr("mem_limit", "0"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.WriteAt(randomPage(t), 0); err != nil {
		t.Fatalf("write after lifting limit: %v", err)
	}

	if err := d.SetAttr("mem_used_max", "1"); Code(err) != ErrInvalid {
		t.Errorf("mem_used_max accepts only 0: got %v", err)
	}
	if err := d.SetAttr("mem_used_max", "0"); err != nil {
		t.Fatal(err)
	}
}

func TestAttrWritebackLimit(t *testing.T) {
	d := New(nil)

	if err := d.SetAttr("writeback_limit_enable", "1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.Attr("writeback_limit_enable"); got != "1\n" {
		t.Errorf("writeback_limit_enable: %q", got)
	}
	if err := d.SetAttr("writeback_limit", "12345"); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.Attr("writeback_limit"); got != "12345\n" {
		t.Errorf("writeback_limit: %q", got)
	}
	if err := d.SetAttr("writeback_limit", "lots"); Code(err) != ErrInvalid {
		t.Errorf("got %v", err)
	}
}

func TestAttrIdleRejectsNonAll(t *testing.T) {
	d := newTestDevice(t, 1<<20)
	if err := d.SetAttr("idle", "some"); Code(err) != ErrInvalid {
		t.Errorf("got %v", err)
	}
	if err := d.SetAttr("new", "some"); Code(err) != ErrInvalid {
		t.Errorf("got %v", err)
	}
}

func TestAttrLowCompressRatio(t *testing.T) {
	d := New(nil)

	if got, _ := d.Attr("low_compress_ratio"); got != "75\n" {
		t.Errorf("default: %q", got)
	}
	if err := d.SetAttr("low_compress_ratio", "50"); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.Attr("low_compress_ratio"); got != "50\n" {
		t.Errorf("after set: %q", got)
	}
}

func TestAttrUseDedup(t *testing.T) {
	d := New(nil)

	if err := d.SetAttr("use_dedup", "1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.Attr("use_dedup"); got != "1\n" {
		t.Errorf("use_dedup: %q", got)
	}
	if err := d.SetAttr("use_dedup", "maybe"); Code(err) != ErrInvalid {
		t.Errorf("got %v", err)
	}
}

func TestAttrMaxCompStreams(t *testing.T) {
	d := newTestDevice(t, 1<<20)

	// Writes are accepted and ignored.
	if err := d.SetAttr("max_comp_streams", "4"); err != nil {
		t.Fatal(err)
	}
	got, err := d.Attr("max_comp_streams")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(got) == "0" {
		t.Errorf("max_comp_streams: %q", got)
	}
}

func TestBlockStateDump(t *testing.T) {
	d := newTestDevice(t, 1<<20)
	d.SetAccessTracking(true)

	writeSlot(t, d, 0, make([]byte, PageSize)) // same-fill
	writeSlot(t, d, 1, randomPage(t))          // huge

	var sb strings.Builder
	if err := d.BlockState(&sb); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(sb.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("block_state lines: %d", len(lines))
	}
	if !strings.HasSuffix(lines[0], "s...") {
		t.Errorf("slot 0 flags: %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], ".h.") && !strings.HasSuffix(lines[1], ".h..") {
		t.Errorf("slot 1 flags: %q", lines[1])
	}
}
