package zram

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Giulio2002/zram/comp"
)

// SetAttr writes a control attribute, mirroring the driver's sysfs
// surface. Size-valued attributes accept human-readable strings
// ("256MiB", "1G"). Unknown attributes and malformed values fail with
// ErrInvalid.
func (d *Device) SetAttr(name, value string) error {
	value = strings.TrimSpace(value)

	switch name {
	case "disksize":
		size, err := humanize.ParseBytes(value)
		if err != nil || size == 0 {
			return NewError(ErrInvalid)
		}
		return d.Init(size)

	case "reset":
		if value != "1" {
			return NewError(ErrInvalid)
		}
		d.Reset()
		return nil

	case "compact":
		_, err := d.Compact()
		return err

	case "mem_limit":
		limit, err := humanize.ParseBytes(value)
		if err != nil {
			return NewError(ErrInvalid)
		}
		d.SetMemLimit(limit)
		return nil

	case "mem_used_max":
		if value != "0" {
			return NewError(ErrInvalid)
		}
		d.RebaseMemUsedMax()
		return nil

	case "comp_algorithm":
		return d.SetCompressor(value)

	case "backing_dev":
		return d.SetBackingDev(value)

	case "writeback":
		_, err := d.Writeback(context.Background(), value)
		return err

	case "writeback_limit":
		pages, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return NewError(ErrInvalid)
		}
		d.SetWritebackLimit(pages)
		return nil

	case "writeback_limit_enable":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return NewError(ErrInvalid)
		}
		d.SetWritebackLimitEnable(v != 0)
		return nil

	case "idle":
		if value != "all" {
			return NewError(ErrInvalid)
		}
		_, err := d.MarkIdle()
		return err

	case "new":
		if value != "all" {
			return NewError(ErrInvalid)
		}
		return d.MarkNew()

	case "use_dedup":
		switch value {
		case "0":
			return d.SetUseDedup(false)
		case "1":
			return d.SetUseDedup(true)
		default:
			return NewError(ErrInvalid)
		}

	case "low_compress_ratio":
		ratio, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return NewError(ErrInvalid)
		}
		d.SetLowCompressRatio(uint32(ratio))
		return nil

	case "max_comp_streams":
		// Kept for compatibility; streams are sized to the hardware.
		return nil

	default:
		return NewError(ErrInvalid)
	}
}

// Attr reads a control attribute. Stat attributes render as space-
// separated integers, newline-terminated.
func (d *Device) Attr(name string) (string, error) {
	switch name {
	case "disksize":
		return fmt.Sprintf("%d\n", d.DiskSize()), nil

	case "initstate":
		return fmt.Sprintf("%d\n", d.InitState()), nil

	case "comp_algorithm":
		return d.compAlgorithmShow(), nil

	case "backing_dev":
		return d.BackingDev() + "\n", nil

	case "writeback_limit":
		return fmt.Sprintf("%d\n", d.WritebackLimit()), nil

	case "writeback_limit_enable":
		v := 0
		if d.WritebackLimitEnable() {
			v = 1
		}
		return fmt.Sprintf("%d\n", v), nil

	case "use_dedup":
		v := 0
		if d.UseDedup() {
			v = 1
		}
		return fmt.Sprintf("%d\n", v), nil

	case "low_compress_ratio":
		return fmt.Sprintf("%d\n", d.LowCompressRatio()), nil

	case "max_comp_streams":
		d.initMu.RLock()
		defer d.initMu.RUnlock()
		if d.initDone() {
			return fmt.Sprintf("%d\n", d.comp.Size()), nil
		}
		return "0\n", nil

	case "io_stat":
		s := d.Stats()
		return fmt.Sprintf("%8d %8d %8d %8d\n",
			s.FailedReads, s.FailedWrites, s.InvalidIO, s.NotifyFree), nil

	case "mm_stat":
		s := d.Stats()
		return fmt.Sprintf("%8d %8d %8d %8d %8d %8d %8d %8d %8d %8d %8d\n",
			s.OrigDataSize, s.ComprDataSize, s.MemUsed, s.MemLimit,
			s.MemUsedMax, s.SamePages, s.PagesCompacted, s.HugePages,
			s.DupDataSize, s.MetaDataSize, s.LowratioPages), nil

	case "bd_stat":
		s := d.Stats()
		return fmt.Sprintf("%8d %8d %8d\n",
			s.BdCount, s.BdReads, s.BdWrites), nil

	case "debug_stat":
		s := d.Stats()
		return fmt.Sprintf("version: %d\n%8d %8d\n",
			1, s.Writestall, s.MissFree), nil

	case "idle_stat":
		hist, err := d.idleHistogram()
		if err != nil {
			return "", err
		}
		return histShow(hist[1:]), nil

	case "new_stat":
		hist, err := d.idleHistogram()
		if err != nil {
			return "", err
		}
		return histShow(hist[:1]), nil

	default:
		return "", NewError(ErrInvalid)
	}
}

// histShow renders a histogram slice as space-separated counts.
func histShow(counts []int64) string {
	var sb strings.Builder
	for i, c := range counts {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d", c)
	}
	sb.WriteByte('\n')
	return sb.String()
}

// compAlgorithmShow renders the advertised algorithms with the selected
// one bracketed.
func (d *Device) compAlgorithmShow() string {
	current := d.Compressor()

	var sb strings.Builder
	for i, name := range comp.Algorithms() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if name == current {
			sb.WriteString("[" + name + "]")
		} else {
			sb.WriteString(name)
		}
	}
	sb.WriteByte('\n')
	return sb.String()
}

// BlockState dumps one line per allocated slot: index, last access time
// and the same/writeback/huge/idle flags. Access times are only recorded
// while access tracking is on.
func (d *Device) BlockState(w io.Writer) error {
	d.initMu.RLock()
	defer d.initMu.RUnlock()

	if !d.initDone() {
		return NewError(ErrInvalid)
	}

	t := d.table
	for index := uint32(0); index < t.numSlots(); index++ {
		t.lock(index)
		if !t.allocated(index) {
			t.unlock(index)
			continue
		}

		ac := time.Unix(0, t.slots[index].acTime)
		line := fmt.Sprintf("%12d %12d.%06d %c%c%c%c\n",
			index, ac.Unix(), ac.Nanosecond()/1000,
			flagChar(t, index, flagSame, 's'),
			flagChar(t, index, flagWB, 'w'),
			flagChar(t, index, flagHuge, 'h'),
			flagChar(t, index, flagIdle, 'i'))
		t.unlock(index)

		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

func flagChar(t *slotTable, index uint32, flag uint64, c byte) byte {
	if t.testFlag(index, flag) {
		return c
	}
	return '.'
}
