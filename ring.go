package hda

import (
	"fmt"
	"runtime"
	"time"
)

// Layout of the rings allocation. CORB, RIRB, BDL and the DMA position block share
// one physically contiguous region; every sub-region starts on a 128 byte boundary.
const (
	corbOffset   = 0
	corbMaxBytes = 256 * 4
	rirbOffset   = corbOffset + corbMaxBytes
	rirbMaxBytes = 256 * 8
	bdlOffset    = rirbOffset + rirbMaxBytes

	bdlEntrySize = 16
	dmaPosEntry  = 8
	pageSize     = 4096
)

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// ringsLayout returns the offset of the DMA position block and the total size of the
// rings allocation for a BDL of n entries.
func ringsLayout(n uint32) (dmaPosOffset, size int) {
	dmaPosOffset = bdlOffset + roundUp(int(n)*bdlEntrySize, 128)
	size = roundUp(dmaPosOffset+MaxStreams*dmaPosEntry, pageSize)

	return dmaPosOffset, size
}

// ringSize decodes the capability nibble of CORBSIZE or RIRBSIZE.
// The largest advertised size wins.
func ringSize(regs Registers, reg uint32) (entries uint32, sel uint8, err error) {
	caps := regs.Read8(reg) >> RINGSIZE_CAP_SHIFT

	switch {
	case caps&RINGSIZE_CAP_256 != 0:
		return 256, RINGSIZE_SEL_256, nil
	case caps&RINGSIZE_CAP_16 != 0:
		return 16, RINGSIZE_SEL_16, nil
	case caps&RINGSIZE_CAP_2 != 0:
		return 2, RINGSIZE_SEL_2, nil
	}

	return 0, 0, fmt.Errorf("size register %#02x advertises %#x: %w", reg, caps, ErrUnsupportedRingSize)
}

// waiter bounds a polling loop on a hardware status condition.
type waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// until polls cond until it holds or the timeout elapses. It reports whether cond held.
func (w waiter) until(cond func() bool) bool {
	deadline := time.Now().Add(w.timeout)
	for {
		if cond() {
			return true
		}

		if time.Now().After(deadline) {
			return cond()
		}

		if w.interval > 0 {
			time.Sleep(w.interval)
		} else {
			runtime.Gosched()
		}
	}
}

// corb is the command output ring. The write pointer is owned by the driver,
// the read pointer by the controller.
type corb struct {
	regs    Registers
	mem     Mem
	entries uint32
	wp      uint32
}

func (c *corb) setup(w waiter) error {
	entries, sel, err := ringSize(c.regs, REG_CORBSIZE)
	if err != nil {
		return err
	}

	c.entries = entries
	c.regs.Write8(REG_CORBSIZE, c.regs.Read8(REG_CORBSIZE)&^RINGSIZE_SEL_MASK|sel)

	base := c.mem.PhysAddr() + corbOffset
	c.regs.Write32(REG_CORBLBASE, lower32(base))
	c.regs.Write32(REG_CORBUBASE, upper32(base))

	// Read pointer reset handshake: set, observe, clear, observe.
	c.regs.Write16(REG_CORBRP, CORBRP_RESET)
	if !w.until(func() bool { return c.regs.Read16(REG_CORBRP)&CORBRP_RESET != 0 }) {
		return resetError("corb read pointer reset")
	}

	c.regs.Write16(REG_CORBRP, 0)
	if !w.until(func() bool { return c.regs.Read16(REG_CORBRP)&CORBRP_RESET == 0 }) {
		return resetError("corb read pointer release")
	}

	c.wp = 0
	c.regs.Write16(REG_CORBWP, 0)

	return nil
}

// readPointer returns the controller's read pointer.
func (c *corb) readPointer() uint32 {
	return uint32(c.regs.Read16(REG_CORBRP)&0xff) % c.entries
}

// push appends a verb, waiting while the next slot is the controller's read position.
// Nothing is written when the ring stays full until the deadline.
func (c *corb) push(w waiter, verb uint32) bool {
	next := (c.wp + 1) % c.entries
	if !w.until(func() bool { return c.readPointer() != next }) {
		return false
	}

	memWrite32(c.mem, corbOffset+int(next)*4, verb)
	c.wp = next
	c.regs.Write16(REG_CORBWP, uint16(next))

	return true
}

// rirb is the response input ring. The write pointer is owned by the controller,
// the read pointer by the driver.
type rirb struct {
	regs    Registers
	mem     Mem
	entries uint32
	rp      uint32
}

func (r *rirb) setup() error {
	entries, sel, err := ringSize(r.regs, REG_RIRBSIZE)
	if err != nil {
		return err
	}

	r.entries = entries
	r.regs.Write8(REG_RIRBSIZE, r.regs.Read8(REG_RIRBSIZE)&^RINGSIZE_SEL_MASK|sel)

	base := r.mem.PhysAddr() + rirbOffset
	r.regs.Write32(REG_RIRBLBASE, lower32(base))
	r.regs.Write32(REG_RIRBUBASE, upper32(base))

	r.regs.Write16(REG_RIRBWP, RIRBWP_RESET)
	r.regs.Write16(REG_RINTCNT, 1)
	r.rp = 0

	return nil
}

func (r *rirb) writePointer() uint32 {
	return uint32(r.regs.Read16(REG_RIRBWP)&0xff) % r.entries
}

// pending reports whether the controller has written entries the driver has not consumed.
func (r *rirb) pending() bool {
	return r.writePointer() != r.rp
}

// pop waits for the next entry and consumes it, acknowledging the response status.
func (r *rirb) pop(w waiter) (response, extended uint32, ok bool) {
	if !w.until(r.pending) {
		return 0, 0, false
	}

	r.rp = (r.rp + 1) % r.entries
	entry := memRead64(r.mem, rirbOffset+int(r.rp)*8)
	r.regs.Write8(REG_RIRBSTS, RIRBSTS_RINTFL|RIRBSTS_RIRBOIS)

	return uint32(entry), uint32(entry >> 32), true
}
