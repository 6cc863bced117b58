// Package hdatest is meant to be used to test code using an HD Audio controller
// without hardware. Controller simulates the register window, the CORB/RIRB DMA
// engines and the output stream's position reporting; Codec answers verbs.
package hdatest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/hda"
)

const (
	regsSize = 0x500
	pageSize = 4096

	// physBase keeps simulated bus addresses above 4 GiB so both base halves are used.
	physBase = 0x1_0010_0000
)

// Controller implements hda.Bus and hda.Registers.
//
// Use its setters to simulate hardware behaviour; they are safe for concurrent use.
type Controller struct {
	mu   sync.Mutex
	regs [regsSize]byte

	iss, oss           uint32
	corbCaps, rirbCaps uint8
	codecs             [hda.MaxCodecs]*Codec

	// Ring engine state.
	corbRP uint32
	rirbWP uint32

	// Per stream descriptor BDL entry being played.
	bdlEntry map[uint32]uint32

	mems       map[*Mem]struct{}
	nextPhys   uint64
	allocs     int
	allocLimit int

	stallCORB  bool
	hold       bool
	held       [][2]uint32
	stuckReset bool
	stuckRings bool

	verbs []uint32
	irq   func()

	// SDnFMT writes made while the descriptor's RUN bit was set.
	formatWhileRunning int
}

// New returns a controller with 4 input and 4 output streams whose rings support
// 2, 16 and 256 entries. It starts out of reset, as firmware leaves it.
func New() *Controller {
	c := &Controller{
		iss:        4,
		oss:        4,
		corbCaps:   hda.RINGSIZE_CAP_2 | hda.RINGSIZE_CAP_16 | hda.RINGSIZE_CAP_256,
		rirbCaps:   hda.RINGSIZE_CAP_2 | hda.RINGSIZE_CAP_16 | hda.RINGSIZE_CAP_256,
		bdlEntry:   map[uint32]uint32{},
		mems:       map[*Mem]struct{}{},
		nextPhys:   physBase,
		allocLimit: -1,
	}
	c.initRegs()
	c.put32(hda.REG_GCTL, hda.GCTL_RESET)

	return c
}

// initRegs sets every register to its value after a controller reset.
func (c *Controller) initRegs() {
	c.regs = [regsSize]byte{}
	c.put16(hda.REG_GCAP, uint16(c.oss<<hda.GCAP_OSS_SHIFT|c.iss<<hda.GCAP_ISS_SHIFT|hda.GCAP_64OK))
	c.regs[hda.REG_VMIN] = 0
	c.regs[hda.REG_VMAJ] = 1
	c.regs[hda.REG_CORBSIZE] = c.corbCaps << hda.RINGSIZE_CAP_SHIFT
	c.regs[hda.REG_RIRBSIZE] = c.rirbCaps << hda.RINGSIZE_CAP_SHIFT
	c.corbRP = 0
	c.rirbWP = 0
	c.bdlEntry = map[uint32]uint32{}
}

// SetStreams sets the number of input and output stream descriptors in GCAP.
func (c *Controller) SetStreams(iss, oss uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.iss, c.oss = iss, oss
	c.put16(hda.REG_GCAP, uint16(oss<<hda.GCAP_OSS_SHIFT|iss<<hda.GCAP_ISS_SHIFT|hda.GCAP_64OK))
}

// SetRingCaps sets the size capability nibbles of CORBSIZE and RIRBSIZE.
func (c *Controller) SetRingCaps(corb, rirb uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.corbCaps, c.rirbCaps = corb, rirb
	c.regs[hda.REG_CORBSIZE] = corb<<hda.RINGSIZE_CAP_SHIFT | c.regs[hda.REG_CORBSIZE]&hda.RINGSIZE_SEL_MASK
	c.regs[hda.REG_RIRBSIZE] = rirb<<hda.RINGSIZE_CAP_SHIFT | c.regs[hda.REG_RIRBSIZE]&hda.RINGSIZE_SEL_MASK
}

// AddCodec attaches codec at its address. Codecs must be attached before the
// controller leaves reset to show up in STATESTS.
func (c *Controller) AddCodec(codec *Codec) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.codecs[codec.Address] = codec
	if c.get32(hda.REG_GCTL)&hda.GCTL_RESET != 0 {
		c.put16(hda.REG_STATESTS, c.get16(hda.REG_STATESTS)|1<<codec.Address)
	}
}

// SetStallCORB stops (true) or resumes (false) the CORB DMA engine fetching verbs.
// Resuming processes the verbs queued meanwhile.
func (c *Controller) SetStallCORB(stall bool) {
	c.mu.Lock()
	c.stallCORB = stall
	if !stall {
		c.processCORB()
	}
	fire := c.pending()
	c.mu.Unlock()

	c.raise(fire)
}

// SetHoldResponses makes the codecs keep their responses instead of writing them to
// the RIRB. See ReleaseResponses.
func (c *Controller) SetHoldResponses(hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hold = hold
}

// ReleaseResponses writes the held responses to the RIRB, late.
func (c *Controller) ReleaseResponses() {
	c.mu.Lock()
	for _, r := range c.held {
		c.pushRIRB(r[0], r[1])
	}
	c.held = nil
	fire := c.pending()
	c.mu.Unlock()

	c.raise(fire)
}

// SetStuckReset makes GCTL.CRST ignore writes.
func (c *Controller) SetStuckReset(stuck bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stuckReset = stuck
}

// SetStuckRings makes the CORB and RIRB run bits ignore writes.
func (c *Controller) SetStuckRings(stuck bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stuckRings = stuck
}

// FailAllocAfter makes Alloc fail once n allocations succeeded. A negative n disables it.
func (c *Controller) FailAllocAfter(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.allocLimit = n
	c.allocs = 0
}

// SetIRQ sets the function called when the controller raises its interrupt line.
// It is called without any controller lock held, from the simulated events
// (CompleteBuffer, Unsolicited, SetStallCORB, ReleaseResponses); register
// accesses by the driver never call it.
func (c *Controller) SetIRQ(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.irq = fn
}

// FormatWritesWhileRunning returns how many stream format writes arrived while the
// stream's DMA engine was running.
func (c *Controller) FormatWritesWhileRunning() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.formatWhileRunning
}

// Outstanding returns the number of allocations not yet closed.
func (c *Controller) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.mems)
}

// Verbs returns every verb the CORB engine fetched, in order.
func (c *Controller) Verbs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]uint32(nil), c.verbs...)
}

// CORBEntry returns slot i of the command ring as last written by the driver.
func (c *Controller) CORBEntry(i uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.dma(c.base(hda.REG_CORBLBASE)+uint64(i)*4, 4)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

// Unsolicited queues an unsolicited response from codec, as sent on jack events.
func (c *Controller) Unsolicited(codec uint8, response uint32) {
	c.mu.Lock()
	c.pushRIRB(response, uint32(codec)&hda.RIRB_EX_CODEC_MASK|hda.RIRB_EX_UNSOL)
	fire := c.pending()
	c.mu.Unlock()

	c.raise(fire)
}

// Node returns a snapshot of a codec node's state.
func (c *Controller) Node(codec, nid uint8) (Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if codec >= hda.MaxCodecs || c.codecs[codec] == nil {
		return Node{}, false
	}

	n, ok := c.codecs[codec].nodes[nid]
	if !ok {
		return Node{}, false
	}

	return *n, true
}

// Registers implements hda.Bus.
func (c *Controller) Registers() (hda.Registers, error) {
	return c, nil
}

// Alloc implements hda.Bus. Memory is page aligned and zeroed.
func (c *Controller) Alloc(size int) (hda.Mem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if size <= 0 {
		return nil, fmt.Errorf("hdatest: invalid allocation size %d", size)
	}

	if c.allocLimit >= 0 && c.allocs >= c.allocLimit {
		return nil, errors.New("hdatest: out of DMA memory")
	}
	c.allocs++

	m := &Mem{c: c, buf: make([]byte, size), phys: c.nextPhys}
	c.nextPhys += uint64((size+pageSize-1)/pageSize*pageSize) + pageSize
	c.mems[m] = struct{}{}

	return m, nil
}

// Read8 implements hda.Registers.
func (c *Controller) Read8(off uint32) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return uint8(c.read(off, 1))
}

// Read16 implements hda.Registers.
func (c *Controller) Read16(off uint32) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return uint16(c.read(off, 2))
}

// Read32 implements hda.Registers.
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.read(off, 4)
}

// Write8 implements hda.Registers.
func (c *Controller) Write8(off uint32, v uint8) {
	c.write(off, 1, uint32(v))
}

// Write16 implements hda.Registers.
func (c *Controller) Write16(off uint32, v uint16) {
	c.write(off, 2, uint32(v))
}

// Write32 implements hda.Registers.
func (c *Controller) Write32(off uint32, v uint32) {
	c.write(off, 4, v)
}

func (c *Controller) read(off uint32, size int) uint32 {
	if off == hda.REG_INTSTS && size == 4 {
		return c.intsts()
	}

	if int(off)+size > regsSize {
		return 0
	}

	switch size {
	case 1:
		return uint32(c.regs[off])
	case 2:
		return uint32(c.get16(off))
	}

	return c.get32(off)
}

func (c *Controller) write(off uint32, size int, v uint32) {
	if int(off)+size > regsSize {
		return
	}

	c.mu.Lock()

	switch {
	case off == hda.REG_GCTL:
		c.writeGCTL(v)

	case off == hda.REG_STATESTS:
		c.put16(off, c.get16(off)&^uint16(v))

	case off == hda.REG_INTSTS:
		// Read only.

	case off == hda.REG_CORBSIZE:
		c.regs[off] = c.corbCaps<<hda.RINGSIZE_CAP_SHIFT | uint8(v)&hda.RINGSIZE_SEL_MASK

	case off == hda.REG_RIRBSIZE:
		c.regs[off] = c.rirbCaps<<hda.RINGSIZE_CAP_SHIFT | uint8(v)&hda.RINGSIZE_SEL_MASK

	case off == hda.REG_CORBRP:
		if v&hda.CORBRP_RESET != 0 {
			c.corbRP = 0
			c.put16(off, hda.CORBRP_RESET)
		} else {
			c.put16(off, uint16(c.corbRP))
		}

	case off == hda.REG_CORBWP:
		c.put16(off, uint16(v&0xff))
		c.processCORB()

	case off == hda.REG_CORBCTL:
		if c.stuckRings {
			v = v&^hda.CORBCTL_CORBRUN | uint32(c.regs[off])&hda.CORBCTL_CORBRUN
		}
		c.regs[off] = uint8(v)
		c.processCORB()

	case off == hda.REG_RIRBCTL:
		if c.stuckRings {
			v = v&^hda.RIRBCTL_RIRBRUN | uint32(c.regs[off])&hda.RIRBCTL_RIRBRUN
		}
		c.regs[off] = uint8(v)

	case off == hda.REG_RIRBWP:
		if v&hda.RIRBWP_RESET != 0 {
			c.rirbWP = 0
			c.put16(off, 0)
		}

	case off == hda.REG_RIRBSTS:
		c.regs[off] &^= uint8(v)

	case off >= hda.StreamRegsBase && (off-hda.StreamRegsBase)%hda.StreamRegsSize == hda.REG_SD_STS:
		c.regs[off] &^= uint8(v)

	case off >= hda.StreamRegsBase && (off-hda.StreamRegsBase)%hda.StreamRegsSize == hda.REG_SD_CTLL:
		c.regs[off] = uint8(v)
		if v&hda.SDCTL_SRST != 0 {
			index := (off - hda.StreamRegsBase) / hda.StreamRegsSize
			c.bdlEntry[index] = 0
			c.put32(off+hda.REG_SD_LPIB, 0)
		}

	case off >= hda.StreamRegsBase && (off-hda.StreamRegsBase)%hda.StreamRegsSize == hda.REG_SD_FMT:
		ctl := off - hda.REG_SD_FMT + hda.REG_SD_CTLL
		if c.regs[ctl]&hda.SDCTL_RUN != 0 {
			c.formatWhileRunning++
		}
		c.store(off, size, v)

	default:
		c.store(off, size, v)
	}

	c.mu.Unlock()
}

func (c *Controller) writeGCTL(v uint32) {
	old := c.get32(hda.REG_GCTL)
	if c.stuckReset {
		v = v&^hda.GCTL_RESET | old&hda.GCTL_RESET
	}

	switch {
	case old&hda.GCTL_RESET != 0 && v&hda.GCTL_RESET == 0:
		c.initRegs()

	case old&hda.GCTL_RESET == 0 && v&hda.GCTL_RESET != 0:
		var mask uint16
		for i, codec := range c.codecs {
			if codec != nil {
				mask |= 1 << i
			}
		}
		c.put16(hda.REG_STATESTS, mask)
	}

	c.put32(hda.REG_GCTL, v)
}

func (c *Controller) ringEntries(reg uint32) uint32 {
	switch c.regs[reg] & hda.RINGSIZE_SEL_MASK {
	case hda.RINGSIZE_SEL_16:
		return 16
	case hda.RINGSIZE_SEL_256:
		return 256
	}

	return 2
}

// processCORB fetches the verbs between the read and write pointers and answers them.
func (c *Controller) processCORB() {
	if c.stallCORB || c.regs[hda.REG_CORBCTL]&hda.CORBCTL_CORBRUN == 0 {
		return
	}

	entries := c.ringEntries(hda.REG_CORBSIZE)
	wp := uint32(c.get16(hda.REG_CORBWP)&0xff) % entries

	for c.corbRP != wp {
		c.corbRP = (c.corbRP + 1) % entries
		c.put16(hda.REG_CORBRP, uint16(c.corbRP))

		b := c.dma(c.base(hda.REG_CORBLBASE)+uint64(c.corbRP)*4, 4)
		if b == nil {
			continue
		}

		verb := binary.LittleEndian.Uint32(b)
		c.verbs = append(c.verbs, verb)

		codec, node, payload := hda.DecodeVerb(verb)
		if codec >= hda.MaxCodecs || c.codecs[codec] == nil {
			continue
		}

		response, ok := c.codecs[codec].respond(node, payload)
		if !ok {
			continue
		}

		ext := uint32(codec) & hda.RIRB_EX_CODEC_MASK
		if c.hold {
			c.held = append(c.held, [2]uint32{response, ext})

			continue
		}

		c.pushRIRB(response, ext)
	}
}

func (c *Controller) pushRIRB(response, ext uint32) {
	if c.regs[hda.REG_RIRBCTL]&hda.RIRBCTL_RIRBRUN == 0 {
		return
	}

	entries := c.ringEntries(hda.REG_RIRBSIZE)
	c.rirbWP = (c.rirbWP + 1) % entries

	b := c.dma(c.base(hda.REG_RIRBLBASE)+uint64(c.rirbWP)*8, 8)
	if b == nil {
		return
	}

	binary.LittleEndian.PutUint64(b, uint64(ext)<<32|uint64(response))
	c.put16(hda.REG_RIRBWP, uint16(c.rirbWP))
	c.regs[hda.REG_RIRBSTS] |= hda.RIRBSTS_RINTFL
}

// intsts computes INTSTS from the stream and controller status registers.
func (c *Controller) intsts() uint32 {
	intctl := c.get32(hda.REG_INTCTL)

	var sts uint32
	for i := uint32(0); i < c.iss+c.oss; i++ {
		if c.regs[hda.StreamBase(i)+hda.REG_SD_STS]&hda.SDSTS_MASK != 0 && intctl&(1<<i) != 0 {
			sts |= 1 << i
		}
	}

	if intctl&hda.INTCTL_CIE != 0 {
		if c.regs[hda.REG_RIRBSTS]&(hda.RIRBSTS_RINTFL|hda.RIRBSTS_RIRBOIS) != 0 && c.regs[hda.REG_RIRBCTL]&hda.RIRBCTL_RINTCTL != 0 {
			sts |= hda.INTCTL_CIE
		}
	}

	if sts != 0 {
		sts |= hda.INTCTL_GIE
	}

	return sts
}

// pending reports whether the interrupt line is asserted.
func (c *Controller) pending() bool {
	return c.get32(hda.REG_INTCTL)&hda.INTCTL_GIE != 0 && c.intsts() != 0
}

func (c *Controller) raise(fire bool) {
	if !fire {
		return
	}

	c.mu.Lock()
	irq := c.irq
	c.mu.Unlock()

	if irq != nil {
		irq()
	}
}

func (c *Controller) base(reg uint32) uint64 {
	return uint64(c.get32(reg+4))<<32 | uint64(c.get32(reg))
}

// dma returns the n bytes of simulated memory at bus address addr.
func (c *Controller) dma(addr uint64, n int) []byte {
	for m := range c.mems {
		if addr >= m.phys && addr+uint64(n) <= m.phys+uint64(len(m.buf)) {
			off := addr - m.phys

			return m.buf[off : off+uint64(n)]
		}
	}

	return nil
}

func (c *Controller) store(off uint32, size int, v uint32) {
	switch size {
	case 1:
		c.regs[off] = uint8(v)
	case 2:
		c.put16(off, uint16(v))
	default:
		c.put32(off, v)
	}
}

func (c *Controller) get16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(c.regs[off:])
}

func (c *Controller) get32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(c.regs[off:])
}

func (c *Controller) put16(off uint32, v uint16) {
	binary.LittleEndian.PutUint16(c.regs[off:], v)
}

func (c *Controller) put32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(c.regs[off:], v)
}

// Mem implements hda.Mem over ordinary memory.
type Mem struct {
	c      *Controller
	buf    []byte
	phys   uint64
	closed bool
}

// Buf implements hda.Mem.
func (m *Mem) Buf() []byte {
	return m.buf
}

// PhysAddr implements hda.Mem.
func (m *Mem) PhysAddr() uint64 {
	return m.phys
}

// Close implements hda.Mem.
func (m *Mem) Close() error {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()

	if m.closed {
		return errors.New("hdatest: memory already closed")
	}
	m.closed = true
	delete(m.c.mems, m)

	return nil
}

var (
	_ hda.Bus       = &Controller{}
	_ hda.Registers = &Controller{}
	_ hda.Mem       = &Mem{}
)
