package hdatest

import (
	"encoding/binary"

	"github.com/gen2brain/hda"
)

// CompleteBuffer makes every running stream finish the buffer it is playing: the link
// position moves to the next BDL entry and, when the entry asks for it, the stream
// raises its buffer completion interrupt. It reports whether a stream was running.
func (c *Controller) CompleteBuffer() bool {
	c.mu.Lock()

	running := false
	for i := uint32(0); i < c.iss+c.oss; i++ {
		base := hda.StreamBase(i)
		if c.regs[base+hda.REG_SD_CTLL]&hda.SDCTL_RUN == 0 {
			continue
		}
		running = true

		entry := c.bdlEntry[i]
		bdl := c.base(base+hda.REG_SD_BDPL) + uint64(entry)*16

		b := c.dma(bdl, 16)
		if b == nil {
			continue
		}

		ioc := binary.LittleEndian.Uint32(b[12:])&1 != 0

		// The position snaps to the start of the next buffer.
		var lpib uint32
		for e := uint32(0); e <= entry; e++ {
			if d := c.dma(c.base(base+hda.REG_SD_BDPL)+uint64(e)*16, 16); d != nil {
				lpib += binary.LittleEndian.Uint32(d[8:])
			}
		}

		lvi := uint32(c.get16(base+hda.REG_SD_LVI)) & 0xff
		if entry >= lvi || lpib >= c.get32(base+hda.REG_SD_CBL) {
			entry, lpib = 0, 0
		} else {
			entry++
		}
		c.bdlEntry[i] = entry
		c.setPosition(i, lpib)

		if ioc && c.regs[base+hda.REG_SD_CTLL]&hda.SDCTL_IOCE != 0 {
			c.regs[base+hda.REG_SD_STS] |= hda.SDSTS_BCIS
		}
	}

	fire := c.pending()
	c.mu.Unlock()

	c.raise(fire)

	return running
}

// AdvancePosition moves the link position of every running stream forward by n bytes
// within the buffer being played, without completing it.
func (c *Controller) AdvancePosition(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := uint32(0); i < c.iss+c.oss; i++ {
		base := hda.StreamBase(i)
		if c.regs[base+hda.REG_SD_CTLL]&hda.SDCTL_RUN == 0 {
			continue
		}

		c.setPosition(i, c.get32(base+hda.REG_SD_LPIB)+n)
	}
}

// setPosition updates LPIB and, when enabled, the DMA position block entry of stream i.
func (c *Controller) setPosition(i, lpib uint32) {
	c.put32(hda.StreamBase(i)+hda.REG_SD_LPIB, lpib)

	dpl := c.get32(hda.REG_DPLBASE)
	if dpl&hda.DPLBASE_ENABLE == 0 {
		return
	}

	addr := uint64(c.get32(hda.REG_DPUBASE))<<32 | uint64(dpl&^hda.DPLBASE_ENABLE)
	if b := c.dma(addr+uint64(i)*8, 4); b != nil {
		binary.LittleEndian.PutUint32(b, lpib)
	}
}
