package hda

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// reset runs the initialization sequence:
//
//	Uninitialized -> RingsStopped -> ControllerReset -> RingsRunning -> CodecDiscovered -> Ready
//
// Every wait is bounded by Config.ResetTimeout.
func (d *Device) reset() error {
	d.cmdMu.Lock()
	defer d.unlockCmd()

	d.setState(StateUninitialized)
	w := d.waiter(d.config.ResetTimeout)

	gcap := d.regs.Read16(REG_GCAP)
	iss := uint32(gcap>>GCAP_ISS_SHIFT) & GCAP_SS_MASK
	oss := uint32(gcap>>GCAP_OSS_SHIFT) & GCAP_SS_MASK
	if oss == 0 {
		return fmt.Errorf("controller has no output streams (gcap %#04x)", gcap)
	}

	// The first output descriptor follows the input descriptors.
	streamIndex := iss
	d.log.WithFields(logrus.Fields{
		"gcap":    fmt.Sprintf("%#04x", gcap),
		"version": fmt.Sprintf("%d.%d", d.regs.Read8(REG_VMAJ), d.regs.Read8(REG_VMIN)),
		"stream":  streamIndex,
	}).Debug("Controller capabilities")

	// Stop the ring DMA engines and the output stream.
	d.regs.Write8(REG_CORBCTL, 0)
	d.regs.Write8(REG_RIRBCTL, 0)
	d.regs.Write8(StreamBase(streamIndex)+REG_SD_CTLL, 0)
	if !w.until(func() bool {
		return d.regs.Read8(REG_CORBCTL)&CORBCTL_CORBRUN == 0 && d.regs.Read8(REG_RIRBCTL)&RIRBCTL_RIRBRUN == 0
	}) {
		return resetError("stop rings")
	}
	d.setState(StateRingsStopped)

	// Full reset handshake, both edges observed.
	d.regs.Write32(REG_GCTL, d.regs.Read32(REG_GCTL)&^GCTL_RESET)
	if !w.until(func() bool { return d.regs.Read32(REG_GCTL)&GCTL_RESET == 0 }) {
		return resetError("enter controller reset")
	}

	d.regs.Write32(REG_GCTL, d.regs.Read32(REG_GCTL)|GCTL_RESET|GCTL_UNSOL)
	if !w.until(func() bool { return d.regs.Read32(REG_GCTL)&GCTL_RESET != 0 }) {
		return resetError("leave controller reset")
	}

	// Codecs announce themselves in STATESTS shortly after the link comes up.
	w.until(func() bool { return d.regs.Read16(REG_STATESTS)&(1<<MaxCodecs-1) != 0 })
	codecs := d.regs.Read16(REG_STATESTS) & (1<<MaxCodecs - 1)

	d.mu.Lock()
	d.codecMask = codecs
	d.mu.Unlock()
	d.setState(StateControllerReset)

	// Clear pending wake and interrupt status, then unmask the controller and output stream.
	d.regs.Write16(REG_WAKEEN, 0)
	d.regs.Write16(REG_STATESTS, 1<<MaxCodecs-1)
	d.regs.Write8(REG_RIRBSTS, RIRBSTS_RINTFL|RIRBSTS_RIRBOIS)
	d.regs.Write32(REG_INTCTL, INTCTL_GIE|INTCTL_CIE|1<<streamIndex)

	if err := d.corb.setup(w); err != nil {
		return err
	}
	if err := d.rirb.setup(); err != nil {
		return err
	}
	d.orphans = [MaxCodecs]int{}

	pos := d.rings.PhysAddr() + uint64(d.dmaPosOffset)
	d.regs.Write32(REG_DPUBASE, upper32(pos))
	d.regs.Write32(REG_DPLBASE, lower32(pos)|DPLBASE_ENABLE)

	d.regs.Write8(REG_CORBCTL, CORBCTL_CORBRUN)
	d.regs.Write8(REG_RIRBCTL, RIRBCTL_RIRBRUN|RIRBCTL_RINTCTL)
	if !w.until(func() bool {
		return d.regs.Read8(REG_CORBCTL)&CORBCTL_CORBRUN != 0 && d.regs.Read8(REG_RIRBCTL)&RIRBCTL_RIRBRUN != 0
	}) {
		return resetError("start rings")
	}

	d.log.WithFields(logrus.Fields{
		"corb":   d.corb.entries,
		"rirb":   d.rirb.entries,
		"codecs": fmt.Sprintf("%#04x", codecs),
	}).Debug("Command rings running")
	d.setState(StateRingsRunning)

	if err := d.discover(codecs); err != nil {
		return err
	}
	d.setState(StateCodecDiscovered)

	if err := d.setupStream(streamIndex); err != nil {
		return err
	}

	if err := d.configureOutput(); err != nil {
		return err
	}

	out := d.Output()
	d.log.WithFields(logrus.Fields{
		"codec":    out.Codec,
		"node":     fmt.Sprintf("%#02x", out.Node),
		"rate":     out.Rate,
		"channels": out.Channels,
	}).Info("Output ready")
	d.setState(StateReady)

	return nil
}
