package hda

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// State is the position of a Device in its initialization sequence.
type State int32

const (
	StateUninitialized State = iota
	StateRingsStopped
	StateControllerReset
	StateRingsRunning
	StateCodecDiscovered
	StateReady
	StateFailed
	StateClosed
)

var stateNames = []string{
	"Uninitialized",
	"RingsStopped",
	"ControllerReset",
	"RingsRunning",
	"CodecDiscovered",
	"Ready",
	"Failed",
	"Closed",
}

// String returns the name of the state.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

// Output is the output endpoint chosen by topology discovery: the codec converter
// the stream is routed to and its negotiated format.
type Output struct {
	Codec    uint8
	Node     uint8
	Rate     uint32
	Channels uint32
	// AmpGain is the amplifier gain ceiling, from the converter's output amplifier capabilities.
	AmpGain uint32
	Volume  uint8
}

// Device represents an initialized HD Audio controller.
type Device struct {
	bus     Bus
	ownsBus bool
	regs    Registers
	config  Config
	log     *logrus.Logger
	metrics *deviceMetrics

	// cmdMu serializes the command path. The codec link carries one outstanding verb:
	// a CORB write and its RIRB read must not interleave with another caller's.
	cmdMu   sync.Mutex
	corb    corb
	rirb    rirb
	orphans [MaxCodecs]int // responses still owed to timed out transactions, per codec
	unsol   []unsolicitedResponse

	// mu guards the fields below. HandleInterrupt takes it, so holders must not block.
	mu        sync.Mutex
	state     State
	output    *Output
	widgets   []Widget
	stream    *Stream
	codecMask uint16
	closed    bool

	rings        Mem
	dmaPosOffset int
	inIRQ        atomic.Bool
}

// Open brings the controller behind bus from an unknown state to Ready: it resets the
// controller, starts the command rings, discovers an output path and programs the
// output stream. On failure every allocation is released.
func Open(bus Bus, config *Config) (*Device, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	regs, err := bus.Registers()
	if err != nil {
		return nil, fmt.Errorf("failed to map registers: %w", err)
	}

	d := &Device{
		bus:     bus,
		regs:    regs,
		config:  cfg,
		log:     cfg.Logger,
		metrics: newDeviceMetrics(cfg.Metrics),
	}

	if err := d.allocRings(); err != nil {
		return nil, err
	}

	if err := d.reset(); err != nil {
		d.setState(StateFailed)
		_ = d.Close()

		return nil, fmt.Errorf("failed to initialize controller: %w", err)
	}

	return d, nil
}

func (d *Device) allocRings() error {
	offset, size := ringsLayout(d.config.NumBuffers)

	rings, err := d.bus.Alloc(size)
	if err != nil {
		return fmt.Errorf("rings (%d bytes): %w: %v", size, ErrAllocationFailed, err)
	}

	d.rings = rings
	d.dmaPosOffset = offset
	d.corb = corb{regs: d.regs, mem: rings}
	d.rirb = rirb{regs: d.regs, mem: rings}

	return nil
}

// Close stops the controller's DMA engines and releases all memory.
func (d *Device) Close() error {
	if d == nil {
		return nil
	}

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return nil
	}
	d.closed = true
	stream := d.stream
	d.mu.Unlock()

	if stream != nil {
		stream.halt()
		stream.free()
	}

	d.regs.Write32(REG_INTCTL, 0)
	d.regs.Write8(REG_CORBCTL, 0)
	d.regs.Write8(REG_RIRBCTL, 0)
	d.regs.Write32(REG_DPLBASE, 0)

	d.mu.Lock()
	rings := d.rings
	d.rings = nil
	d.mu.Unlock()

	var err error
	if rings != nil {
		err = rings.Close()
	}

	if c, ok := d.bus.(io.Closer); ok && d.ownsBus {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}

	if d.State() != StateFailed {
		d.setState(StateClosed)
	}

	return err
}

// State returns the current initialization state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()

	d.metrics.state.Update(int64(s))
	d.log.WithField("state", s).Debug("Controller state changed")
}

// Output returns a copy of the output endpoint.
func (d *Device) Output() Output {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.output == nil {
		return Output{}
	}

	return *d.output
}

// Widgets returns the widgets of the selected codec visited by topology discovery.
func (d *Device) Widgets() []Widget {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Widget(nil), d.widgets...)
}

// Stream returns the output stream.
func (d *Device) Stream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stream
}

// Codecs returns the bitmask of codec addresses that reported presence after reset.
func (d *Device) Codecs() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.codecMask
}

// RingEntries returns the capacities selected for the command and response rings.
func (d *Device) RingEntries() (corbEntries, rirbEntries uint32) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	return d.corb.entries, d.rirb.entries
}

// Metrics returns the registry holding the device's counters.
func (d *Device) Metrics() metrics.Registry {
	return d.config.Metrics
}

// Logger returns the device's logger.
func (d *Device) Logger() *logrus.Logger {
	return d.log
}

func (d *Device) waiter(timeout time.Duration) waiter {
	return waiter{timeout: timeout, interval: d.config.PollInterval}
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closed
}
