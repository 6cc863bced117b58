package hda

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"unsafe"

	"github.com/go-audio/audio"
	"github.com/sirupsen/logrus"
)

// Position is a playback position derived from the controller's DMA position block.
type Position struct {
	// Buffer is the index of the buffer the DMA engine is reading.
	Buffer uint32
	// Frame is the 16-bit sample offset inside that buffer.
	Frame uint32
}

// Stream is the output stream: one stream descriptor fed by a cyclic list of
// equal-size buffers. Each buffer raises a completion interrupt when played.
type Stream struct {
	d          *Device
	index      uint32
	base       uint32
	buffers    []Mem
	bufferSize uint32

	// Guarded by d.mu.
	completed  uint32
	interrupts uint64
	running    bool
}

// setupStream allocates the output buffers, fills the BDL and programs stream
// descriptor index. The caller holds cmdMu.
func (d *Device) setupStream(index uint32) error {
	s := &Stream{
		d:          d,
		index:      index,
		base:       StreamBase(index),
		bufferSize: d.config.BufferSize,
	}

	// Published before allocating so Close releases a partial buffer set.
	d.mu.Lock()
	d.stream = s
	d.mu.Unlock()

	n := d.config.NumBuffers
	for i := uint32(0); i < n; i++ {
		mem, err := d.bus.Alloc(int(s.bufferSize))
		if err != nil {
			return fmt.Errorf("buffer %d (%d bytes): %w: %v", i, s.bufferSize, ErrAllocationFailed, err)
		}
		s.buffers = append(s.buffers, mem)

		entry := bdlOffset + int(i)*bdlEntrySize
		memWrite32(d.rings, entry, lower32(mem.PhysAddr()))
		memWrite32(d.rings, entry+4, upper32(mem.PhysAddr()))
		memWrite32(d.rings, entry+8, s.bufferSize)
		memWrite32(d.rings, entry+12, 1) // interrupt on completion
	}

	w := d.waiter(d.config.ResetTimeout)

	d.regs.Write8(s.base+REG_SD_CTLL, SDCTL_SRST)
	if !w.until(func() bool { return d.regs.Read8(s.base+REG_SD_CTLL)&SDCTL_SRST != 0 }) {
		return resetError("enter stream reset")
	}

	d.regs.Write8(s.base+REG_SD_CTLL, 0)
	if !w.until(func() bool { return d.regs.Read8(s.base+REG_SD_CTLL)&SDCTL_SRST == 0 }) {
		return resetError("leave stream reset")
	}

	bdl := d.rings.PhysAddr() + bdlOffset

	d.regs.Write8(s.base+REG_SD_CTLU, OutputStreamTag<<SDCTLU_STRM_SHIFT)
	d.regs.Write32(s.base+REG_SD_CBL, n*s.bufferSize)
	d.regs.Write16(s.base+REG_SD_LVI, uint16(n-1))
	d.regs.Write16(s.base+REG_SD_FMT, FormatBits(d.config.Rate, d.config.Channels))
	d.regs.Write32(s.base+REG_SD_BDPL, lower32(bdl))
	d.regs.Write32(s.base+REG_SD_BDPU, upper32(bdl))
	d.regs.Write8(s.base+REG_SD_STS, SDSTS_MASK)
	d.regs.Write8(s.base+REG_SD_CTLL, SDCTL_IOCE)

	d.log.WithFields(logrus.Fields{
		"stream":  index,
		"base":    fmt.Sprintf("%#03x", s.base),
		"buffers": n,
		"size":    s.bufferSize,
	}).Debug("Stream descriptor programmed")

	return nil
}

// Index returns the stream descriptor index.
func (s *Stream) Index() uint32 {
	return s.index
}

// NumBuffers returns the number of buffers in the cyclic list.
func (s *Stream) NumBuffers() uint32 {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	return uint32(len(s.buffers))
}

// BufferSize returns the size of each buffer in bytes.
func (s *Stream) BufferSize() uint32 {
	return s.bufferSize
}

// Buffer returns the DMA memory of buffer i.
func (s *Stream) Buffer(i uint32) []byte {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	if i >= uint32(len(s.buffers)) {
		return nil
	}

	return s.buffers[i].Buf()
}

// Completed returns the completed-buffer counter: the index of the buffer whose
// completion is expected next, always modulo NumBuffers.
func (s *Stream) Completed() uint32 {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	return s.completed
}

// Interrupts returns the number of buffer completion interrupts serviced.
func (s *Stream) Interrupts() uint64 {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	return s.interrupts
}

// Running reports whether the DMA engine has been started.
func (s *Stream) Running() bool {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	return s.running
}

// Start sets the stream's RUN bit. Playback loops over the buffer list until Stop.
func (s *Stream) Start() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	if s.d.closed {
		return ErrClosed
	}

	ctl := s.d.regs.Read8(s.base + REG_SD_CTLL)
	s.d.regs.Write8(s.base+REG_SD_CTLL, ctl|SDCTL_RUN|SDCTL_IOCE)
	s.running = true

	return nil
}

// Stop clears the stream's RUN bit. The buffer position is kept.
func (s *Stream) Stop() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	if s.d.closed {
		return ErrClosed
	}

	ctl := s.d.regs.Read8(s.base + REG_SD_CTLL)
	s.d.regs.Write8(s.base+REG_SD_CTLL, ctl&^SDCTL_RUN)
	s.running = false

	return nil
}

// setFormat programs SDnFMT. A running DMA engine is stopped for the write and
// restarted afterwards. The caller holds d.mu.
func (s *Stream) setFormat(format uint16) {
	ctl := s.d.regs.Read8(s.base + REG_SD_CTLL)
	running := ctl&SDCTL_RUN != 0

	if running {
		s.d.regs.Write8(s.base+REG_SD_CTLL, ctl&^SDCTL_RUN)

		w := s.d.waiter(s.d.config.ResetTimeout)
		if !w.until(func() bool { return s.d.regs.Read8(s.base+REG_SD_CTLL)&SDCTL_RUN == 0 }) {
			s.d.log.WithField("stream", s.index).Warn("Stream did not stop for format change")
		}
	}

	s.d.regs.Write16(s.base+REG_SD_FMT, format)

	if running {
		s.d.regs.Write8(s.base+REG_SD_CTLL, ctl)
	}
}

// Position returns the current playback position.
func (s *Stream) Position() Position {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	if s.d.rings == nil || len(s.buffers) == 0 {
		return Position{}
	}

	off := memRead32(s.d.rings, s.d.dmaPosOffset+int(s.index)*dmaPosEntry)

	return Position{
		Buffer: (off / s.bufferSize) % uint32(len(s.buffers)),
		Frame:  (off % s.bufferSize) / 2,
	}
}

// WriteBuffer copies interleaved samples into buffer index, starting at its first byte.
// The provided `data` argument must be a slice of a supported numeric type (e.g., []int16, []byte).
// Returns the number of bytes copied; data longer than a buffer is truncated.
func (s *Stream) WriteBuffer(index uint32, data any) (int, error) {
	ptr, byteLen, err := checkSliceAndGetData(data)
	if err != nil {
		return 0, fmt.Errorf("invalid data type for WriteBuffer: %w", err)
	}

	if byteLen == 0 {
		return 0, fmt.Errorf("invalid data for WriteBuffer")
	}

	defer runtime.KeepAlive(data)

	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	if s.d.closed {
		return 0, ErrClosed
	}

	if index >= uint32(len(s.buffers)) {
		return 0, fmt.Errorf("buffer index %d out of range (%d buffers)", index, len(s.buffers))
	}

	src := unsafe.Slice((*byte)(ptr), byteLen)

	return copy(s.buffers[index].Buf(), src), nil
}

// Write refills the buffer the controller finished most recently.
func (s *Stream) Write(data any) (int, error) {
	return s.WriteBuffer(s.refillIndex(), data)
}

// WriteIntBuffer converts buf with Int16Samples and refills the buffer the controller
// finished most recently.
func (s *Stream) WriteIntBuffer(buf *audio.IntBuffer) (int, error) {
	if buf == nil || len(buf.Data) == 0 {
		return 0, fmt.Errorf("invalid data for WriteIntBuffer")
	}

	return s.Write(Int16Samples(buf))
}

// Int16Samples converts buf to signed 16-bit samples, scaling from its source bit
// depth. A zero depth is taken as 16 bits.
func Int16Samples(buf *audio.IntBuffer) []int16 {
	if buf == nil {
		return nil
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = 16
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case depth > 16:
			v >>= uint(depth - 16)
		case depth < 16:
			v <<= uint(16 - depth)
		}
		samples[i] = int16(v)
	}

	return samples
}

func (s *Stream) refillIndex() uint32 {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	n := uint32(len(s.buffers))
	if n == 0 {
		return 0
	}

	return (s.completed + n - 1) % n
}

// halt stops the DMA engine and masks the stream's interrupts.
func (s *Stream) halt() {
	s.d.regs.Write8(s.base+REG_SD_CTLL, 0)
	s.d.regs.Write8(s.base+REG_SD_STS, SDSTS_MASK)

	s.d.mu.Lock()
	s.running = false
	s.d.mu.Unlock()
}

// free releases the buffers.
func (s *Stream) free() {
	s.d.mu.Lock()
	buffers := s.buffers
	s.buffers = nil
	s.d.mu.Unlock()

	for _, b := range buffers {
		_ = b.Close()
	}
}

// HandleInterrupt services the controller's interrupt line. It reports whether the
// controller had raised an interrupt. The platform calls it on every IRQ; nested calls
// return false immediately. It never issues verbs.
func (d *Device) HandleInterrupt() bool {
	if !d.inIRQ.CompareAndSwap(false, true) {
		return false
	}
	defer d.inIRQ.Store(false)

	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()

		return false
	}

	sts := d.regs.Read32(REG_INTSTS)
	if sts == 0 {
		d.mu.Unlock()

		return false
	}

	var (
		s        = d.stream
		done     bool
		finished uint32
	)

	if s != nil && sts&(1<<s.index) != 0 {
		sdsts := d.regs.Read8(s.base + REG_SD_STS)
		d.regs.Write8(s.base+REG_SD_STS, sdsts&SDSTS_MASK)

		if sdsts&SDSTS_BCIS != 0 && len(s.buffers) > 0 {
			finished = s.completed
			s.completed = (s.completed + 1) % uint32(len(s.buffers))
			s.interrupts++
			done = true
		}

		if sdsts&(SDSTS_FIFOE|SDSTS_DESE) != 0 {
			d.log.WithField("status", fmt.Sprintf("%#02x", sdsts)).Trace("Stream error")
		}
	}

	if sts&INTCTL_CIE != 0 {
		d.regs.Write8(REG_RIRBSTS, RIRBSTS_RINTFL|RIRBSTS_RIRBOIS)
		d.regs.Write16(REG_STATESTS, 1<<MaxCodecs-1)
	}

	d.mu.Unlock()

	d.metrics.interrupts.Inc(1)

	if done {
		d.metrics.buffers.Inc(1)
		d.log.WithField("buffer", finished).Trace("Buffer complete")

		if d.config.OnBufferComplete != nil {
			d.config.OnBufferComplete(s, finished)
		}
	}

	return true
}

// checkSlice validates that the input is a slice of a supported numeric type.
// It returns the total length of the slice data in bytes.
func checkSlice(data any) (byteLen uint32, err error) {
	if data == nil {
		return 0, errors.New("data cannot be nil")
	}

	rv := reflect.ValueOf(data)
	if rv.Kind() != reflect.Slice {
		return 0, fmt.Errorf("expected a slice, got %T", data)
	}

	if rv.Len() == 0 {
		return 0, nil
	}

	switch rv.Type().Elem().Kind() {
	case reflect.Int8, reflect.Uint8,
		reflect.Int16, reflect.Uint16,
		reflect.Int32, reflect.Uint32:
	default:
		return 0, fmt.Errorf("unsupported slice element type: %s", rv.Type().Elem().Kind())
	}

	return uint32(rv.Len()) * uint32(rv.Type().Elem().Size()), nil
}

// checkSliceAndGetData is a helper that combines slice validation and getting the data pointer.
func checkSliceAndGetData(data any) (ptr unsafe.Pointer, byteLen uint32, err error) {
	byteLen, err = checkSlice(data)
	if err != nil {
		return nil, 0, err
	}

	if byteLen > 0 {
		ptr = unsafe.Pointer(reflect.ValueOf(data).Index(0).Addr().Pointer())
	}

	return ptr, byteLen, nil
}
