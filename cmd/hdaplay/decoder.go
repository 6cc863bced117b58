package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// Decoder yields interleaved integer PCM from an audio file.
type Decoder interface {
	// PCMBuffer fills buf.Data and returns the number of samples read.
	PCMBuffer(buf *audio.IntBuffer) (n int, err error)
	Duration() (time.Duration, error)
	NumChans() uint16
	SampleRate() uint32
	BitDepth() uint16
	IsFloat() bool
}

// newDecoder picks a decoder by file extension.
func newDecoder(path string, r io.ReadSeeker) (Decoder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return newWavDecoder(r)
	case ".mp3":
		return newMp3Decoder(r)
	default:
		return nil, fmt.Errorf("unsupported file type '%s'", filepath.Ext(path))
	}
}

type wavDecoder struct {
	*wav.Decoder
}

func newWavDecoder(r io.ReadSeeker) (Decoder, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	return &wavDecoder{Decoder: d}, nil
}

func (w *wavDecoder) SampleRate() uint32 { return w.Decoder.SampleRate }
func (w *wavDecoder) NumChans() uint16   { return w.Decoder.NumChans }
func (w *wavDecoder) BitDepth() uint16   { return w.Decoder.BitDepth }
func (w *wavDecoder) IsFloat() bool      { return w.Decoder.WavAudioFormat == 3 }

// mp3Decoder always yields 16-bit stereo.
type mp3Decoder struct {
	d       *mp3.Decoder
	rate    uint32
	length  int64
	scratch []byte
}

func newMp3Decoder(r io.Reader) (Decoder, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	return &mp3Decoder{d: d, rate: uint32(d.SampleRate()), length: d.Length()}, nil
}

func (m *mp3Decoder) PCMBuffer(buf *audio.IntBuffer) (int, error) {
	need := len(buf.Data) * 2
	if cap(m.scratch) < need {
		m.scratch = make([]byte, need)
	}
	b := m.scratch[:need]

	read, err := io.ReadFull(m.d, b)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	n := read / 2
	for i := 0; i < n; i++ {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(b[i*2:])))
	}
	buf.SourceBitDepth = 16

	return n, err
}

func (m *mp3Decoder) Duration() (time.Duration, error) {
	if m.length < 0 {
		return 0, errors.New("unknown stream length")
	}

	frames := m.length / 4

	return time.Duration(frames) * time.Second / time.Duration(m.rate), nil
}

func (m *mp3Decoder) SampleRate() uint32 { return m.rate }
func (m *mp3Decoder) NumChans() uint16   { return 2 }
func (m *mp3Decoder) BitDepth() uint16   { return 16 }
func (m *mp3Decoder) IsFloat() bool      { return false }
