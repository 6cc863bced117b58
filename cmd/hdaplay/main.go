package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-audio/audio"
	"golang.org/x/sync/errgroup"

	"github.com/gen2brain/hda"
	"github.com/gen2brain/hda/cmd/internal/cli"
	"github.com/gen2brain/hda/hdatest"
)

// errDrained ends playback once the last buffer holding audio has played.
var errDrained = errors.New("drained")

func main() {
	var (
		opts   cli.Options
		volume int
	)

	opts.Register()
	flag.IntVar(&volume, "volume", -1, "Output volume 0-255 (default: from configuration)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <wav-or-mp3-file>\n", os.Args[0])
		cli.Usage(append(cli.Names, "volume")...)
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	if err := play(&opts, flag.Arg(0), volume); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func play(opts *cli.Options, path string, volume int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	dec, err := newDecoder(path, f)
	if err != nil {
		return err
	}

	if dec.IsFloat() {
		return errors.New("floating-point audio is not supported")
	}

	switch dec.BitDepth() {
	case 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth %d", dec.BitDepth())
	}

	config, err := opts.LoadConfig()
	if err != nil {
		return err
	}

	completions := make(chan uint32, 256)
	config.OnBufferComplete = func(_ *hda.Stream, buffer uint32) {
		select {
		case completions <- buffer:
		default:
		}
	}

	dev, ctrl, err := opts.Open(config)
	if err != nil {
		return fmt.Errorf("opening controller: %w", err)
	}
	defer dev.Close()

	rate, err := dev.SetSampleRate(dec.SampleRate())
	if err != nil {
		return err
	}
	if rate != dec.SampleRate() {
		fmt.Fprintf(os.Stderr, "Warning: %d Hz is not supported, playing at %d Hz.\n", dec.SampleRate(), rate)
	}

	channels, err := dev.SetChannelCount(uint32(dec.NumChans()))
	if err != nil {
		return err
	}
	if channels != uint32(dec.NumChans()) {
		return fmt.Errorf("%d channels are not supported", dec.NumChans())
	}

	if volume >= 0 {
		if volume > 255 {
			return fmt.Errorf("volume %d out of range (0-255)", volume)
		}
		if err := dev.SetVolume(uint8(volume)); err != nil {
			return err
		}
	}

	s := dev.Stream()
	samplesPerBuffer := int(s.BufferSize() / 2)
	bufferTime := time.Duration(samplesPerBuffer/int(channels)) * time.Second / time.Duration(rate)

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: int(channels), SampleRate: int(rate)},
		Data:           make([]int, samplesPerBuffer),
		SourceBitDepth: int(dec.BitDepth()),
	}

	// read fills buf, zero-padding a short read, and reports whether the file is exhausted.
	read := func() (bool, error) {
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("decoding audio: %w", err)
		}
		for i := n; i < len(buf.Data); i++ {
			buf.Data[i] = 0
		}

		return n < len(buf.Data) || errors.Is(err, io.EOF), nil
	}

	if d, err := dec.Duration(); err == nil {
		fmt.Printf("Playing '%s': %d Hz, %d channels, %d bits, %v\n", path, rate, channels, dec.BitDepth(), d.Round(time.Millisecond))
	} else {
		fmt.Printf("Playing '%s': %d Hz, %d channels, %d bits\n", path, rate, channels, dec.BitDepth())
	}

	eof := false
	silence := make([]int16, samplesPerBuffer)
	for i := uint32(0); i < s.NumBuffers(); i++ {
		samples := silence
		if !eof {
			if eof, err = read(); err != nil {
				return err
			}
			samples = hda.Int16Samples(buf)
		}

		if _, err := s.WriteBuffer(i, samples); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(); err != nil {
		return err
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pump(ctx, dev, ctrl, bufferTime)
	})

	g.Go(func() error {
		var err error

		drained := uint32(0)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-completions:
			}

			if eof {
				drained++
				if drained == s.NumBuffers() {
					return errDrained
				}

				continue
			}

			if eof, err = read(); err != nil {
				return err
			}

			if _, err := s.WriteIntBuffer(buf); err != nil {
				return err
			}
		}
	})

	err = g.Wait()
	if stopErr := s.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil && !errors.Is(err, errDrained) {
		return err
	}

	fmt.Printf("Played %d interrupts in %v.\n", s.Interrupts(), time.Since(start).Round(time.Millisecond))

	return nil
}

// pump delivers the controller's interrupts. A simulated controller completes one
// buffer per buffer period; real hardware is polled.
func pump(ctx context.Context, dev *hda.Device, ctrl *hdatest.Controller, period time.Duration) error {
	if ctrl != nil {
		ctrl.SetIRQ(func() { dev.HandleInterrupt() })
	} else {
		period = time.Millisecond
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctrl != nil {
				ctrl.CompleteBuffer()
			} else {
				dev.HandleInterrupt()
			}
		}
	}
}
