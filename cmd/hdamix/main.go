package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gen2brain/hda"
	"github.com/gen2brain/hda/cmd/internal/cli"
)

func main() {
	var opts cli.Options

	opts.Register()

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [control value]...\n", os.Args[0])
		cli.Usage(cli.Names...)
		fmt.Fprintln(os.Stderr, "\nControls:")
		fmt.Fprintln(os.Stderr, "  volume <0-255>      Output amplifier level, 0 mutes")
		fmt.Fprintln(os.Stderr, "  rate <44100|48000>  Sample rate")
		fmt.Fprintln(os.Stderr, "  channels <1|2>      Channel count")
		fmt.Fprintln(os.Stderr, "\nIf no control is specified, the output endpoint is printed.")
	}

	flag.Parse()

	args := flag.Args()
	if len(args)%2 != 0 {
		flag.Usage()
		os.Exit(1)
	}

	config, err := opts.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	dev, _, err := opts.Open(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening controller: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	for i := 0; i < len(args); i += 2 {
		if err := setControl(dev, args[i], args[i+1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error setting '%s': %v\n", args[i], err)
			dev.Close()
			os.Exit(1)
		}
	}

	printOutput(dev)
}

// setControl applies one control value.
func setControl(dev *hda.Device, name, value string) error {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid value '%s': %w", value, err)
	}

	switch strings.ToLower(name) {
	case "volume":
		if v > 255 {
			return fmt.Errorf("volume %d out of range (0-255)", v)
		}

		if err := dev.SetVolume(uint8(v)); err != nil {
			return err
		}

		fmt.Printf("Set volume to %d.\n", v)

	case "rate":
		rate, err := dev.SetSampleRate(uint32(v))
		if err != nil {
			return err
		}

		if rate != uint32(v) {
			fmt.Printf("Rate %d not supported, using %d Hz.\n", v, rate)
		} else {
			fmt.Printf("Set rate to %d Hz.\n", rate)
		}

	case "channels":
		channels, err := dev.SetChannelCount(uint32(v))
		if err != nil {
			return err
		}

		if channels != uint32(v) {
			fmt.Printf("%d channels not supported, using %d.\n", v, channels)
		} else {
			fmt.Printf("Set %d channels.\n", channels)
		}

	default:
		return fmt.Errorf("unknown control")
	}

	return nil
}

// printOutput prints the output endpoint.
func printOutput(dev *hda.Device) {
	out := dev.Output()
	muted := ""
	if out.Volume == 0 {
		muted = " (muted)"
	}

	fmt.Printf("Output codec %d node %#02x:\n", out.Codec, out.Node)
	fmt.Printf("  Volume: %d%s, gain ceiling %d\n", out.Volume, muted, out.AmpGain)
	fmt.Printf("  Rate: %d Hz\n", out.Rate)
	fmt.Printf("  Channels: %d\n", out.Channels)
}
