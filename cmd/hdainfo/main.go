package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rcrowley/go-metrics"

	"github.com/gen2brain/hda"
	"github.com/gen2brain/hda/cmd/internal/cli"
)

func main() {
	var (
		opts        cli.Options
		list        bool
		showMetrics bool
	)

	opts.Register()
	flag.BoolVar(&list, "list", false, "List HD Audio controllers and exit.")
	flag.BoolVar(&showMetrics, "metrics", false, "Print the driver counters after initialization.")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Initializes an HD Audio controller and displays the discovered codec topology.")
		cli.Usage(append(cli.Names, "list", "metrics")...)
	}

	flag.Parse()

	if list {
		controllers, err := hda.EnumerateControllers()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error enumerating controllers: %v\n", err)
			os.Exit(1)
		}

		if len(controllers) == 0 {
			fmt.Println("No HD Audio controllers found.")

			return
		}

		for _, c := range controllers {
			fmt.Println(c)
		}

		return
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

	corbEntries, rirbEntries := dev.RingEntries()

	fmt.Printf("State: %s\n", dev.State())
	fmt.Printf("Codecs: %#04x\n", dev.Codecs())
	fmt.Printf("Rings: CORB %d entries, RIRB %d entries\n", corbEntries, rirbEntries)

	out := dev.Output()
	fmt.Printf("Output: codec %d node %#02x, %d Hz, %d channels, gain ceiling %d, volume %d\n",
		out.Codec, out.Node, out.Rate, out.Channels, out.AmpGain, out.Volume)

	if s := dev.Stream(); s != nil {
		fmt.Printf("Stream: descriptor %d at %#03x, %d buffers of %d bytes\n",
			s.Index(), hda.StreamBase(s.Index()), s.NumBuffers(), s.BufferSize())
	}

	fmt.Println("\nWidgets:")
	for _, w := range dev.Widgets() {
		fmt.Printf("  %s\n", w)
	}

	if showMetrics {
		fmt.Println("\nMetrics:")
		metrics.WriteOnce(dev.Metrics(), os.Stdout)
	}
}
