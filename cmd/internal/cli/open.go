// Package cli holds the device options shared by the command-line tools.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gen2brain/hda"
	"github.com/gen2brain/hda/hdatest"
)

// Options selects the controller a tool talks to.
type Options struct {
	PCI      string
	Sim      bool
	Config   string
	LogLevel string
}

// Names lists the flags registered by Register, in usage order.
var Names = []string{"pci", "sim", "config", "log-level"}

// Register adds the device flags to the default flag set.
func (o *Options) Register() {
	flag.StringVar(&o.PCI, "pci", "", "PCI address of the controller, e.g. 0000:00:1f.3 (default: first controller found)")
	flag.BoolVar(&o.Sim, "sim", false, "Use a simulated controller with one codec")
	flag.StringVar(&o.Config, "config", "", "YAML configuration file")
	flag.StringVar(&o.LogLevel, "log-level", "warning", "Log level (trace, debug, info, warning, error)")
}

// Usage prints the given flags the way the tools list their options.
func Usage(names ...string) {
	fmt.Fprintln(os.Stderr, "\nOptions:")
	for _, name := range names {
		f := flag.Lookup(name)
		if f != nil {
			fmt.Fprintf(os.Stderr, "  --%s\n    \t%v (default %q)\n", f.Name, f.Usage, f.DefValue)
		}
	}
}

// LoadConfig reads the configuration file, if any, and attaches a logger.
func (o *Options) LoadConfig() (*hda.Config, error) {
	config := &hda.Config{}
	if o.Config != "" {
		c, err := hda.LoadConfig(o.Config)
		if err != nil {
			return nil, err
		}
		config = c
	}

	level := o.LogLevel
	if config.LogLevel != "" && o.LogLevel == "warning" {
		level = config.LogLevel
	}

	l, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", level, err)
	}

	config.Logger = logrus.New()
	config.Logger.SetOutput(os.Stderr)
	config.Logger.SetLevel(l)

	return config, nil
}

// Open opens the selected controller with config. The simulated controller is
// returned as well so callers can drive its stream.
func (o *Options) Open(config *hda.Config) (*hda.Device, *hdatest.Controller, error) {
	if o.Sim {
		ctrl := hdatest.New()
		ctrl.AddCodec(hdatest.NewDefaultCodec(0))

		dev, err := hda.Open(ctrl, config)
		if err != nil {
			return nil, nil, err
		}

		return dev, ctrl, nil
	}

	addr := o.PCI
	if addr == "" {
		controllers, err := hda.EnumerateControllers()
		if err != nil {
			return nil, nil, err
		}

		if len(controllers) == 0 {
			return nil, nil, errors.New("no HD Audio controller found")
		}

		addr = controllers[0].Address
	}

	dev, err := hda.OpenPCI(addr, config)
	if err != nil {
		return nil, nil, err
	}

	return dev, nil, nil
}
