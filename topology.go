package hda

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Widget describes a codec node visited during topology discovery.
type Widget struct {
	Codec uint8
	Node  uint8
	// Group is the node id of the function group the widget belongs to.
	Group uint8
	Type  WidgetType
	Caps  uint32
	// PinCaps is set for pin complexes, AmpCaps for output converters.
	PinCaps     uint32
	AmpCaps     uint32
	ConnListLen uint32
	// Configured is true when discovery enabled the widget as part of an output path.
	Configured bool
}

// String returns a human-readable representation of the Widget.
func (w Widget) String() string {
	s := fmt.Sprintf("codec %d node %#02x: %s caps %#08x", w.Codec, w.Node, w.Type, w.Caps)

	switch w.Type {
	case WIDGET_PIN:
		s += fmt.Sprintf(" pincaps %#08x", w.PinCaps)
	case WIDGET_OUTPUT:
		s += fmt.Sprintf(" ampcaps %#08x", w.AmpCaps)
	default:
		if w.ConnListLen > 0 {
			s += fmt.Sprintf(" connections %d", w.ConnListLen)
		}
	}

	if w.Configured {
		s += " [configured]"
	}

	return s
}

// discover walks the codecs present in mask and picks the first output converter.
// The first codec yielding one ends the search; the next codec is tried only when a
// codec has none or fails to answer.
func (d *Device) discover(mask uint16) error {
	for codec := uint8(0); codec < MaxCodecs; codec++ {
		if mask&(1<<codec) == 0 {
			continue
		}

		l := d.log.WithField("codec", codec)

		found, err := d.discoverCodec(codec)
		if err != nil {
			l.WithError(err).Warn("Codec discovery failed")
		}

		if found && err == nil {
			return nil
		}

		d.mu.Lock()
		d.output = nil
		d.widgets = withoutCodec(d.widgets, codec)
		d.mu.Unlock()

		if err == nil {
			l.Debug("Codec has no output converter")
		}
	}

	return ErrNoOutputWidget
}

// withoutCodec drops the widgets of a codec that was not selected.
func withoutCodec(widgets []Widget, codec uint8) []Widget {
	kept := widgets[:0]
	for _, w := range widgets {
		if w.Codec != codec {
			kept = append(kept, w)
		}
	}

	return kept
}

func (d *Device) discoverCodec(codec uint8) (bool, error) {
	vendor, err := d.getParam(codec, 0, PARAM_VENDOR_ID)
	if err != nil {
		return false, err
	}

	nodes, err := d.getParam(codec, 0, PARAM_NODE_COUNT)
	if err != nil {
		return false, err
	}

	start, count := nodeRange(nodes)
	d.log.WithFields(logrus.Fields{
		"codec":  codec,
		"vendor": fmt.Sprintf("%#08x", vendor),
		"groups": count,
	}).Debug("Codec found")

	for fg := start; fg < start+count; fg++ {
		group := uint8(fg)

		typ, err := d.getParam(codec, group, PARAM_FN_GROUP_TYPE)
		if err != nil {
			return false, err
		}

		if typ&0xff != GROUP_AUDIO {
			d.log.WithFields(logrus.Fields{"codec": codec, "node": fg, "type": typ & 0xff}).Debug("Skipping non-audio function group")

			continue
		}

		if err := d.setVerb(codec, group, VERB_SET_POWER_STATE, POWER_STATE_D0); err != nil {
			return false, err
		}

		widgets, err := d.getParam(codec, group, PARAM_NODE_COUNT)
		if err != nil {
			return false, err
		}

		wstart, wcount := nodeRange(widgets)
		for nid := wstart; nid < wstart+wcount && nid <= 0xff; nid++ {
			if err := d.discoverWidget(codec, group, uint8(nid)); err != nil {
				return false, err
			}
		}
	}

	d.mu.Lock()
	found := d.output != nil
	d.mu.Unlock()

	return found, nil
}

// nodeRange decodes a PARAM_NODE_COUNT answer into starting node id and count.
func nodeRange(v uint32) (start, count uint32) {
	return (v >> 16) & 0xff, v & 0xff
}

func (d *Device) discoverWidget(codec, group, node uint8) error {
	caps, err := d.getParam(codec, node, PARAM_AUDIO_WID_CAP)
	if err != nil {
		return err
	}

	l := d.log.WithFields(logrus.Fields{"codec": codec, "node": fmt.Sprintf("%#02x", node)})
	if caps == 0 {
		l.Debug("Widget not ready, skipping")

		return nil
	}

	w := Widget{
		Codec: codec,
		Node:  node,
		Group: group,
		Type:  WidgetType((caps & WIDGET_CAP_TYPE_MASK) >> WIDGET_CAP_TYPE_SHIFT),
		Caps:  caps,
	}

	switch w.Type {
	case WIDGET_OUTPUT:
		// Without the amp override bit the converter inherits the group's amplifier.
		ampNode := node
		if caps&WIDGET_CAP_AMP_OVRD == 0 {
			ampNode = group
		}

		amp, err := d.getParam(codec, ampNode, PARAM_OUT_AMP_CAP)
		if err != nil {
			return err
		}
		w.AmpCaps = amp

		d.mu.Lock()
		if d.output == nil {
			d.output = &Output{
				Codec:    codec,
				Node:     node,
				Rate:     d.config.Rate,
				Channels: d.config.Channels,
				AmpGain:  (amp >> AMP_CAP_STEPS_SHIFT) & AMP_CAP_STEPS_MASK,
				Volume:   d.config.Volume,
			}
			l.WithField("ampgain", d.output.AmpGain).Debug("Selected output converter")
		}
		d.mu.Unlock()

		if err := d.setVerb(codec, node, VERB_SET_EAPD_BTL, EAPD_BTL_ENABLE); err != nil {
			return err
		}
		w.Configured = true

	case WIDGET_PIN:
		pinCaps, err := d.getParam(codec, node, PARAM_PIN_CAP)
		if err != nil {
			return err
		}
		w.PinCaps = pinCaps

		if pinCaps&PIN_CAP_OUTPUT == 0 {
			l.Debug("Pin is not output capable")

			break
		}

		ctl, err := d.transact(codec, node, uint32(VERB_GET_PIN_CONTROL))
		if err != nil {
			return err
		}

		if err := d.setVerb(codec, node, VERB_SET_PIN_CONTROL, (ctl|PIN_CTL_ENABLE_OUTPUT)&0xff); err != nil {
			return err
		}

		if err := d.setVerb(codec, node, VERB_SET_EAPD_BTL, EAPD_BTL_ENABLE); err != nil {
			return err
		}
		w.Configured = true

	default:
		if caps&WIDGET_CAP_CONN_LIST != 0 {
			n, err := d.getParam(codec, node, PARAM_CONN_LIST_LEN)
			if err != nil {
				return err
			}
			w.ConnListLen = n & 0x7f
		}
	}

	if caps&WIDGET_CAP_POWER_CNTRL != 0 {
		if err := d.setVerb(codec, node, VERB_SET_POWER_STATE, POWER_STATE_D0); err != nil {
			return err
		}
	}

	l.WithFields(logrus.Fields{"type": w.Type, "caps": fmt.Sprintf("%#08x", caps)}).Debug("Widget")

	d.mu.Lock()
	d.widgets = append(d.widgets, w)
	d.mu.Unlock()

	return nil
}
