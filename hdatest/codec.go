package hdatest

import (
	"fmt"
	"sort"

	"github.com/gen2brain/hda"
)

// Node is a simulated codec node: the root, a function group or a widget.
//
// Params are the answers to VERB_GET_PARAMETER; the remaining fields hold the
// state set by the driver.
type Node struct {
	ID     uint8
	Params map[hda.Param]uint32

	PowerState    uint32
	PinControl    uint32
	EAPD          uint32
	StreamChannel uint32
	Format        uint16
	// AmpOut holds the last set-amplifier operand for the left and right channel.
	AmpOut [2]uint32

	children []uint8
}

// SetParam sets the answer to a parameter query.
func (n *Node) SetParam(p hda.Param, v uint32) *Node {
	n.Params[p] = v

	return n
}

// Codec is a simulated codec.
type Codec struct {
	Address uint8
	// Silent codecs fetch verbs but never answer.
	Silent bool

	nodes map[uint8]*Node
}

// NewCodec returns a codec at address with only a root node.
func NewCodec(address uint8, vendor uint32) *Codec {
	c := &Codec{
		Address: address,
		nodes:   map[uint8]*Node{},
	}
	c.node(0).SetParam(hda.PARAM_VENDOR_ID, vendor)

	return c
}

func (c *Codec) node(nid uint8) *Node {
	n, ok := c.nodes[nid]
	if !ok {
		n = &Node{ID: nid, Params: map[hda.Param]uint32{}}
		c.nodes[nid] = n
	}

	return n
}

// AddFunctionGroup adds a function group of the given type (hda.GROUP_AUDIO, ...)
// below the root node.
func (c *Codec) AddFunctionGroup(nid uint8, typ uint32) *FunctionGroup {
	root := c.node(0)
	root.children = appendChild(root.children, nid)
	root.SetParam(hda.PARAM_NODE_COUNT, nodeCount(root.children))

	n := c.node(nid)
	n.SetParam(hda.PARAM_FN_GROUP_TYPE, typ)

	return &FunctionGroup{codec: c, node: n}
}

// FunctionGroup adds widgets to a function group.
type FunctionGroup struct {
	codec *Codec
	node  *Node
}

// Node returns the function group's node.
func (g *FunctionGroup) Node() *Node {
	return g.node
}

// AddWidget adds a widget of the given type. The type is merged into caps.
func (g *FunctionGroup) AddWidget(nid uint8, typ hda.WidgetType, caps uint32) *Node {
	g.node.children = appendChild(g.node.children, nid)
	g.node.SetParam(hda.PARAM_NODE_COUNT, nodeCount(g.node.children))

	n := g.codec.node(nid)
	n.SetParam(hda.PARAM_AUDIO_WID_CAP, caps&^hda.WIDGET_CAP_TYPE_MASK|uint32(typ)<<hda.WIDGET_CAP_TYPE_SHIFT)

	return n
}

func appendChild(children []uint8, nid uint8) []uint8 {
	children = append(children, nid)
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })

	return children
}

// nodeCount encodes a PARAM_NODE_COUNT answer. Child node ids are assumed contiguous.
func nodeCount(children []uint8) uint32 {
	if len(children) == 0 {
		return 0
	}

	start := uint32(children[0])
	count := uint32(children[len(children)-1]) - start + 1

	return start<<16 | count
}

// AmpCaps encodes an amplifier capability word with the given number of gain steps.
func AmpCaps(steps uint32) uint32 {
	return (steps&hda.AMP_CAP_STEPS_MASK)<<hda.AMP_CAP_STEPS_SHIFT | steps&hda.AMP_CAP_OFFSET_MASK | 5<<16
}

// Default node ids of NewDefaultCodec.
const (
	DefaultAFG   = 0x01
	DefaultDAC   = 0x02
	DefaultMixer = 0x03
	DefaultPin   = 0x04
	DefaultInput = 0x05

	DefaultVendor   = 0x10ec0269
	DefaultAmpSteps = 0x7f
)

// NewDefaultCodec returns a codec with one audio function group holding a stereo
// DAC, a mixer, a headphone pin and an input converter.
func NewDefaultCodec(address uint8) *Codec {
	c := NewCodec(address, DefaultVendor)

	afg := c.AddFunctionGroup(DefaultAFG, hda.GROUP_AUDIO)
	afg.Node().SetParam(hda.PARAM_OUT_AMP_CAP, AmpCaps(0x1f))

	afg.AddWidget(DefaultDAC, hda.WIDGET_OUTPUT,
		hda.WIDGET_CAP_STEREO|hda.WIDGET_CAP_OUT_AMP|hda.WIDGET_CAP_AMP_OVRD|hda.WIDGET_CAP_POWER_CNTRL).
		SetParam(hda.PARAM_OUT_AMP_CAP, AmpCaps(DefaultAmpSteps))

	afg.AddWidget(DefaultMixer, hda.WIDGET_MIXER, hda.WIDGET_CAP_STEREO|hda.WIDGET_CAP_CONN_LIST).
		SetParam(hda.PARAM_CONN_LIST_LEN, 1)

	afg.AddWidget(DefaultPin, hda.WIDGET_PIN, hda.WIDGET_CAP_STEREO|hda.WIDGET_CAP_CONN_LIST|hda.WIDGET_CAP_POWER_CNTRL).
		SetParam(hda.PARAM_PIN_CAP, hda.PIN_CAP_OUTPUT|hda.PIN_CAP_EAPD).
		SetParam(hda.PARAM_CONN_LIST_LEN, 1)

	afg.AddWidget(DefaultInput, hda.WIDGET_INPUT, hda.WIDGET_CAP_STEREO)

	return c
}

// String returns a human-readable representation of the Codec.
func (c *Codec) String() string {
	return fmt.Sprintf("codec %d [%#08x]", c.Address, c.nodes[0].Params[hda.PARAM_VENDOR_ID])
}

// respond answers a verb payload for node nid. It reports false when the codec
// gives no answer.
func (c *Codec) respond(nid uint8, payload uint32) (uint32, bool) {
	if c.Silent {
		return 0, false
	}

	n, ok := c.nodes[nid]
	if !ok {
		return 0, true
	}

	// Verbs with a 4-bit identifier carry a 16-bit operand.
	switch hda.Verb(payload & 0xf0000) {
	case hda.VERB_SET_FORMAT:
		n.Format = uint16(payload)

		return 0, true

	case hda.VERB_GET_FORMAT:
		return uint32(n.Format), true

	case hda.VERB_SET_AMP_GAIN_MUTE:
		data := payload & 0xffff
		if data&hda.AMP_SET_OUTPUT != 0 {
			if data&hda.AMP_SET_LEFT != 0 {
				n.AmpOut[0] = data & 0xff
			}
			if data&hda.AMP_SET_RIGHT != 0 {
				n.AmpOut[1] = data & 0xff
			}
		}

		return 0, true

	case hda.VERB_GET_AMP_GAIN_MUTE:
		if payload&hda.AMP_SET_LEFT != 0 {
			return n.AmpOut[0], true
		}

		return n.AmpOut[1], true
	}

	data := payload & 0xff
	switch hda.Verb(payload &^ 0xff) {
	case hda.VERB_GET_PARAMETER:
		return n.Params[hda.Param(data)], true
	case hda.VERB_GET_POWER_STATE:
		return n.PowerState, true
	case hda.VERB_SET_POWER_STATE:
		n.PowerState = data
	case hda.VERB_GET_PIN_CONTROL:
		return n.PinControl, true
	case hda.VERB_SET_PIN_CONTROL:
		n.PinControl = data
	case hda.VERB_GET_EAPD_BTL:
		return n.EAPD, true
	case hda.VERB_SET_EAPD_BTL:
		n.EAPD = data
	case hda.VERB_GET_STREAM_CHANNEL:
		return n.StreamChannel, true
	case hda.VERB_SET_STREAM_CHANNEL:
		n.StreamChannel = data
	}

	return 0, true
}
