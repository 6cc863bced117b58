// Package hda provides a Go driver core for Intel High Definition Audio controllers.
// It speaks the CORB/RIRB command protocol to the codecs behind the controller, walks
// their widget graph to find an output path and streams 16-bit PCM through a cyclic
// buffer descriptor list.
package hda

// Controller registers, as offsets into the memory-mapped register window (BAR0).
const (
	REG_GCAP     = 0x00 // Global Capabilities
	REG_VMIN     = 0x02 // Minor Version
	REG_VMAJ     = 0x03 // Major Version
	REG_GCTL     = 0x08 // Global Control
	REG_WAKEEN   = 0x0c // Wake Enable
	REG_STATESTS = 0x0e // State Change Status
	REG_INTCTL   = 0x20 // Interrupt Control
	REG_INTSTS   = 0x24 // Interrupt Status

	REG_CORBLBASE = 0x40 // CORB Lower Base Address
	REG_CORBUBASE = 0x44 // CORB Upper Base Address
	REG_CORBWP    = 0x48 // CORB Write Pointer
	REG_CORBRP    = 0x4a // CORB Read Pointer
	REG_CORBCTL   = 0x4c // CORB Control
	REG_CORBSTS   = 0x4d // CORB Status
	REG_CORBSIZE  = 0x4e // CORB Size

	REG_RIRBLBASE = 0x50 // RIRB Lower Base Address
	REG_RIRBUBASE = 0x54 // RIRB Upper Base Address
	REG_RIRBWP    = 0x58 // RIRB Write Pointer
	REG_RINTCNT   = 0x5a // Response Interrupt Count
	REG_RIRBCTL   = 0x5c // RIRB Control
	REG_RIRBSTS   = 0x5d // RIRB Interrupt Status
	REG_RIRBSIZE  = 0x5e // RIRB Size

	REG_DPLBASE = 0x70 // DMA Position Lower Base Address
	REG_DPUBASE = 0x74 // DMA Position Upper Base Address
)

// Stream descriptor registers, relative to the descriptor base (see StreamBase).
const (
	REG_SD_CTLL  = 0x00 // Control Lower
	REG_SD_CTLU  = 0x02 // Control Upper (stream number in bits 7:4)
	REG_SD_STS   = 0x03 // Status
	REG_SD_LPIB  = 0x04 // Link Position in Buffer
	REG_SD_CBL   = 0x08 // Cyclic Buffer Length
	REG_SD_LVI   = 0x0c // Last Valid Index
	REG_SD_FIFOS = 0x10 // FIFO Size
	REG_SD_FMT   = 0x12 // Format
	REG_SD_BDPL  = 0x18 // BDL Pointer Lower
	REG_SD_BDPU  = 0x1c // BDL Pointer Upper

	// StreamRegsBase is the offset of stream descriptor 0.
	StreamRegsBase = 0x80
	// StreamRegsSize is the size of one stream descriptor register block.
	StreamRegsSize = 0x20
)

// StreamBase returns the register offset of stream descriptor index.
func StreamBase(index uint32) uint32 {
	return StreamRegsBase + index*StreamRegsSize
}

// GCAP fields.
const (
	GCAP_OSS_SHIFT = 12
	GCAP_ISS_SHIFT = 8
	GCAP_BSS_SHIFT = 3
	GCAP_SS_MASK   = 0xf
	GCAP_64OK      = 1 << 0
)

// GCTL bits.
const (
	GCTL_RESET = 1 << 0 // CRST, 0 = controller held in reset
	GCTL_UNSOL = 1 << 8 // accept unsolicited responses
)

// INTCTL / INTSTS bits.
const (
	INTCTL_GIE = 1 << 31 // global interrupt enable
	INTCTL_CIE = 1 << 30 // controller interrupt enable
)

// CORB bits.
const (
	CORBCTL_MEIE    = 1 << 0 // memory error interrupt enable
	CORBCTL_CORBRUN = 1 << 1
	CORBRP_RESET    = 1 << 15
	CORBSTS_CMEI    = 1 << 0
)

// RIRB bits.
const (
	RIRBCTL_RINTCTL = 1 << 0 // response interrupt control
	RIRBCTL_RIRBRUN = 1 << 1
	RIRBCTL_OIC     = 1 << 2 // overrun interrupt control
	RIRBWP_RESET    = 1 << 15
	RIRBSTS_RINTFL  = 1 << 0 // response interrupt
	RIRBSTS_RIRBOIS = 1 << 2 // overrun
)

// Ring size register fields, shared by CORBSIZE and RIRBSIZE.
const (
	RINGSIZE_CAP_SHIFT = 4
	RINGSIZE_CAP_2     = 0b0001 // 2 entries supported
	RINGSIZE_CAP_16    = 0b0010 // 16 entries supported
	RINGSIZE_CAP_256   = 0b0100 // 256 entries supported
	RINGSIZE_SEL_MASK  = 0b11
	RINGSIZE_SEL_2     = 0b00
	RINGSIZE_SEL_16    = 0b01
	RINGSIZE_SEL_256   = 0b10
)

// Stream descriptor control and status bits.
const (
	SDCTL_SRST = 0x1 // stream reset
	SDCTL_RUN  = 0x2 // enable dma engine
	SDCTL_IOCE = 0x4 // enable interrupt on complete
	SDCTL_FEIE = 0x8 // FIFO error interrupt enable
	SDCTL_DEIE = 0x10

	SDCTLU_STRM_SHIFT = 4 // stream number, in the upper control byte

	SDSTS_BCIS  = 1 << 2 // buffer completion interrupt status
	SDSTS_FIFOE = 1 << 3
	SDSTS_DESE  = 1 << 4
	SDSTS_MASK  = SDSTS_BCIS | SDSTS_FIFOE | SDSTS_DESE

	DPLBASE_ENABLE = 1 << 0
)

// RIRB extended response fields (upper 32 bits of an entry).
const (
	RIRB_EX_CODEC_MASK = 0xf
	RIRB_EX_UNSOL      = 1 << 4
)

// Verb identifies a codec command in the 20-bit payload of a CORB entry.
// 12-bit verbs carry an 8-bit operand, 4-bit verbs (format, amplifier) a 16-bit one.
type Verb uint32

const (
	VERB_GET_PARAMETER      Verb = 0xf0000
	VERB_GET_CONN_SELECT    Verb = 0xf0100
	VERB_SET_CONN_SELECT    Verb = 0x70100
	VERB_GET_CONN_LIST      Verb = 0xf0200
	VERB_GET_POWER_STATE    Verb = 0xf0500
	VERB_SET_POWER_STATE    Verb = 0x70500
	VERB_GET_STREAM_CHANNEL Verb = 0xf0600
	VERB_SET_STREAM_CHANNEL Verb = 0x70600
	VERB_GET_PIN_CONTROL    Verb = 0xf0700
	VERB_SET_PIN_CONTROL    Verb = 0x70700
	VERB_GET_EAPD_BTL       Verb = 0xf0c00
	VERB_SET_EAPD_BTL       Verb = 0x70c00
	VERB_GET_CONFIG_DEFAULT Verb = 0xf1c00
	VERB_GET_FORMAT         Verb = 0xa0000
	VERB_SET_FORMAT         Verb = 0x20000
	VERB_GET_AMP_GAIN_MUTE  Verb = 0xb0000
	VERB_SET_AMP_GAIN_MUTE  Verb = 0x30000
)

// Param identifies a codec parameter read with VERB_GET_PARAMETER.
type Param uint32

const (
	PARAM_VENDOR_ID     Param = 0x00
	PARAM_REVISION_ID   Param = 0x02
	PARAM_NODE_COUNT    Param = 0x04
	PARAM_FN_GROUP_TYPE Param = 0x05
	PARAM_AUDIO_FG_CAP  Param = 0x08
	PARAM_AUDIO_WID_CAP Param = 0x09
	PARAM_PCM           Param = 0x0a
	PARAM_STREAM_FORMAT Param = 0x0b
	PARAM_PIN_CAP       Param = 0x0c
	PARAM_IN_AMP_CAP    Param = 0x0d
	PARAM_CONN_LIST_LEN Param = 0x0e
	PARAM_POWER_STATES  Param = 0x0f
	PARAM_OUT_AMP_CAP   Param = 0x12
)

// Function group types, in the low byte of PARAM_FN_GROUP_TYPE.
const (
	GROUP_AUDIO = 0x01
	GROUP_MODEM = 0x02
)

// WidgetType is the 4-bit type field of the audio widget capabilities.
type WidgetType uint8

const (
	WIDGET_OUTPUT         WidgetType = 0x0
	WIDGET_INPUT          WidgetType = 0x1
	WIDGET_MIXER          WidgetType = 0x2
	WIDGET_SELECTOR       WidgetType = 0x3
	WIDGET_PIN            WidgetType = 0x4
	WIDGET_POWER          WidgetType = 0x5
	WIDGET_VOLUME_KNOB    WidgetType = 0x6
	WIDGET_BEEP_GEN       WidgetType = 0x7
	WIDGET_VENDOR_DEFINED WidgetType = 0xf
)

// WidgetTypeNames provides human-readable names for widget types.
var WidgetTypeNames = map[WidgetType]string{
	WIDGET_OUTPUT:         "Output",
	WIDGET_INPUT:          "Input",
	WIDGET_MIXER:          "Mixer",
	WIDGET_SELECTOR:       "Selector",
	WIDGET_PIN:            "Pin Complex",
	WIDGET_POWER:          "Power",
	WIDGET_VOLUME_KNOB:    "Volume Knob",
	WIDGET_BEEP_GEN:       "Beep Generator",
	WIDGET_VENDOR_DEFINED: "Vendor Defined",
}

// String returns the name of the widget type.
func (t WidgetType) String() string {
	if name, ok := WidgetTypeNames[t]; ok {
		return name
	}

	return "Reserved"
}

// Audio widget capability bits.
const (
	WIDGET_CAP_STEREO      = 1 << 0
	WIDGET_CAP_IN_AMP      = 1 << 1
	WIDGET_CAP_OUT_AMP     = 1 << 2
	WIDGET_CAP_AMP_OVRD    = 1 << 3
	WIDGET_CAP_CONN_LIST   = 1 << 8
	WIDGET_CAP_POWER_CNTRL = 1 << 10
	WIDGET_CAP_TYPE_SHIFT  = 20
	WIDGET_CAP_TYPE_MASK   = 0xf << 20
)

// Pin capability bits.
const (
	PIN_CAP_OUTPUT = 1 << 4
	PIN_CAP_INPUT  = 1 << 5
	PIN_CAP_EAPD   = 1 << 16
)

// Pin widget control bits.
const (
	PIN_CTL_ENABLE_INPUT  = 1 << 5
	PIN_CTL_ENABLE_OUTPUT = 1 << 6
	PIN_CTL_ENABLE_HP     = 1 << 7
)

// EAPD/BTL enable bits.
const (
	EAPD_BTL_ENABLE = 1 << 1
)

// Power states.
const (
	POWER_STATE_D0 = 0x0
	POWER_STATE_D3 = 0x3
)

// Amplifier capability fields (PARAM_OUT_AMP_CAP).
const (
	AMP_CAP_OFFSET_MASK = 0x7f
	AMP_CAP_STEPS_SHIFT = 8
	AMP_CAP_STEPS_MASK  = 0x7f
	AMP_CAP_MUTE        = 1 << 31
)

// Set amplifier gain/mute payload bits.
const (
	AMP_SET_OUTPUT      = 1 << 15
	AMP_SET_INPUT       = 1 << 14
	AMP_SET_LEFT        = 1 << 13
	AMP_SET_RIGHT       = 1 << 12
	AMP_SET_INDEX_SHIFT = 8
	AMP_SET_MUTE        = 1 << 7
	AMP_SET_GAIN_MASK   = 0x7f
)

// Stream format fields, used both by VERB_SET_FORMAT and the SDnFMT register.
const (
	SR_48_KHZ      = 0
	SR_44_KHZ      = 1 << 14
	BITS_8         = 0 << 4
	BITS_16        = 1 << 4
	BITS_20        = 2 << 4
	BITS_24        = 3 << 4
	BITS_32        = 4 << 4
	FMT_CHANS_MASK = 0xf
)

// Supported sample rates.
const (
	Rate44100 = 44100
	Rate48000 = 48000
)

const (
	// MaxCodecs is the number of codec addresses a link can carry (STATESTS bits 0..14).
	MaxCodecs = 15
	// MaxStreams is the number of stream descriptors the register map leaves room for.
	MaxStreams = 30
	// OutputStreamTag is the stream number the output converter listens on.
	OutputStreamTag = 1
)

// Verb encoding masks.
const (
	VERB_CODEC_SHIFT  = 28
	VERB_NODE_SHIFT   = 20
	VERB_PAYLOAD_MASK = 0xfffff
)

// EncodeVerb packs a codec address, node id and 20-bit payload into a CORB entry.
func EncodeVerb(codec, node uint8, payload uint32) uint32 {
	return uint32(codec&0xf)<<VERB_CODEC_SHIFT | uint32(node)<<VERB_NODE_SHIFT | payload&VERB_PAYLOAD_MASK
}

// DecodeVerb splits a CORB entry into codec address, node id and payload.
func DecodeVerb(verb uint32) (codec, node uint8, payload uint32) {
	return uint8(verb >> VERB_CODEC_SHIFT), uint8(verb >> VERB_NODE_SHIFT), verb & VERB_PAYLOAD_MASK
}

// FormatBits returns the stream format word for the given rate and channel count,
// always with 16-bit samples.
func FormatBits(rate, channels uint32) uint16 {
	var f uint16 = BITS_16
	if rate == Rate44100 {
		f |= SR_44_KHZ
	}

	if channels > 0 {
		f |= uint16(channels-1) & FMT_CHANS_MASK
	}

	return f
}
