package hdatest_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/hda"
	"github.com/gen2brain/hda/hdatest"
)

func TestControllerReset(t *testing.T) {
	ctrl := hdatest.New()
	ctrl.AddCodec(hdatest.NewDefaultCodec(2))

	assert.Equal(t, uint16(1<<2), ctrl.Read16(hda.REG_STATESTS))

	ctrl.Write16(hda.REG_STATESTS, 1<<2)
	assert.Equal(t, uint16(0), ctrl.Read16(hda.REG_STATESTS), "STATESTS should be write-1-to-clear")

	ctrl.Write32(hda.REG_GCTL, 0)
	assert.Equal(t, uint32(0), ctrl.Read32(hda.REG_GCTL)&hda.GCTL_RESET)
	assert.NotZero(t, ctrl.Read16(hda.REG_GCAP), "GCAP should survive reset")

	ctrl.Write32(hda.REG_GCTL, hda.GCTL_RESET)
	assert.Equal(t, uint16(1<<2), ctrl.Read16(hda.REG_STATESTS), "Codecs should report after leaving reset")

	ctrl.SetStuckReset(true)
	ctrl.Write32(hda.REG_GCTL, 0)
	assert.Equal(t, uint32(hda.GCTL_RESET), ctrl.Read32(hda.REG_GCTL)&hda.GCTL_RESET)
}

func TestControllerRingSize(t *testing.T) {
	ctrl := hdatest.New()
	ctrl.SetRingCaps(hda.RINGSIZE_CAP_16, hda.RINGSIZE_CAP_2)

	ctrl.Write8(hda.REG_CORBSIZE, 0xff)
	assert.Equal(t, uint8(hda.RINGSIZE_CAP_16<<hda.RINGSIZE_CAP_SHIFT|hda.RINGSIZE_SEL_MASK), ctrl.Read8(hda.REG_CORBSIZE),
		"Capability bits should be read-only")

	ctrl.Write8(hda.REG_RIRBSIZE, hda.RINGSIZE_SEL_16)
	assert.Equal(t, uint8(hda.RINGSIZE_CAP_2<<hda.RINGSIZE_CAP_SHIFT|hda.RINGSIZE_SEL_16), ctrl.Read8(hda.REG_RIRBSIZE))
}

func TestControllerCommandRing(t *testing.T) {
	ctrl := hdatest.New()
	ctrl.AddCodec(hdatest.NewDefaultCodec(0))

	silent := hdatest.NewCodec(1, 0x11d41984)
	silent.Silent = true
	ctrl.AddCodec(silent)

	corb, err := ctrl.Alloc(1024)
	require.NoError(t, err)
	rirb, err := ctrl.Alloc(2048)
	require.NoError(t, err)

	ctrl.Write32(hda.REG_CORBLBASE, uint32(corb.PhysAddr()))
	ctrl.Write32(hda.REG_CORBUBASE, uint32(corb.PhysAddr()>>32))
	ctrl.Write32(hda.REG_RIRBLBASE, uint32(rirb.PhysAddr()))
	ctrl.Write32(hda.REG_RIRBUBASE, uint32(rirb.PhysAddr()>>32))
	ctrl.Write8(hda.REG_CORBSIZE, hda.RINGSIZE_SEL_16)
	ctrl.Write8(hda.REG_RIRBSIZE, hda.RINGSIZE_SEL_16)
	ctrl.Write8(hda.REG_CORBCTL, hda.CORBCTL_CORBRUN)
	ctrl.Write8(hda.REG_RIRBCTL, hda.RIRBCTL_RIRBRUN)

	verb := hda.EncodeVerb(0, 0, uint32(hda.VERB_GET_PARAMETER)|uint32(hda.PARAM_VENDOR_ID))
	binary.LittleEndian.PutUint32(corb.Buf()[4:], verb)
	ctrl.Write16(hda.REG_CORBWP, 1)

	assert.Equal(t, uint16(1), ctrl.Read16(hda.REG_CORBRP))
	assert.Equal(t, uint16(1), ctrl.Read16(hda.REG_RIRBWP))
	assert.Equal(t, []uint32{verb}, ctrl.Verbs())
	assert.Equal(t, verb, ctrl.CORBEntry(1))

	entry := binary.LittleEndian.Uint64(rirb.Buf()[8:])
	assert.Equal(t, uint32(hdatest.DefaultVendor), uint32(entry))
	assert.Equal(t, uint32(0), uint32(entry>>32), "Solicited response from codec 0")

	assert.NotZero(t, ctrl.Read8(hda.REG_RIRBSTS)&hda.RIRBSTS_RINTFL)
	ctrl.Write8(hda.REG_RIRBSTS, hda.RIRBSTS_RINTFL)
	assert.Zero(t, ctrl.Read8(hda.REG_RIRBSTS)&hda.RIRBSTS_RINTFL)

	// A silent codec fetches the verb but never answers.
	binary.LittleEndian.PutUint32(corb.Buf()[8:], hda.EncodeVerb(1, 0, uint32(hda.VERB_GET_PARAMETER)))
	ctrl.Write16(hda.REG_CORBWP, 2)

	assert.Equal(t, uint16(2), ctrl.Read16(hda.REG_CORBRP))
	assert.Equal(t, uint16(1), ctrl.Read16(hda.REG_RIRBWP))
	assert.Len(t, ctrl.Verbs(), 2)
}

func TestControllerAlloc(t *testing.T) {
	ctrl := hdatest.New()
	ctrl.FailAllocAfter(1)

	m, err := ctrl.Alloc(100)
	require.NoError(t, err)
	assert.Len(t, m.Buf(), 100)
	assert.Zero(t, m.PhysAddr()%4096, "Memory should be page aligned")
	assert.NotZero(t, m.PhysAddr()>>32, "Memory should live above 4 GiB")

	_, err = ctrl.Alloc(100)
	assert.Error(t, err)

	_, err = ctrl.Alloc(0)
	assert.Error(t, err)

	assert.Equal(t, 1, ctrl.Outstanding())
	require.NoError(t, m.Close())
	assert.Equal(t, 0, ctrl.Outstanding())
	assert.Error(t, m.Close(), "Double close should fail")
}

func TestCodec(t *testing.T) {
	codec := hdatest.NewDefaultCodec(3)
	assert.Equal(t, "codec 3 [0x10ec0269]", codec.String())

	ctrl := hdatest.New()
	ctrl.AddCodec(codec)

	dac, ok := ctrl.Node(3, hdatest.DefaultDAC)
	require.True(t, ok)
	assert.Equal(t, uint8(hdatest.DefaultDAC), dac.ID)
	assert.Equal(t, hdatest.AmpCaps(hdatest.DefaultAmpSteps), dac.Params[hda.PARAM_OUT_AMP_CAP])

	_, ok = ctrl.Node(3, 0x40)
	assert.False(t, ok)

	_, ok = ctrl.Node(0, hdatest.DefaultDAC)
	assert.False(t, ok)
}
