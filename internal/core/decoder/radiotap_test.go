package decoder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tap/internal/core"
)

// radiotapFixture has TSFT, flags, rate, channel, signal and antenna
// present plus an empty extended present word, so TSFT starts after four
// bytes of alignment padding.
func radiotapFixture(flags byte, freqLow, freqHigh byte) []byte {
	return []byte{
		0x00, 0x00, // version, pad
		0x20, 0x00, // length 32
		0x2F, 0x08, 0x00, 0x80, // present: TSFT|flags|rate|channel|signal|antenna|ext
		0x00, 0x00, 0x00, 0x00, // extended present word
		0x00, 0x00, 0x00, 0x00, // padding to 8
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, // TSFT
		flags,             // flags
		0x0C,              // rate: 6 Mbit/s
		freqLow, freqHigh, // frequency
		0xA0, 0x00, // channel flags
		0xD6, // signal -42 dBm
		0x01, // antenna
		// 802.11 frame
		0x80, 0x00, 0x00, 0x00,
	}
}

func TestDecodeRadiotap(t *testing.T) {
	h, frame, err := DecodeRadiotap(radiotapFixture(0x10, 0x85, 0x09))
	require.NoError(t, err)

	assert.Equal(t, uint16(32), h.Length)
	assert.Len(t, h.Present, 2)
	assert.Equal(t, uint64(0x0807060504030201), h.TSFT)
	assert.True(t, h.HasFCS)
	assert.False(t, h.BadFCS)
	assert.Equal(t, uint32(6000), h.DataRate)
	assert.Equal(t, uint16(2437), h.Frequency)
	assert.Equal(t, uint16(6), h.Channel)
	assert.Equal(t, uint16(0x00A0), h.ChannelFlags)
	assert.True(t, h.HasSignal)
	assert.Equal(t, int8(-42), h.AntennaSignal)
	assert.False(t, h.HasNoise)
	assert.Equal(t, uint8(1), h.Antenna)
	assert.Equal(t, []byte{0x80, 0x00, 0x00, 0x00}, frame)
}

func TestDecodeRadiotapRejects(t *testing.T) {
	shortLen := radiotapFixture(0x00, 0x85, 0x09)
	shortLen[2] = 0x0E // fields run past the announced header length

	longLen := radiotapFixture(0x00, 0x85, 0x09)
	longLen[2] = 0xFF

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"too short", []byte{0x00, 0x00, 0x08}, core.ErrTruncated},
		{"bad version", append([]byte{0x01}, radiotapFixture(0, 0x85, 0x09)[1:]...), core.ErrMalformedRadiotap},
		{"length beyond buffer", longLen, core.ErrMalformedRadiotap},
		{"fields beyond length", shortLen, core.ErrMalformedRadiotap},
		{"bad fcs", radiotapFixture(0x50, 0x85, 0x09), core.ErrBadFCS},
		{"unknown frequency", radiotapFixture(0x00, 0x00, 0x10), core.ErrUnknownFrequency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeRadiotap(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestChannelForFrequency(t *testing.T) {
	tests := []struct {
		freq    uint16
		channel uint16
		ok      bool
	}{
		{2412, 1, true},
		{2472, 13, true},
		{2484, 14, true},
		{2413, 0, false},
		{5180, 36, true},
		{5825, 165, true},
		{5885, 177, true},
		{5170, 34, true},
		{5330, 66, false},
		{4096, 0, false},
	}
	for _, tt := range tests {
		channel, ok := ChannelForFrequency(tt.freq)
		if ok != tt.ok || channel != tt.channel {
			t.Errorf("ChannelForFrequency(%d) = %d, %v; want %d, %v", tt.freq, channel, ok, tt.channel, tt.ok)
		}
	}
}
