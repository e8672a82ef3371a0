package decoder

import (
	"encoding/binary"

	"firestige.xyz/tap/internal/core"
)

const (
	radiotapMinLen      = 8
	radiotapPresentExt  = 1 << 31
	radiotapFlagFCS     = 0x10
	radiotapFlagBadFCS  = 0x40
	radiotapFieldTSFT   = 0
	radiotapFieldFlags  = 1
	radiotapFieldRate   = 2
	radiotapFieldChan   = 3
	radiotapFieldSignal = 5
	radiotapFieldNoise  = 6
	radiotapFieldAnt    = 11
)

type radiotapField struct {
	align int
	size  int
}

// Alignment and size of the fields defined by the radiotap base namespace,
// indexed by present bit. Fields are laid out in bit order.
var radiotapFields = [...]radiotapField{
	0:  {8, 8}, // TSFT
	1:  {1, 1}, // flags
	2:  {1, 1}, // rate
	3:  {2, 4}, // channel frequency + flags
	4:  {1, 2}, // FHSS
	5:  {1, 1}, // dBm antenna signal
	6:  {1, 1}, // dBm antenna noise
	7:  {2, 2}, // lock quality
	8:  {2, 2}, // TX attenuation
	9:  {2, 2}, // dB TX attenuation
	10: {1, 1}, // dBm TX power
	11: {1, 1}, // antenna
	12: {1, 1}, // dB antenna signal
	13: {1, 1}, // dB antenna noise
}

// DecodeRadiotap decodes the radiotap header in front of an 802.11 frame
// and returns the frame that follows it. Frames flagged with a bad FCS and
// frames on a frequency without a known channel are rejected.
func DecodeRadiotap(data []byte) (core.RadiotapHeader, []byte, error) {
	var h core.RadiotapHeader
	if len(data) < radiotapMinLen {
		return h, nil, core.ErrTruncated
	}
	if data[0] != 0 {
		return h, nil, core.ErrMalformedRadiotap
	}

	h.Length = binary.LittleEndian.Uint16(data[2:4])
	if h.Length < radiotapMinLen || int(h.Length) > len(data) {
		return h, nil, core.ErrMalformedRadiotap
	}
	hdr := data[:h.Length]

	// Present words chain while bit 31 is set. Every word has to be
	// consumed before the first field starts.
	cursor := 4
	for {
		if cursor+4 > len(hdr) {
			return h, nil, core.ErrMalformedRadiotap
		}
		word := binary.LittleEndian.Uint32(hdr[cursor : cursor+4])
		h.Present = append(h.Present, word)
		cursor += 4
		if word&radiotapPresentExt == 0 {
			break
		}
	}

	present := h.Present[0]
	for bit, field := range radiotapFields {
		if present&(1<<bit) == 0 {
			continue
		}
		cursor = alignUp(cursor, field.align)
		if cursor+field.size > len(hdr) {
			return h, nil, core.ErrMalformedRadiotap
		}
		value := hdr[cursor : cursor+field.size]

		switch bit {
		case radiotapFieldTSFT:
			h.TSFT = binary.LittleEndian.Uint64(value)
		case radiotapFieldFlags:
			h.Flags = value[0]
			h.HasFCS = value[0]&radiotapFlagFCS != 0
			h.BadFCS = value[0]&radiotapFlagBadFCS != 0
		case radiotapFieldRate:
			// 500 kbit/s units
			h.DataRate = uint32(value[0]) * 500
		case radiotapFieldChan:
			h.Frequency = binary.LittleEndian.Uint16(value[0:2])
			h.ChannelFlags = binary.LittleEndian.Uint16(value[2:4])
		case radiotapFieldSignal:
			h.AntennaSignal = int8(value[0])
			h.HasSignal = true
		case radiotapFieldNoise:
			h.AntennaNoise = int8(value[0])
			h.HasNoise = true
		case radiotapFieldAnt:
			h.Antenna = value[0]
		}
		cursor += field.size
	}

	if h.BadFCS {
		return h, nil, core.ErrBadFCS
	}

	channel, ok := ChannelForFrequency(h.Frequency)
	if !ok {
		return h, nil, core.ErrUnknownFrequency
	}
	h.Channel = channel

	return h, data[h.Length:], nil
}

func alignUp(offset, align int) int {
	if rem := offset % align; rem != 0 {
		return offset + align - rem
	}
	return offset
}

var channels5GHz = map[uint16]struct{}{
	32: {}, 34: {}, 36: {}, 38: {}, 40: {}, 42: {}, 44: {}, 46: {}, 48: {}, 50: {},
	52: {}, 54: {}, 56: {}, 58: {}, 60: {}, 62: {}, 64: {}, 68: {}, 96: {}, 100: {},
	102: {}, 104: {}, 106: {}, 108: {}, 110: {}, 112: {}, 114: {}, 116: {}, 118: {},
	120: {}, 122: {}, 124: {}, 126: {}, 128: {}, 132: {}, 134: {}, 136: {}, 138: {},
	140: {}, 142: {}, 144: {}, 149: {}, 151: {}, 153: {}, 155: {}, 157: {}, 159: {},
	161: {}, 163: {}, 165: {}, 167: {}, 169: {}, 171: {}, 173: {}, 175: {}, 177: {},
}

// ChannelForFrequency maps a 2.4 GHz or 5 GHz center frequency in MHz to
// its channel number.
func ChannelForFrequency(freq uint16) (uint16, bool) {
	switch {
	case freq == 2484:
		return 14, true
	case freq >= 2412 && freq <= 2472 && (freq-2407)%5 == 0:
		return (freq - 2407) / 5, true
	case freq >= 5160 && freq <= 5885 && (freq-5000)%5 == 0:
		channel := (freq - 5000) / 5
		if _, ok := channels5GHz[channel]; ok {
			return channel, true
		}
	}
	return 0, false
}
