package codec

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// audStartCode is a 3-byte start code followed by an access unit delimiter.
var audStartCode = []byte{0, 0, 1, byte(h264.NALUTypeAccessUnitDelimiter)}

// findAUD returns the offset of the start code of the first access unit
// delimiter at or after from, or -1. A preceding zero byte (4-byte start
// code) is included in the returned offset.
func findAUD(data []byte, from int) int {
	for from < len(data) {
		i := bytes.Index(data[from:], audStartCode[:3])
		if i < 0 || from+i+3 >= len(data) {
			return -1
		}
		pos := from + i
		if h264.NALUType(data[pos+3]&0x1F) == h264.NALUTypeAccessUnitDelimiter {
			if pos > from && data[pos-1] == 0 {
				return pos - 1
			}
			return pos
		}
		from = pos + 3
	}
	return -1
}

// splitAccessUnits is a bufio.SplitFunc over an Annex-B byte stream whose
// access units each begin with an access unit delimiter.
func splitAccessUnits(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	first := findAUD(data, 0)
	if first >= 0 {
		if next := findAUD(data, first+len(audStartCode)); next >= 0 {
			return next, data[:next], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// encodedAccessUnit is one access unit split into its parts.
type encodedAccessUnit struct {
	sps, pps []byte
	key      bool
	payload  []byte // AVCC, without delimiters and parameter sets
}

// parseAccessUnit converts an Annex-B access unit into an AVCC payload and
// lifts out the parameter sets.
func parseAccessUnit(annexb []byte) (encodedAccessUnit, error) {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(annexb); err != nil {
		return encodedAccessUnit{}, fmt.Errorf("failed to parse access unit: %w", err)
	}

	out := encodedAccessUnit{key: h264.IsRandomAccess(nalus)}
	kept := make([][]byte, 0, len(nalus))
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeAccessUnitDelimiter:
		case h264.NALUTypeSPS:
			out.sps = append([]byte(nil), nalu...)
		case h264.NALUTypePPS:
			out.pps = append([]byte(nil), nalu...)
		default:
			kept = append(kept, nalu)
		}
	}
	if len(kept) == 0 {
		return out, nil
	}

	payload, err := h264.AVCC(kept).Marshal()
	if err != nil {
		return encodedAccessUnit{}, fmt.Errorf("failed to build AVCC payload: %w", err)
	}
	out.payload = payload
	return out, nil
}

// packetToAnnexB converts an AVCC packet to Annex-B. Key frames get the
// parameter sets prepended so the decoder can start or resync on them.
func packetToAnnexB(data []byte, key bool, sps, pps []byte) ([]byte, error) {
	var nalus h264.AVCC
	if err := nalus.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse AVCC packet: %w", err)
	}
	if key {
		nalus = append(h264.AVCC{sps, pps}, nalus...)
	}
	return h264.AnnexB(nalus).Marshal()
}
