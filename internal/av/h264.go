package av

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ErrInvalidDescription is returned for malformed AVC decoder configuration records.
var ErrInvalidDescription = errors.New("invalid AVC decoder configuration record")

// H264CodecString returns the RFC 6381 codec string for an SPS, e.g. "avc1.64002A".
func H264CodecString(sps []byte) string {
	if len(sps) < 4 {
		return "avc1"
	}
	return fmt.Sprintf("avc1.%02X%02X%02X", sps[1], sps[2], sps[3])
}

// H264Config builds a video TrackConfig from raw SPS and PPS NAL units.
// Dimensions come from the SPS, cropping applied.
func H264Config(sps, pps []byte) (TrackConfig, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return TrackConfig{}, fmt.Errorf("missing H.264 parameter sets (sps=%d bytes, pps=%d bytes)", len(sps), len(pps))
	}

	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		return TrackConfig{}, fmt.Errorf("failed to parse SPS: %w", err)
	}

	return TrackConfig{
		Codec:       H264CodecString(sps),
		Width:       parsed.Width(),
		Height:      parsed.Height(),
		Description: AVCDecoderConfigurationRecord(sps, pps),
		SPS:         append([]byte(nil), sps...),
		PPS:         append([]byte(nil), pps...),
	}, nil
}

// AVCDecoderConfigurationRecord serializes an avcC payload holding one SPS
// and one PPS with 4-byte NAL length prefixes.
func AVCDecoderConfigurationRecord(sps, pps []byte) []byte {
	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out, 1, sps[1], sps[2], sps[3], 0xFF, 0xE1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	out = append(out, pps...)
	return out
}

// ParseAVCDecoderConfigurationRecord extracts the first SPS and PPS from an
// avcC payload.
func ParseAVCDecoderConfigurationRecord(desc []byte) (sps, pps []byte, err error) {
	if len(desc) < 7 || desc[0] != 1 {
		return nil, nil, ErrInvalidDescription
	}

	pos := 5
	numSPS := int(desc[pos] & 0x1F)
	pos++
	for i := 0; i < numSPS; i++ {
		nalu, next, err := readParameterSet(desc, pos)
		if err != nil {
			return nil, nil, err
		}
		if sps == nil {
			sps = nalu
		}
		pos = next
	}

	if pos >= len(desc) {
		return nil, nil, ErrInvalidDescription
	}
	numPPS := int(desc[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		nalu, next, err := readParameterSet(desc, pos)
		if err != nil {
			return nil, nil, err
		}
		if pps == nil {
			pps = nalu
		}
		pos = next
	}

	if sps == nil || pps == nil {
		return nil, nil, ErrInvalidDescription
	}
	return sps, pps, nil
}

func readParameterSet(buf []byte, pos int) ([]byte, int, error) {
	if pos+2 > len(buf) {
		return nil, 0, ErrInvalidDescription
	}
	size := int(binary.BigEndian.Uint16(buf[pos:]))
	pos += 2
	if pos+size > len(buf) {
		return nil, 0, ErrInvalidDescription
	}
	return append([]byte(nil), buf[pos:pos+size]...), pos + size, nil
}
