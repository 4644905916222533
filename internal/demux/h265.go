package demux

import (
	"errors"
	"fmt"
	"math/bits"
)

// H.265/HEVC NAL unit types (ITU-T H.265 Table 7-1) that loopcast looks at.
const (
	HEVCNALTrailN     = 0
	HEVCNALTrailR     = 1
	HEVCNALBlaWLP     = 16
	HEVCNALIDRWRadl   = 19
	HEVCNALIDRNlp     = 20
	HEVCNALCraNut     = 21
	HEVCNALVPS        = 32
	HEVCNALSPS        = 33
	HEVCNALPPS        = 34
	HEVCNALAUD        = 35
	HEVCNALFillerData = 38
	HEVCNALSEIPrefix  = 39
)

// DefaultCodec is the WebCodecs codec string advertised when the stream
// carries no parseable SPS: Main profile, level 5.1, high tier constraints.
const DefaultCodec = "hev1.1.2.L153.90"

var errSPSTooShort = errors.New("SPS data too short")

// HEVCNALType extracts the NAL unit type from the first byte of the 2-byte
// HEVC NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCKeyframe reports whether the NAL type is an IRAP picture (BLA, IDR
// or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// NALUnit is one NAL unit inside an Annex B buffer.
type NALUnit struct {
	Type byte   // 6-bit HEVC NAL type
	Data []byte // NAL header and payload, start code stripped
}

// ParseAnnexBHEVC returns the NAL units of an Annex B buffer. Both 3-byte
// and 4-byte start codes are accepted here since parameter sets inside one
// access unit are sometimes separated by the short form. Units shorter than
// the 2-byte NAL header are skipped.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	type span struct{ prefix, payload int }

	var spans []span
	n := len(data)
	for i := 0; i+2 < n; {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		switch {
		case i+3 < n && data[i+2] == 0 && data[i+3] == 1:
			spans = append(spans, span{prefix: i, payload: i + 4})
			i += 4
		case data[i+2] == 1:
			spans = append(spans, span{prefix: i, payload: i + 3})
			i += 3
		default:
			i++
		}
	}

	var units []NALUnit
	for k, sp := range spans {
		end := n
		if k+1 < len(spans) {
			end = spans[k+1].prefix
		}
		if end-sp.payload < 2 {
			continue
		}
		nal := data[sp.payload:end]
		units = append(units, NALUnit{Type: HEVCNALType(nal[0]), Data: nal})
	}
	return units
}

// ParameterSets holds the first VPS, SPS and PPS of a stream, start codes
// stripped.
type ParameterSets struct {
	VPS []byte
	SPS []byte
	PPS []byte
}

// FindParameterSets scans data for the first VPS, SPS and PPS NAL units.
func FindParameterSets(data []byte) ParameterSets {
	var ps ParameterSets
	for _, nal := range ParseAnnexBHEVC(data) {
		switch nal.Type {
		case HEVCNALVPS:
			if ps.VPS == nil {
				ps.VPS = nal.Data
			}
		case HEVCNALSPS:
			if ps.SPS == nil {
				ps.SPS = nal.Data
			}
		case HEVCNALPPS:
			if ps.PPS == nil {
				ps.PPS = nal.Data
			}
		}
		if ps.VPS != nil && ps.SPS != nil && ps.PPS != nil {
			break
		}
	}
	return ps
}

// HEVCSPSInfo holds parameters extracted from an HEVC SPS NAL unit.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64

	ChromaFormatIdc      byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

// CodecString returns the RFC 6381 codec parameter (e.g. "hev1.1.6.L93.B0")
// for WebCodecs decoder configuration.
func (s HEVCSPSInfo) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}

	codec := fmt.Sprintf("hev1.%d.%X.%s%d", s.ProfileIDC, bits.Reverse32(s.ProfileCompatibilityFlags), tier, s.LevelIDC)

	// Six constraint bytes, trailing zero bytes omitted.
	var cb [6]byte
	last := -1
	for i := range cb {
		cb[i] = byte(s.ConstraintIndicatorFlags >> uint((5-i)*8))
		if cb[i] != 0 {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		codec += fmt.Sprintf(".%X", cb[i])
	}
	return codec
}

// ParseHEVCSPS parses resolution and profile/tier/level from an HEVC SPS.
// The input is the NAL unit including its 2-byte header, without start code.
// Fields after the luma/chroma bit depths are not read.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errSPSTooShort
	}

	br := newBitReader(removeEmulationPrevention(nalu[2:]))

	// sps_video_parameter_set_id
	if _, err := br.readBits(4); err != nil {
		return HEVCSPSInfo{}, err
	}
	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	// sps_temporal_id_nesting_flag
	if _, err := br.readBits(1); err != nil {
		return HEVCSPSInfo{}, err
	}

	var info HEVCSPSInfo
	if err := parseProfileTierLevel(br, &info, maxSubLayersMinus1); err != nil {
		return HEVCSPSInfo{}, err
	}

	// sps_seq_parameter_set_id
	if _, err := br.readUE(); err != nil {
		return HEVCSPSInfo{}, err
	}
	chroma, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	info.ChromaFormatIdc = byte(chroma)
	if chroma == 3 {
		// separate_colour_plane_flag
		if _, err := br.readBits(1); err != nil {
			return HEVCSPSInfo{}, err
		}
	}

	width, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	height, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	info.Width = int(width)
	info.Height = int(height)

	// Everything past the coded size is optional for our purposes: a short
	// read keeps what was parsed so far.
	conf, err := br.readBits(1)
	if err != nil {
		return info, nil
	}
	if conf == 1 {
		var win [4]uint // left, right, top, bottom
		for i := range win {
			if win[i], err = br.readUE(); err != nil {
				return info, nil
			}
		}
		subW, subH := uint(1), uint(1)
		switch chroma {
		case 1:
			subW, subH = 2, 2
		case 2:
			subW = 2
		}
		info.Width -= int((win[0] + win[1]) * subW)
		info.Height -= int((win[2] + win[3]) * subH)
	}

	luma, err := br.readUE()
	if err != nil {
		return info, nil
	}
	info.BitDepthLumaMinus8 = byte(luma)

	chromaDepth, err := br.readUE()
	if err != nil {
		return info, nil
	}
	info.BitDepthChromaMinus8 = byte(chromaDepth)

	return info, nil
}

func parseProfileTierLevel(br *bitReader, info *HEVCSPSInfo, maxSubLayersMinus1 uint) error {
	// general_profile_space
	if _, err := br.readBits(2); err != nil {
		return err
	}
	tier, err := br.readBits(1)
	if err != nil {
		return err
	}
	info.TierFlag = byte(tier)

	profile, err := br.readBits(5)
	if err != nil {
		return err
	}
	info.ProfileIDC = byte(profile)

	compat, err := br.readBits(32)
	if err != nil {
		return err
	}
	info.ProfileCompatibilityFlags = uint32(compat)

	hi, err := br.readBits(16)
	if err != nil {
		return err
	}
	lo, err := br.readBits(32)
	if err != nil {
		return err
	}
	info.ConstraintIndicatorFlags = uint64(hi)<<32 | uint64(lo)

	level, err := br.readBits(8)
	if err != nil {
		return err
	}
	info.LevelIDC = byte(level)

	if maxSubLayersMinus1 == 0 {
		return nil
	}

	var profilePresent, levelPresent [8]bool
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		pp, err := br.readBits(1)
		if err != nil {
			return err
		}
		lp, err := br.readBits(1)
		if err != nil {
			return err
		}
		profilePresent[i], levelPresent[i] = pp == 1, lp == 1
	}
	// reserved_zero_2bits up to eight sub-layers
	for i := maxSubLayersMinus1; i < 8; i++ {
		if _, err := br.readBits(2); err != nil {
			return err
		}
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			// sub_layer profile: 2+1+5+32+48 bits
			if err := br.skipBits(88); err != nil {
				return err
			}
		}
		if levelPresent[i] {
			if err := br.skipBits(8); err != nil {
				return err
			}
		}
	}
	return nil
}

// VideoInfo is the decoder configuration a player needs before the first
// access unit: codec string and coded size.
type VideoInfo struct {
	Codec  string
	Width  int
	Height int
}

// DetectVideoInfo derives VideoInfo from the parameter sets in data, falling
// back to DefaultCodec when no SPS parses.
func DetectVideoInfo(data []byte) (VideoInfo, ParameterSets) {
	ps := FindParameterSets(data)
	if ps.SPS == nil {
		return VideoInfo{Codec: DefaultCodec}, ps
	}
	info, err := ParseHEVCSPS(ps.SPS)
	if err != nil {
		return VideoInfo{Codec: DefaultCodec}, ps
	}
	return VideoInfo{Codec: info.CodecString(), Width: info.Width, Height: info.Height}, ps
}
