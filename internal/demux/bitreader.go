package demux

// bitReader reads MSB-first bit fields and exp-Golomb codes from an RBSP.
// off is the cursor in bits from the start of data.
type bitReader struct {
	data []byte
	off  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) remaining() int { return len(br.data)*8 - br.off }

func (br *bitReader) readBits(n int) (uint, error) {
	if n > br.remaining() {
		return 0, errSPSTooShort
	}
	var v uint
	for ; n > 0; n-- {
		b := br.data[br.off>>3] >> (7 - br.off&7) & 1
		v = v<<1 | uint(b)
		br.off++
	}
	return v, nil
}

func (br *bitReader) skipBits(n int) error {
	if n > br.remaining() {
		return errSPSTooShort
	}
	br.off += n
	return nil
}

// readUE reads an unsigned exp-Golomb code: n leading zeros, a one, then
// an n-bit suffix.
func (br *bitReader) readUE() (uint, error) {
	n := 0
	for {
		b, err := br.readBits(1)
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		if n++; n > 31 {
			return 0, errSPSTooShort
		}
	}
	suffix, err := br.readBits(n)
	if err != nil {
		return 0, err
	}
	return 1<<n - 1 + suffix, nil
}

// removeEmulationPrevention turns a NAL payload back into its RBSP by
// dropping the 0x03 of every 00 00 03 sequence followed by a byte <= 3 or
// the end of the payload.
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for i, b := range data {
		if zeros >= 2 && b == 3 && (i+1 == len(data) || data[i+1] <= 3) {
			zeros = 0
			continue
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
