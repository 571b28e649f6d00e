package wasmmodule

import "fmt"

// readU32 decodes an unsigned LEB128 value, bounded to 32 bits.
func readU32(b []byte, pos int) (uint32, int, error) {
	v, n, err := readU64(b, pos)
	if err != nil {
		return 0, pos, err
	}
	return uint32(v), n, nil
}

func readU64(b []byte, pos int) (uint64, int, error) {
	var result uint64
	var shift uint
	p := pos
	for {
		if p >= len(b) {
			return 0, pos, fmt.Errorf("unexpected end of input decoding varuint")
		}
		byt := b[p]
		p++
		result |= uint64(byt&0x7F) << shift
		if byt&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, pos, fmt.Errorf("varuint too long")
		}
	}
	return result, p, nil
}

func readI32(b []byte, pos int) (int32, int, error) {
	v, n, err := readI64raw(b, pos, 32)
	if err != nil {
		return 0, pos, err
	}
	return int32(v), n, nil
}

func readI64(b []byte, pos int) (int64, int, error) {
	return readI64raw(b, pos, 64)
}

func readI64raw(b []byte, pos int, size uint) (int64, int, error) {
	var result int64
	var shift uint
	p := pos
	var byt byte
	for {
		if p >= len(b) {
			return 0, pos, fmt.Errorf("unexpected end of input decoding varint")
		}
		byt = b[p]
		p++
		result |= int64(byt&0x7F) << shift
		shift += 7
		if byt&0x80 == 0 {
			break
		}
	}
	if shift < size && (byt&0x40) != 0 {
		result |= -(int64(1) << shift)
	}
	return result, p, nil
}

// readByte reads a single byte.
func readByte(b []byte, pos int) (byte, int, error) {
	if pos >= len(b) {
		return 0, pos, fmt.Errorf("unexpected end of input reading byte")
	}
	return b[pos], pos + 1, nil
}

// readBytes reads n raw bytes.
func readBytes(b []byte, pos int, n int) ([]byte, int, error) {
	if pos+n > len(b) {
		return nil, pos, fmt.Errorf("unexpected end of input reading %d bytes", n)
	}
	return b[pos : pos+n], pos + n, nil
}

// readName reads a length-prefixed UTF-8 string.
func readName(b []byte, pos int) (string, int, error) {
	n, p, err := readU32(b, pos)
	if err != nil {
		return "", pos, err
	}
	raw, p2, err := readBytes(b, p, int(n))
	if err != nil {
		return "", pos, err
	}
	return string(raw), p2, nil
}
