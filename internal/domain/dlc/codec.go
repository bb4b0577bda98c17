package dlc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Descriptor variant tags on the wire.
const (
	variantEnum               = 0
	variantDigitDecomposition = 1
)

const nonceSize = 32

// MarshalBinary returns the deterministic encoding of the event that the
// announcement signature commits to. Field order is nonces, maturity,
// descriptor, event id.
func (e *OracleEvent) MarshalBinary() ([]byte, error) {
	if len(e.Nonces) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d nonces", ErrMalformed, len(e.Nonces))
	}
	var buf bytes.Buffer
	writeU16(&buf, uint16(len(e.Nonces)))
	for i, n := range e.Nonces {
		if len(n) != nonceSize {
			return nil, fmt.Errorf("%w: nonce %d is %d bytes", ErrMalformed, i, len(n))
		}
		buf.Write(n)
	}
	writeU32(&buf, e.Maturity)
	if err := writeDescriptor(&buf, e.Descriptor); err != nil {
		return nil, err
	}
	writeString(&buf, e.EventID)
	return buf.Bytes(), nil
}

// UnmarshalBinary parses the encoding produced by MarshalBinary.
func (e *OracleEvent) UnmarshalBinary(b []byte) error {
	r := &reader{b: b}
	n := r.u16()
	nonces := make([]HexBytes, 0, n)
	for i := 0; i < int(n); i++ {
		nonces = append(nonces, HexBytes(r.take(nonceSize)))
	}
	maturity := r.u32()
	desc := readDescriptor(r)
	id := r.string()
	if r.err != nil {
		return r.err
	}
	if len(r.b) != r.off {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.b)-r.off)
	}
	*e = OracleEvent{Nonces: nonces, Maturity: maturity, Descriptor: desc, EventID: id}
	return nil
}

func writeDescriptor(buf *bytes.Buffer, d EventDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	switch {
	case d.Enum != nil:
		writeBigSize(buf, variantEnum)
		writeBigSize(buf, uint64(len(d.Enum.Outcomes)))
		for _, o := range d.Enum.Outcomes {
			writeString(buf, o)
		}
	default:
		dd := d.DigitDecomposition
		writeBigSize(buf, variantDigitDecomposition)
		writeU16(buf, dd.Base)
		if dd.IsSigned {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeString(buf, dd.Unit)
		writeU32(buf, uint32(dd.Precision))
		writeU16(buf, dd.NbDigits)
	}
	return nil
}

func readDescriptor(r *reader) EventDescriptor {
	switch v := r.bigSize(); v {
	case variantEnum:
		n := r.bigSize()
		if n > uint64(len(r.b)) {
			r.fail("enum outcome count %d", n)
			return EventDescriptor{}
		}
		outcomes := make([]string, 0, n)
		for i := uint64(0); i < n && r.err == nil; i++ {
			outcomes = append(outcomes, r.string())
		}
		return EventDescriptor{Enum: &EnumDescriptor{Outcomes: outcomes}}
	case variantDigitDecomposition:
		dd := &DigitDecompositionDescriptor{}
		dd.Base = r.u16()
		dd.IsSigned = r.byte() == 1
		dd.Unit = r.string()
		dd.Precision = int32(r.u32())
		dd.NbDigits = r.u16()
		return EventDescriptor{DigitDecomposition: dd}
	default:
		r.fail("unknown descriptor variant %d", v)
		return EventDescriptor{}
	}
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// writeBigSize writes a lightning BigSize integer.
func writeBigSize(buf *bytes.Buffer, v uint64) {
	switch {
	case v < 0xfd:
		buf.WriteByte(byte(v))
	case v <= math.MaxUint16:
		buf.WriteByte(0xfd)
		writeU16(buf, uint16(v))
	case v <= math.MaxUint32:
		buf.WriteByte(0xfe)
		writeU32(buf, uint32(v))
	default:
		buf.WriteByte(0xff)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeBigSize(buf, uint64(len(s)))
	buf.WriteString(s)
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.fail("need %d bytes at offset %d", n, r.off)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.b[r.off:r.off+n])
	r.off += n
	return out
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// bigSize reads a BigSize integer and rejects non-minimal encodings.
func (r *reader) bigSize() uint64 {
	switch prefix := r.byte(); prefix {
	case 0xfd:
		v := uint64(r.u16())
		if r.err == nil && v < 0xfd {
			r.fail("non-minimal bigsize")
		}
		return v
	case 0xfe:
		v := uint64(r.u32())
		if r.err == nil && v <= math.MaxUint16 {
			r.fail("non-minimal bigsize")
		}
		return v
	case 0xff:
		b := r.take(8)
		if b == nil {
			return 0
		}
		v := binary.BigEndian.Uint64(b)
		if v <= math.MaxUint32 {
			r.fail("non-minimal bigsize")
		}
		return v
	default:
		return uint64(prefix)
	}
}

func (r *reader) string() string {
	n := r.bigSize()
	if n > uint64(len(r.b)) {
		r.fail("string length %d", n)
		return ""
	}
	return string(r.take(int(n)))
}
