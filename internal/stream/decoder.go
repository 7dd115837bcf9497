package stream

import (
	"errors"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// Decoder turns arbitrarily split UTF-8 byte chunks into text. A multi-byte sequence cut at the end of a
// chunk is carried over and completed by the next chunk, so decoding chunk by chunk yields the same text
// as decoding the concatenation at once.
type Decoder struct {
	t      transform.Transformer
	carry  []byte
	offset int64
}

// NewDecoder returns a strict UTF-8 Decoder: invalid sequences are reported, never replaced.
func NewDecoder() *Decoder {
	return &Decoder{
		t: encoding.UTF8Validator,
	}
}

// Decode consumes chunk and returns the text that is complete so far. A malformed sequence yields a
// *DecodeError and the decoder must not be used afterwards.
func (d *Decoder) Decode(chunk []byte) (string, error) {
	src := chunk
	if len(d.carry) > 0 {
		src = append(d.carry, chunk...)
		d.carry = nil
	}
	if len(src) == 0 {
		return "", nil
	}

	dst := make([]byte, len(src))
	nDst, nSrc, err := d.t.Transform(dst, src, false)
	switch {
	case err == nil:
	case errors.Is(err, transform.ErrShortSrc):
		d.carry = append([]byte(nil), src[nSrc:]...)
	default:
		return string(dst[:nDst]), &DecodeError{Offset: d.offset + int64(nSrc), Err: err}
	}
	d.offset += int64(nSrc)

	return string(dst[:nDst]), nil
}

// Pending returns how many bytes are held back waiting for the rest of their character.
func (d *Decoder) Pending() int {
	return len(d.carry)
}

// Flush ends decoding. Bytes still pending at this point can never form a character, so they are
// reported as a *DecodeError.
func (d *Decoder) Flush() error {
	if len(d.carry) == 0 {
		return nil
	}
	n := len(d.carry)
	d.carry = nil
	return &DecodeError{Offset: d.offset, Err: errTruncatedSequence(n)}
}
