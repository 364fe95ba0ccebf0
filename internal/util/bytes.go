package util

import (
	"encoding/binary"
	"errors"
	"math/bits"

	"braces.dev/errtrace"
)

var (
	ErrUnexpectedEOF    = errors.New("unexpected end of data")
	ErrMalformedUvarint = errors.New("malformed uvarint")
)

// SizeUVarInt reports the encoded size of val in uvarint form.
func SizeUVarInt(val uint64) int {
	return (bits.Len64(val|1) + 6) / 7
}

func AppendUVarInt(buf []byte, val uint64) []byte {
	return binary.AppendUvarint(buf, val)
}

func ConsumeUVarInt(data []byte) (uint64, []byte, error) {
	val, n := binary.Uvarint(data)
	switch {
	case n > 0:
		return val, data[n:], nil
	case n < 0:
		return 0, nil, errtrace.Wrap(ErrMalformedUvarint)
	default:
		return 0, nil, errtrace.Wrap(ErrUnexpectedEOF)
	}
}

// SizePrefixedString reports the encoded size of a length-prefixed
// string or byte slice.
func SizePrefixedString[T ~string | ~[]byte](val T) int {
	return SizeUVarInt(uint64(len(val))) + len(val)
}

func AppendPrefixedString[T ~string | ~[]byte](buf []byte, val T) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(val)))
	return append(buf, val...)
}

func ConsumePrefixedString(data []byte) (string, []byte, error) {
	length, rest, err := ConsumeUVarInt(data)
	if err != nil {
		return "", nil, errtrace.Wrap(err)
	}
	if length > uint64(len(rest)) {
		return "", nil, errtrace.Wrap(ErrUnexpectedEOF)
	}
	return string(rest[:length]), rest[length:], nil
}
