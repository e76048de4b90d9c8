package cloudfilter

import (
	"encoding/binary"
	"unicode/utf16"
)

// EncodeIdentity encodes a server-relative path as the opaque file identity
// carried in every hydration callback: UTF-16LE code units with a trailing
// NUL, NUL included in the byte count.
func EncodeIdentity(relative string) []byte {
	units := utf16.Encode([]rune(relative))
	buf := make([]byte, 0, (len(units)+1)*2)
	for _, u := range units {
		buf = binary.LittleEndian.AppendUint16(buf, u)
	}
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	return buf
}

// DecodeIdentity decodes an identity blob back to the server-relative path.
// A trailing NUL and any bytes after it are ignored; an odd trailing byte is
// dropped.
func DecodeIdentity(blob []byte) string {
	units := make([]uint16, 0, len(blob)/2)
	for i := 0; i+1 < len(blob); i += 2 {
		u := binary.LittleEndian.Uint16(blob[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}
