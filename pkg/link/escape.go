package link

// Reserved bytes of the link framing.
const (
	CommandMarker byte = 0x3a
	EscapeMarker  byte = 0x3d
)

// Escape encodes data so CommandMarker and EscapeMarker never appear literally.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/16)
	for _, b := range data {
		if b == CommandMarker || b == EscapeMarker {
			out = append(out, EscapeMarker, b^0x20)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses Escape. A trailing lone EscapeMarker is dropped.
func Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b == EscapeMarker {
			i++
			if i >= len(data) {
				break
			}
			b = data[i] ^ 0x20
		}
		out = append(out, b)
	}
	return out
}
