// Package wire implements the framed wire protocol shared by the relay
// client and server: splitting a byte stream on a configured separator,
// building and parsing DATA/CLOSE/AUTH/AUTHTRY/HEARTBEAT frames, and the
// SHA-1/SHA-512 integrity hashes carried on DATA bodies.
package wire

// Split returns the bytes before the first occurrence of sep in buf, and the
// bytes strictly after it. If sep does not occur in buf (or sep or buf is
// empty), ok is false.
//
// Matching is byte-exact: when a partial match of sep is broken by a
// mismatching byte, only its first byte is moved into prefix and scanning
// rewinds to the byte after it, so "prefix + sep + suffix == buf" always
// holds when ok is true, and sep never occurs within prefix.
func Split(buf, sep []byte) (prefix, suffix []byte, ok bool) {
	if len(sep) == 0 || len(buf) == 0 {
		return nil, nil, false
	}

	var first []byte
	var cache []byte
	sepIdx := 0

	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b == sep[sepIdx] {
			sepIdx++
			cache = append(cache, b)
			if sepIdx >= len(sep) {
				return first, buf[i+1:], true
			}
		} else {
			if sepIdx > 0 {
				// Rewind: sep may start inside the broken partial match.
				first = append(first, cache[0])
				cache = cache[:0]
				i -= sepIdx
				sepIdx = 0
				continue
			}
			first = append(first, b)
			sepIdx = 0
		}
	}
	return nil, nil, false
}

var space = []byte{' '}

// splitSpace is Split specialized to the ASCII space byte used between
// header tokens.
func splitSpace(buf []byte) (head, rest []byte, ok bool) {
	return Split(buf, space)
}
