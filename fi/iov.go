package fi

// segments normalises the single-buffer and vectored request forms.
func segments(buf []byte, iov [][]byte) ([][]byte, error) {
	if buf != nil && len(iov) > 0 {
		return nil, invalidArg("request sets both Buffer and IOV")
	}
	if len(iov) > 0 {
		return iov, nil
	}
	if buf == nil {
		return nil, nil
	}
	return [][]byte{buf}, nil
}

func iovLen(iov [][]byte) int {
	n := 0
	for _, seg := range iov {
		n += len(seg)
	}
	return n
}

// scatter copies src into the scatter list dst starting at byte offset off
// and returns the number of bytes written.
func scatter(dst [][]byte, off int, src []byte) int {
	written := 0
	for _, seg := range dst {
		if len(src) == 0 {
			break
		}
		if off >= len(seg) {
			off -= len(seg)
			continue
		}
		n := copy(seg[off:], src)
		src = src[n:]
		written += n
		off = 0
	}
	return written
}

// gather fills dst from the gather list src starting at byte offset off and
// returns the number of bytes read.
func gather(dst []byte, src [][]byte, off int) int {
	read := 0
	for _, seg := range src {
		if read == len(dst) {
			break
		}
		if off >= len(seg) {
			off -= len(seg)
			continue
		}
		n := copy(dst[read:], seg[off:])
		read += n
		off = 0
	}
	return read
}

// flatten returns a contiguous copy of the first limit bytes of iov.
func flatten(iov [][]byte, limit int) []byte {
	out := make([]byte, limit)
	gather(out, iov, 0)
	return out
}
