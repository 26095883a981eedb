//go:build !linux

package faciet

import "golang.org/x/sys/unix"

// Platforms without a portable sendfile into non-blocking sockets fall back
// to a bounded read-then-write copy. Offset bookkeeping stays in the caller.
const copyChunk = 32 << 10

func rawSendfile(dst int, p *packet) (int, error) {
	count := p.n
	if count > copyChunk {
		count = copyChunk
	}
	buf := make([]byte, count)
	rn, err := p.file.ReadAt(buf, p.off)
	if rn == 0 {
		if err != nil {
			return 0, err
		}
		return 0, unix.EIO
	}
	wn, werr := unix.Write(dst, buf[:rn])
	if wn < 0 {
		wn = 0
	}
	return wn, werr
}
