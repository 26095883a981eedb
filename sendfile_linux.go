//go:build linux

package faciet

import "golang.org/x/sys/unix"

// sendfileMaxChunk bounds one sendfile call so a huge file cannot pin the
// write lock for a whole transmission.
const sendfileMaxChunk = 1 << 20

func rawSendfile(dst int, p *packet) (int, error) {
	count := p.n
	if count > sendfileMaxChunk {
		count = sendfileMaxChunk
	}
	off := p.off
	n, err := unix.Sendfile(dst, int(p.file.Fd()), &off, int(count))
	if n < 0 {
		n = 0
	}
	return n, err
}
