package shell

import (
	"bytes"
	"io"
	"sync"
)

// sniffer forwards writes to dst while watching the stream for a set of
// needles. Matches may straddle write boundaries, so a window of trailing
// bytes is retained between writes.
type sniffer struct {
	mu      sync.Mutex
	dst     io.Writer
	needles map[string]bool
	window  []byte
	max     int
}

func newSniffer(dst io.Writer, needles map[string]bool) *sniffer {
	max := 0
	for n := range needles {
		if len(n) > max {
			max = len(n)
		}
	}
	return &sniffer{dst: dst, needles: needles, max: max}
}

func (sn *sniffer) Write(b []byte) (int, error) {
	sn.mu.Lock()
	buf := append(sn.window, b...)
	for n, seen := range sn.needles {
		if !seen && bytes.Contains(buf, []byte(n)) {
			sn.needles[n] = true
		}
	}
	if keep := sn.max - 1; keep > 0 && len(buf) > keep {
		sn.window = append(sn.window[:0], buf[len(buf)-keep:]...)
	} else if keep > 0 {
		sn.window = buf
	}
	sn.mu.Unlock()

	return sn.dst.Write(b)
}

// sniffInto returns a writer that feeds sn's matcher but forwards bytes to
// out, so stderr can share stdout's searches without sharing its
// destination.
type teeSniff struct {
	sn  *sniffer
	out io.Writer
}

func sniffInto(sn *sniffer, out io.Writer) io.Writer {
	return &teeSniff{sn: sn, out: out}
}

func (t *teeSniff) Write(b []byte) (int, error) {
	t.sn.mu.Lock()
	buf := append(t.sn.window, b...)
	for n, seen := range t.sn.needles {
		if !seen && bytes.Contains(buf, []byte(n)) {
			t.sn.needles[n] = true
		}
	}
	t.sn.mu.Unlock()

	return t.out.Write(b)
}
