package directory

import (
	"io"
	"os"
	"time"
)

const (
	// tailBacklogBytes bounds how far back a fresh log attachment reads.
	tailBacklogBytes = 64 * 1024

	tailPollInterval = 250 * time.Millisecond
)

// tailReader reads a log file in follow mode: at end of file it polls for
// new data instead of returning io.EOF, so the upstream read loop behaves
// like a live stream. Close unblocks any pending Read.
type tailReader struct {
	f      *os.File
	closed chan struct{}
}

// openTail opens path positioned near the end so an attachment does not
// replay the server's entire history. A partial first line after seeking
// is discarded.
func openTail(path string) (io.ReadWriteCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	t := &tailReader{f: f, closed: make(chan struct{})}
	if info.Size() > tailBacklogBytes {
		if _, err := f.Seek(-tailBacklogBytes, io.SeekEnd); err == nil {
			t.discardPartialLine()
		}
	}
	return t, nil
}

func (t *tailReader) Read(p []byte) (int, error) {
	for {
		n, err := t.f.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		select {
		case <-t.closed:
			return 0, io.EOF
		case <-time.After(tailPollInterval):
		}
	}
}

// Write satisfies io.ReadWriteCloser; log pipes are read-only.
func (t *tailReader) Write(p []byte) (int, error) {
	return 0, os.ErrPermission
}

func (t *tailReader) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return t.f.Close()
}

func (t *tailReader) discardPartialLine() {
	buf := make([]byte, 1)
	for {
		n, err := t.f.Read(buf)
		if err != nil || n == 0 {
			return
		}
		if buf[0] == '\n' {
			return
		}
	}
}
