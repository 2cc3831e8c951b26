package boxfs

import (
	"io"
	"sync"
)

// pipe is an in-memory pipe with a fixed capacity. Writers block while it is
// full and readers block while it is empty. Either side can close it with an
// error that the other side then observes.
type pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf  []byte
	head int // next byte to read
	n    int // bytes buffered

	werr error // set when the write side closed; io.EOF on a clean close
	rerr error // set when the read side closed
}

func newPipe(size int) *pipe {
	p := &pipe{buf: make([]byte, size)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.n == 0 {
		if p.rerr != nil {
			return 0, io.ErrClosedPipe
		}
		if p.werr != nil {
			return 0, p.werr
		}
		p.cond.Wait()
	}
	if p.rerr != nil {
		return 0, io.ErrClosedPipe
	}

	read := 0
	for read < len(b) && p.n > 0 {
		end := p.head + p.n
		if end > len(p.buf) {
			end = len(p.buf)
		}
		c := copy(b[read:], p.buf[p.head:end])
		read += c
		p.head = (p.head + c) % len(p.buf)
		p.n -= c
	}
	p.cond.Broadcast()
	return read, nil
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	written := 0
	for written < len(b) {
		for p.n == len(p.buf) && p.rerr == nil && p.werr == nil {
			p.cond.Wait()
		}
		if p.rerr != nil {
			return written, p.rerr
		}
		if p.werr != nil {
			return written, io.ErrClosedPipe
		}

		tail := (p.head + p.n) % len(p.buf)
		end := len(p.buf)
		if tail < p.head {
			end = p.head
		}
		c := copy(p.buf[tail:end], b[written:])
		written += c
		p.n += c
		p.cond.Broadcast()
	}
	return written, nil
}

// CloseWrite closes the write side. Readers drain what is buffered and then
// see err, or io.EOF when err is nil.
func (p *pipe) CloseWrite(err error) {
	if err == nil {
		err = io.EOF
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.werr == nil {
		p.werr = err
	}
	p.cond.Broadcast()
}

// CloseRead closes the read side. Pending and future writes fail with err,
// or io.ErrClosedPipe when err is nil.
func (p *pipe) CloseRead(err error) {
	if err == nil {
		err = io.ErrClosedPipe
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rerr == nil {
		p.rerr = err
	}
	p.cond.Broadcast()
}
