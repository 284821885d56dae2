package relay

import (
	"context"
	"io"

	"github.com/zsiec/moqtrelay/internal/wire"
)

// controlReader accumulates bytes from a control stream and yields complete
// control-message frames, implementing the restartable-decode contract from
// the wire codec over a live stream rather than a fixed buffer: a short
// read grows the buffer and retries rather than failing.
type controlReader struct {
	r   io.Reader
	buf []byte
}

func newControlReader(r io.Reader) *controlReader {
	return &controlReader{r: r}
}

// Next blocks until one full control frame is available, ctx is done, or
// the underlying stream errors.
func (cr *controlReader) Next(ctx context.Context) (msgType uint64, payload []byte, err error) {
	chunk := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		if t, p, n, ok := wire.DecodeControlFrame(cr.buf); ok {
			msgType, payload = t, append([]byte(nil), p...)
			cr.buf = append([]byte(nil), cr.buf[n:]...)
			return msgType, payload, nil
		}
		n, rerr := cr.r.Read(chunk)
		if n > 0 {
			cr.buf = append(cr.buf, chunk[:n]...)
		}
		if rerr != nil {
			return 0, nil, rerr
		}
	}
}
