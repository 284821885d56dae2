package relay

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/zsiec/moqtrelay/internal/wire"
)

// chunkedReader hands out p one small slice at a time, exercising the
// controlReader's grow-and-retry path the way a real stream would.
type chunkedReader struct {
	data []byte
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := 1
	if n > len(c.data) {
		n = len(c.data)
	}
	n = copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestControlReaderAssemblesFramesAcrossShortReads(t *testing.T) {
	t.Parallel()

	var wire1 bytes.Buffer
	wire1.Write(wire.EncodeControlFrame(wire.MsgAnnounce, []byte("first")))
	wire1.Write(wire.EncodeControlFrame(wire.MsgUnannounce, []byte("second")))

	cr := newControlReader(&chunkedReader{data: wire1.Bytes()})

	msgType, payload, err := cr.Next(context.Background())
	if err != nil {
		t.Fatalf("Next (1): %v", err)
	}
	if msgType != wire.MsgAnnounce || string(payload) != "first" {
		t.Fatalf("got type=%#x payload=%q", msgType, payload)
	}

	msgType, payload, err = cr.Next(context.Background())
	if err != nil {
		t.Fatalf("Next (2): %v", err)
	}
	if msgType != wire.MsgUnannounce || string(payload) != "second" {
		t.Fatalf("got type=%#x payload=%q", msgType, payload)
	}

	if _, _, err := cr.Next(context.Background()); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF once the stream is exhausted", err)
	}
}
