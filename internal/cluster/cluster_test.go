package cluster

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{Filter: 7, Channel: "news.sports", Data: []byte("payload bytes")}
	var buf bytes.Buffer
	buf.Write(appendEnvelope(nil, in))

	out, err := readEnvelope(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEnvelopeSplitAcrossReads(t *testing.T) {
	// Stream framing must survive arbitrary read boundaries.
	frames := appendEnvelope(nil, Envelope{Filter: 0, Channel: "a", Data: []byte("x")})
	frames = appendEnvelope(frames, Envelope{Filter: 3, Channel: "bb", Data: nil})
	frames = appendEnvelope(frames, Envelope{Channel: "", Data: bytes.Repeat([]byte("z"), 1000)})

	r := bufio.NewReaderSize(iotest1ByteReader{bytes.NewReader(frames)}, 16)
	e1, err := readEnvelope(r)
	require.NoError(t, err)
	assert.Equal(t, "a", e1.Channel)
	e2, err := readEnvelope(r)
	require.NoError(t, err)
	assert.Equal(t, int32(3), e2.Filter)
	assert.Empty(t, e2.Data)
	e3, err := readEnvelope(r)
	require.NoError(t, err)
	assert.Len(t, e3.Data, 1000)

	_, err = readEnvelope(r)
	assert.ErrorIs(t, err, io.EOF)
}

type iotest1ByteReader struct{ r io.Reader }

func (o iotest1ByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestEnvelopeRejectsInsaneHeader(t *testing.T) {
	raw := appendEnvelope(nil, Envelope{Channel: "c", Data: []byte("d")})
	// Corrupt the payload length so it disagrees with the parts.
	raw[0] ^= 0xFF
	_, err := readEnvelope(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrFrame)
}

func TestEndpointDelivery(t *testing.T) {
	a, b := net.Pipe()

	var mu sync.Mutex
	var got []Envelope
	left := NewEndpoint(a, Options{})
	right := NewEndpoint(b, Options{
		OnEnvelope: func(e Envelope) {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		},
	})
	defer left.Close()
	defer right.Close()

	left.Send(Envelope{Filter: 0, Channel: "news", Data: []byte("one")})
	left.Send(Envelope{Filter: 9, Channel: "rpc", Data: []byte("two")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "news", got[0].Channel)
	assert.Equal(t, []byte("one"), got[0].Data)
	assert.Equal(t, int32(9), got[1].Filter)
}

func TestEndpointFatalOnFilteredOverflow(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	fatal := make(chan error, 1)
	ep := NewEndpoint(a, Options{
		Fatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})
	defer ep.Close()

	// The peer never reads: filtered traffic may not be shed, so exceeding
	// the buffer bound must trip the fatal handler.
	payload := bytes.Repeat([]byte("f"), 1<<20)
	for i := 0; i < 8; i++ {
		ep.Send(Envelope{Filter: 1, Channel: "ctl", Data: payload})
	}
	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrOverflow)
	case <-time.After(5 * time.Second):
		t.Fatal("fatal handler never fired")
	}
}

func TestEndpointShedsUnfilteredOldestFirst(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	ep := NewEndpoint(a, Options{Fatal: func(err error) {
		t.Error("unfiltered overflow must never be fatal")
	}})
	defer ep.Close()

	payload := bytes.Repeat([]byte("u"), 1<<20)
	for i := 0; i < 16; i++ {
		ep.Send(Envelope{Filter: 0, Channel: "bulk", Data: payload})
	}
	// Sheds happened silently; the endpoint stays usable.
	ep.Send(Envelope{Filter: 0, Channel: "bulk", Data: []byte("tail")})
}

func TestHubBroadcastSkipsOrigin(t *testing.T) {
	h := NewHub(HubOptions{})
	defer h.Close()

	type side struct {
		mu  sync.Mutex
		got []Envelope
	}
	mkWorker := func() (*side, *Endpoint) {
		parentEnd, childEnd := net.Pipe()
		s := &side{}
		worker := NewEndpoint(childEnd, Options{
			OnEnvelope: func(e Envelope) {
				s.mu.Lock()
				s.got = append(s.got, e)
				s.mu.Unlock()
			},
		})
		// Hub adoption normally wraps an *os.File; the pipe stands in.
		h.Adopt(parentEnd)
		return s, worker
	}

	sideA, workerA := mkWorker()
	sideB, workerB := mkWorker()
	defer workerA.Close()
	defer workerB.Close()

	require.Equal(t, 2, h.Peers())

	// Worker A publishes: B must receive it, A must not see an echo.
	workerA.Send(Envelope{Channel: "news", Data: []byte("x")})

	require.Eventually(t, func() bool {
		sideB.mu.Lock()
		defer sideB.mu.Unlock()
		return len(sideB.got) == 1
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	sideA.mu.Lock()
	assert.Empty(t, sideA.got, "origin must not receive its own envelope")
	sideA.mu.Unlock()
}
