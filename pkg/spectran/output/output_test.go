package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norasector/spectran/pkg/util"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func block(num, length int) *types.SegmentComplex64 {
	seg := &types.SegmentComplex64{SegmentNumber: num, Data: make([]complex64, length)}
	for i := range seg.Data {
		seg.Data[i] = complex(float32(num), float32(i))
	}
	return seg
}

func TestWriterOutput(t *testing.T) {
	var dest syncBuffer
	out := NewWriterOutput(&dest, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- out.Start(ctx) }()

	out.Receive() <- block(1, 3)
	out.Receive() <- block(2, 2)

	require.Eventually(t, func() bool { return dest.Len() == 5*8 }, time.Second, 5*time.Millisecond)

	got := make([]complex64, 5)
	require.NoError(t, binary.Read(bytes.NewReader(dest.Bytes()), binary.LittleEndian, got))
	assert.Equal(t, []complex64{complex(1, 0), complex(1, 1), complex(1, 2), complex(2, 0), complex(2, 1)}, got)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestWriterOutputFlushesFullBatch(t *testing.T) {
	var dest syncBuffer
	out := NewWriterOutput(&dest, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go out.Start(ctx)

	for i := 1; i <= blockBufferLength; i++ {
		out.Receive() <- block(i, 1)
	}
	require.Eventually(t, func() bool { return dest.Len() == blockBufferLength*8 }, time.Second, 5*time.Millisecond)
}

func TestDatagramRoundTrip(t *testing.T) {
	d := &Datagram{
		Segment:    7,
		Chunk:      1,
		Chunks:     3,
		CenterFreq: 433920000,
		SampleRate: 250000,
		Samples:    []complex64{complex(0.25, -0.5), complex(1, 1)},
	}
	encoded, err := d.Marshal()
	require.NoError(t, err)
	assert.Equal(t, len(encoded)-2, int(binary.LittleEndian.Uint16(encoded)))

	got, err := UnmarshalDatagram(encoded)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = UnmarshalDatagram(encoded[:len(encoded)-1])
	assert.Error(t, err)
	_, err = UnmarshalDatagram([]byte{1})
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	seg := block(4, MaxDatagramSamples*2+10)
	parts := Split(seg, 100e6, 1e6)
	require.Len(t, parts, 3)

	total := 0
	for i, p := range parts {
		assert.Equal(t, 4, p.Segment)
		assert.Equal(t, i, p.Chunk)
		assert.Equal(t, 3, p.Chunks)
		total += len(p.Samples)
	}
	assert.Equal(t, len(seg.Data), total)
	assert.Len(t, parts[2].Samples, 10)
	assert.Equal(t, seg.Data[MaxDatagramSamples], parts[1].Samples[0])

	assert.Len(t, Split(block(1, 0), 0, 0), 1)
}

func TestUDPOutput(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	out := NewUDPOutput([]Destination{{Host: "127.0.0.1", Port: port}},
		func() (int64, int64) { return 145500000, 100000 },
		&util.NopWriteAPI{}).WithLogger(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- out.Start(ctx) }()

	out.Receive() <- block(9, 16)

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1<<16)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	got, err := UnmarshalDatagram(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, 9, got.Segment)
	assert.Equal(t, int64(145500000), got.CenterFreq)
	assert.Equal(t, int64(100000), got.SampleRate)
	assert.Equal(t, block(9, 16).Data, got.Samples)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}

type recordingOutput struct {
	recvChan chan *types.SegmentComplex64
	got      chan int
}

func (r *recordingOutput) Receive() chan<- *types.SegmentComplex64 { return r.recvChan }

func (r *recordingOutput) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg := <-r.recvChan:
			r.got <- seg.SegmentNumber
		}
	}
}

func TestTee(t *testing.T) {
	a := &recordingOutput{recvChan: make(chan *types.SegmentComplex64), got: make(chan int, 8)}
	b := &recordingOutput{recvChan: make(chan *types.SegmentComplex64), got: make(chan int, 8)}
	tee := NewTee(a, b, NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- tee.Start(ctx) }()

	for i := 1; i <= 3; i++ {
		tee.Receive() <- block(i, 1)
	}
	for _, r := range []*recordingOutput{a, b} {
		for i := 1; i <= 3; i++ {
			select {
			case got := <-r.got:
				assert.Equal(t, i, got)
			case <-time.After(time.Second):
				t.Fatal("block not fanned out")
			}
		}
	}

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}
