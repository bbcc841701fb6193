package simulator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norasector/spectran/pkg/spectran/command"
	"github.com/norasector/spectran/pkg/spectran/session"
)

func serve(t *testing.T, dev *Device) session.Endpoint {
	t.Helper()
	srv := httptest.NewServer(dev.Handler())
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
	})
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	endpoint, err := session.ParseEndpoint(u.Host)
	require.NoError(t, err)
	return endpoint
}

func openStream(t *testing.T, endpoint session.Endpoint, format session.Format) *session.Session {
	t.Helper()
	s, err := session.Open(context.Background(), endpoint, session.WithFormat(format), session.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func commands(t *testing.T, endpoint session.Endpoint) *command.Channel {
	t.Helper()
	c, err := command.New(endpoint, command.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	_, err = c.Send(context.Background(), command.SetDemodulatorTarget("Block_IQDemodulator_0"))
	require.NoError(t, err)
	return c
}

func TestDeviceInitialStatus(t *testing.T) {
	dev := NewDevice(DefaultConfig(), WithLogger(zerolog.Nop()))
	s := openStream(t, serve(t, dev), session.FormatFloat32)

	frame, err := s.ReadFrame()
	require.NoError(t, err)
	assert.True(t, frame.IsStatus())
	assert.Equal(t, session.Status{CenterFrequency: 100e6, SampleRate: 100000}, frame.Status())

	select {
	case <-dev.Connected():
	case <-time.After(time.Second):
		t.Fatal("connection not signalled")
	}
}

func TestDeviceStreamsOnlyWhenStarted(t *testing.T) {
	dev := NewDevice(DefaultConfig(), WithLogger(zerolog.Nop()))
	endpoint := serve(t, dev)
	s := openStream(t, endpoint, session.FormatInt8)
	ctrl := commands(t, endpoint)
	ctx := context.Background()

	assert.ErrorIs(t, dev.EmitSamples(ctx, make([]complex64, 8)), ErrNotStreaming)

	_, err := ctrl.Send(ctx, command.SetStreaming(true))
	require.NoError(t, err)
	assert.True(t, dev.Streaming())
	require.NoError(t, dev.EmitSamples(ctx, []complex64{complex(0.5, -0.5), 0, 0, 0}))

	// initial status, then the echo of the target command
	for i := 0; i < 2; i++ {
		frame, err := s.ReadFrame()
		require.NoError(t, err)
		require.True(t, frame.IsStatus())
	}

	frame, err := s.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, 4, frame.Header.Samples)
	assert.Equal(t, int64(1), frame.Header.StartCounter)
	assert.Equal(t, int64(4), frame.Header.EndCounter)
	assert.Equal(t, 8, frame.PayloadBytes())

	decoded := frame.Decode()
	require.Len(t, decoded, 4)
	assert.InDelta(t, 0.5, real(decoded[0]), 1.0/127)
	assert.InDelta(t, -0.5, imag(decoded[0]), 1.0/127)
	for _, v := range decoded[1:] {
		assert.Equal(t, complex64(0), v)
	}

	_, err = ctrl.Send(ctx, command.SetStreaming(false))
	require.NoError(t, err)
	assert.False(t, dev.Streaming())
}

func TestDeviceRemoteConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrequencyStep = 10000
	cfg.SampleRates = []int64{100000, 250000, 500000}
	cfg.SkipInitialStatus = true
	dev := NewDevice(cfg, WithLogger(zerolog.Nop()))
	endpoint := serve(t, dev)
	s := openStream(t, endpoint, session.FormatFloat32)
	ctrl := commands(t, endpoint)
	ctx := context.Background()

	_, err := ctrl.Send(ctx, command.SetSampleRate(300000))
	require.NoError(t, err)
	_, err = ctrl.Send(ctx, command.SetCenterFrequency(145503000))
	require.NoError(t, err)

	assert.Equal(t, session.Status{CenterFrequency: 145500000, SampleRate: 250000}, dev.State())
	assert.Equal(t, []int64{145503000}, dev.CenterFrequencyRequests())
	assert.Len(t, dev.Requests(), 3)

	var last *session.Frame
	for i := 0; i < 3; i++ {
		last, err = s.ReadFrame()
		require.NoError(t, err)
	}
	assert.Equal(t, session.Status{CenterFrequency: 145500000, SampleRate: 250000}, last.Status())
}

func TestDeviceRemoteConfigWithBackedUpStream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FreeRunning = true
	dev := NewDevice(cfg, WithLogger(zerolog.Nop()))
	endpoint := serve(t, dev)
	openStream(t, endpoint, session.FormatFloat32)
	ctrl := commands(t, endpoint)

	// nobody reads the stream, so frames pile up until EmitSamples blocks
	block := make([]complex64, 65536)
	full := false
	for i := 0; i < 1000 && !full; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		full = dev.EmitSamples(ctx, block) != nil
		cancel()
	}
	require.True(t, full, "stream never backed up")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	_, err := ctrl.Send(ctx, command.SetCenterFrequency(433920000))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(433920000), dev.State().CenterFrequency)
}

func TestDeviceRejections(t *testing.T) {
	dev := NewDevice(DefaultConfig(), WithLogger(zerolog.Nop()))
	endpoint := serve(t, dev)
	ctx := context.Background()

	ctrl, err := command.New(endpoint, command.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	_, err = ctrl.Send(ctx, command.SetDemodulatorTarget("Block_Spectrum_0"))
	var cmdErr *command.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, http.StatusNotFound, cmdErr.Status)

	ctrl = commands(t, endpoint)
	dev.FailNext(http.StatusBadGateway)
	_, err = ctrl.Send(ctx, command.SetStreaming(true))
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, http.StatusBadGateway, cmdErr.Status)
	assert.False(t, dev.Streaming())

	_, err = ctrl.Send(ctx, command.SetStreaming(true))
	require.NoError(t, err)

	_, err = session.Open(ctx, endpoint, session.WithFormat("int4"), session.WithLogger(zerolog.Nop()))
	assert.Error(t, err)
}

func TestDeviceReportStatus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipInitialStatus = true
	dev := NewDevice(cfg, WithLogger(zerolog.Nop()))
	s := openStream(t, serve(t, dev), session.FormatFloat32)

	<-dev.Connected()
	require.NoError(t, dev.ReportStatus(context.Background(), 96900000, 0))

	frame, err := s.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, session.Status{CenterFrequency: 96900000, SampleRate: 100000}, frame.Status())
}

func TestDeviceDropStreams(t *testing.T) {
	dev := NewDevice(DefaultConfig(), WithLogger(zerolog.Nop()))
	s := openStream(t, serve(t, dev), session.FormatFloat32)

	_, err := s.ReadFrame()
	require.NoError(t, err)

	dev.DropStreams()
	_, err = s.ReadFrame()
	var transportErr *session.TransportError
	assert.ErrorAs(t, err, &transportErr)
	assert.False(t, s.IsOpen())
}

func TestDeviceRunToneSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipInitialStatus = true
	cfg.FreeRunning = true
	dev := NewDevice(cfg, WithLogger(zerolog.Nop()), WithSource(NewToneSource(1000, 0.5, 1000)))
	s := openStream(t, serve(t, dev), session.FormatFloat32)
	<-dev.Connected()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- dev.Run(ctx) }()

	frame, err := s.ReadFrame()
	require.NoError(t, err)
	samples := frame.Decode()
	require.Len(t, samples, 1000)
	for _, v := range samples {
		mag := real(v)*real(v) + imag(v)*imag(v)
		require.InDelta(t, 0.25, mag, 1e-4)
	}

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestDeviceRunRejectsHighRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleRate = 50e6
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.cs8")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))

	src, err := NewFileSource(path, 32, time.Millisecond)
	require.NoError(t, err)
	dev := NewDevice(cfg, WithLogger(zerolog.Nop()), WithSource(src))
	assert.Error(t, dev.Run(context.Background()))

	assert.Error(t, NewDevice(cfg, WithLogger(zerolog.Nop())).Run(context.Background()))
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.cs8")
	capture := []byte{0x7f, 0x81, 64, 0xc0, 0, 0, 0x80, 0x7f, 0xe0, 32}
	require.NoError(t, os.WriteFile(path, capture, 0o644))

	src, err := NewFileSource(path, 5, time.Millisecond)
	require.NoError(t, err)
	defer src.Stop()

	out := make(chan *types.SegmentComplex64, 4)
	err = src.Start(context.Background(), 100e6, 100000, out)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, out, 3)

	first := <-out
	assert.Equal(t, 1, first.SegmentNumber)
	assert.Equal(t, 100000, first.SampleRate)
	assert.Equal(t, []complex64{complex(1, -1), complex(float32(64)/127, float32(-64)/127)}, first.Data)

	second := <-out
	assert.Equal(t, 2, second.SegmentNumber)
	assert.Equal(t, []complex64{0, complex(float32(-128)/127, 1)}, second.Data)

	last := <-out
	assert.Equal(t, 3, last.SegmentNumber)
	require.Len(t, last.Data, 1)
	assert.InDelta(t, -0.25, real(last.Data[0]), 1.0/127)
	assert.InDelta(t, 0.25, imag(last.Data[0]), 1.0/127)
}

func TestFileSourceRejectsEmptyBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.cs8")
	require.NoError(t, os.WriteFile(path, make([]byte, 8), 0o644))

	_, err := NewFileSource(path, 1, time.Millisecond)
	assert.Error(t, err)
	_, err = NewFileSource(path, 8, 0)
	assert.Error(t, err)
	_, err = NewFileSource(filepath.Join(t.TempDir(), "missing.cs8"), 8, time.Millisecond)
	assert.Error(t, err)
}
