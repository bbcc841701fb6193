// Package simulator implements an in-process stand-in for the analyzer's HTTP
// streaming API. It backs the package tests and the `spectran simulate` command.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/norasector/turbine-common/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/spectran/pkg/spectran/command"
	"github.com/norasector/spectran/pkg/spectran/session"
)

const subscriberBuffer = 64

var ErrNotStreaming = errors.New("device is not streaming")

type Config struct {
	// Receivers lists the demodulator blocks that accept commands.
	Receivers       []string
	CenterFrequency int64
	SampleRate      int64
	// FrequencyStep snaps tuned frequencies to a multiple of the step.
	FrequencyStep int64
	// SampleRates, when set, snaps requested rates to the nearest entry.
	SampleRates []int64
	// SkipInitialStatus suppresses the status frame sent on connect.
	SkipInitialStatus bool
	// FreeRunning sends data frames whether or not streaming was started.
	FreeRunning bool
}

func DefaultConfig() Config {
	return Config{
		Receivers:       []string{"Block_IQDemodulator_0"},
		CenterFrequency: 100e6,
		SampleRate:      100000,
	}
}

// Request is a command the device received.
type Request struct {
	Path         string
	RemoteConfig *command.RemoteConfig
	Control      *command.ControlRequest
}

type outgoing struct {
	hdr     session.Header
	samples []complex64
}

type subscriber struct {
	msgs chan outgoing
	drop chan struct{}
	once sync.Once
}

func (s *subscriber) abort() {
	s.once.Do(func() { close(s.drop) })
}

type Device struct {
	cfg    Config
	logger zerolog.Logger
	source Source

	mu          sync.Mutex
	centerFreq  int64
	sampleRate  int64
	streaming   bool
	counter     int64
	requests    []Request
	failNext    int
	subscribers map[*subscriber]struct{}
	connected   chan struct{}
}

type Option func(d *Device)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithSource makes Run stream blocks from src whenever streaming is enabled.
func WithSource(src Source) Option {
	return func(d *Device) {
		d.source = src
	}
}

func NewDevice(cfg Config, opts ...Option) *Device {
	d := &Device{
		cfg:         cfg,
		logger:      log.Logger,
		centerFreq:  cfg.CenterFrequency,
		sampleRate:  cfg.SampleRate,
		subscribers: make(map[*subscriber]struct{}),
		connected:   make(chan struct{}, 16),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handler serves the device API.
func (d *Device) Handler() http.Handler {
	router := httprouter.New()
	router.GET(session.StreamPath, d.handleStream)
	router.PUT(command.RemoteConfigPath, d.handleRemoteConfig)
	router.PUT(command.ControlPath, d.handleControl)
	return router
}

// Serve listens on addr until ctx is done, feeding the configured source.
func (d *Device) Serve(ctx context.Context, addr string) error {
	eg, ctx := errgroup.WithContext(ctx)
	srv := &http.Server{Addr: addr, Handler: d.Handler()}

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		d.logger.Info().Str("addr", addr).Msg("simulated device listening")
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	if d.source != nil {
		eg.Go(func() error {
			return d.Run(ctx)
		})
	}

	return eg.Wait()
}

// Run pumps the source into connected streams until ctx is done or the
// source fails.
func (d *Device) Run(ctx context.Context) error {
	if d.source == nil {
		return errors.New("no source configured")
	}
	defer d.source.Stop()

	state := d.State()
	if int(state.SampleRate) > d.source.MaxSampleRate() {
		return fmt.Errorf("error: sample rate %d > source max sample rate %d", state.SampleRate, d.source.MaxSampleRate())
	}

	segments := make(chan *types.SegmentComplex64, 1)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.source.Start(ctx, int(state.CenterFrequency), int(state.SampleRate), segments)
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case seg := <-segments:
				if err := d.EmitSamples(ctx, seg.Data); err != nil && err != ErrNotStreaming {
					return err
				}
			}
		}
	})

	return eg.Wait()
}

// State returns the device's current tuning.
func (d *Device) State() session.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return session.Status{CenterFrequency: d.centerFreq, SampleRate: d.sampleRate}
}

func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Requests returns a copy of every command received so far.
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.requests))
	copy(out, d.requests)
	return out
}

// CenterFrequencyRequests returns the frequencies of all tuning commands in
// arrival order.
func (d *Device) CenterFrequencyRequests() []int64 {
	var out []int64
	for _, r := range d.Requests() {
		if r.RemoteConfig != nil && r.RemoteConfig.SimpleConfig.Main.CenterFreq != 0 {
			out = append(out, r.RemoteConfig.SimpleConfig.Main.CenterFreq)
		}
	}
	return out
}

// FailNext makes the next command fail with status.
func (d *Device) FailNext(status int) {
	d.mu.Lock()
	d.failNext = status
	d.mu.Unlock()
}

// Connected receives once per accepted stream connection.
func (d *Device) Connected() <-chan struct{} {
	return d.connected
}

// ReportStatus changes the device state on its own, as a device correcting
// its tuning would, and notifies connected streams.
func (d *Device) ReportStatus(ctx context.Context, centerFreq, sampleRate int64) error {
	d.mu.Lock()
	if centerFreq > 0 {
		d.centerFreq = centerFreq
	}
	if sampleRate > 0 {
		d.sampleRate = sampleRate
	}
	msg := outgoing{hdr: d.headerLocked(0)}
	subs := d.subscribersLocked()
	d.mu.Unlock()

	return broadcast(ctx, subs, msg)
}

// EmitSamples sends one data frame to every connected stream. It blocks while
// a stream's buffer is full.
func (d *Device) EmitSamples(ctx context.Context, samples []complex64) error {
	d.mu.Lock()
	if !d.streaming && !d.cfg.FreeRunning {
		d.mu.Unlock()
		return ErrNotStreaming
	}
	msg := outgoing{hdr: d.headerLocked(len(samples)), samples: samples}
	subs := d.subscribersLocked()
	d.mu.Unlock()

	return broadcast(ctx, subs, msg)
}

// DropStreams aborts every connected stream without a clean end of response.
func (d *Device) DropStreams() {
	d.mu.Lock()
	subs := d.subscribersLocked()
	d.mu.Unlock()
	for _, sub := range subs {
		sub.abort()
	}
}

func broadcast(ctx context.Context, subs []*subscriber, msg outgoing) error {
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.drop:
		case sub.msgs <- msg:
		}
	}
	return nil
}

// notify queues msg without waiting and returns how many streams were full.
func notify(subs []*subscriber, msg outgoing) int {
	dropped := 0
	for _, sub := range subs {
		select {
		case sub.msgs <- msg:
		default:
			dropped++
		}
	}
	return dropped
}

func (d *Device) subscribersLocked() []*subscriber {
	subs := make([]*subscriber, 0, len(d.subscribers))
	for sub := range d.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (d *Device) headerLocked(samples int) session.Header {
	half := float64(d.sampleRate) / 2
	hdr := session.Header{
		StartTime:       float64(time.Now().UnixNano()) / 1e9,
		StartFrequency:  float64(d.centerFreq) - half,
		EndFrequency:    float64(d.centerFreq) + half,
		SampleFrequency: float64(d.sampleRate),
	}
	if samples > 0 {
		hdr.StartCounter = d.counter + 1
		d.counter += int64(samples)
		hdr.EndCounter = d.counter
		hdr.EndTime = hdr.StartTime + float64(samples)/float64(d.sampleRate)
	}
	return hdr
}

func (d *Device) handleStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	format := session.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = session.FormatFloat32
	}
	if err := format.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := &subscriber{
		msgs: make(chan outgoing, subscriberBuffer),
		drop: make(chan struct{}),
	}

	d.mu.Lock()
	d.subscribers[sub] = struct{}{}
	if !d.cfg.SkipInitialStatus {
		sub.msgs <- outgoing{hdr: d.headerLocked(0)}
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.subscribers, sub)
		d.mu.Unlock()
		sub.abort()
	}()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	select {
	case d.connected <- struct{}{}:
	default:
	}

	logger := d.logger.With().Str("remote", r.RemoteAddr).Str("format", string(format)).Logger()
	logger.Debug().Msg("stream client connected")

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Msg("stream client gone")
			return
		case <-sub.drop:
			logger.Debug().Msg("dropping stream")
			panic(http.ErrAbortHandler)
		case msg := <-sub.msgs:
			if err := session.WriteFrame(w, msg.hdr, msg.samples, format); err != nil {
				logger.Debug().Err(err).Msg("stream write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func (d *Device) takeFailure() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.failNext
	d.failNext = 0
	return status
}

func (d *Device) knownReceiver(name string) bool {
	for _, r := range d.cfg.Receivers {
		if r == name {
			return true
		}
	}
	return false
}

func (d *Device) handleRemoteConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req command.RemoteConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	d.requests = append(d.requests, Request{Path: command.RemoteConfigPath, RemoteConfig: &req})
	d.mu.Unlock()

	if status := d.takeFailure(); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}
	if !d.knownReceiver(req.ReceiverName) {
		http.Error(w, fmt.Sprintf("unknown receiver %q", req.ReceiverName), http.StatusNotFound)
		return
	}

	mc := req.SimpleConfig.Main
	d.mu.Lock()
	if mc.SampleRate > 0 {
		d.sampleRate = d.snapSampleRate(mc.SampleRate)
	}
	if mc.CenterFreq > 0 {
		d.centerFreq = d.snapFrequency(mc.CenterFreq)
	}
	msg := outgoing{hdr: d.headerLocked(0)}
	subs := d.subscribersLocked()
	d.mu.Unlock()

	d.logger.Debug().
		Str("receiver", req.ReceiverName).
		Int64("center_freq", mc.CenterFreq).
		Int64("sample_rate", mc.SampleRate).
		Msg("remote config applied")

	// The device echoes its resulting state on the stream. A stream that is
	// backed up misses the echo and sees the state on its next data frame.
	if dropped := notify(subs, msg); dropped > 0 {
		d.logger.Debug().Int("streams", dropped).Msg("status echo dropped on full stream")
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

func (d *Device) handleControl(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req command.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	d.requests = append(d.requests, Request{Path: command.ControlPath, Control: &req})
	d.mu.Unlock()

	if status := d.takeFailure(); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}
	if !d.knownReceiver(req.ReceiverName) {
		http.Error(w, fmt.Sprintf("unknown receiver %q", req.ReceiverName), http.StatusNotFound)
		return
	}

	d.mu.Lock()
	switch req.Type {
	case command.ControlStart:
		d.streaming = true
	case command.ControlStop:
		d.streaming = false
	default:
		d.mu.Unlock()
		http.Error(w, fmt.Sprintf("unknown control type %q", req.Type), http.StatusBadRequest)
		return
	}
	d.mu.Unlock()

	d.logger.Debug().Str("receiver", req.ReceiverName).Str("type", req.Type).Msg("control applied")

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

func (d *Device) snapFrequency(hz int64) int64 {
	step := d.cfg.FrequencyStep
	if step <= 0 {
		return hz
	}
	return (hz + step/2) / step * step
}

func (d *Device) snapSampleRate(hz int64) int64 {
	if len(d.cfg.SampleRates) == 0 {
		return hz
	}
	best := d.cfg.SampleRates[0]
	for _, sr := range d.cfg.SampleRates[1:] {
		if abs(sr-hz) < abs(best-hz) {
			best = sr
		}
	}
	return best
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
