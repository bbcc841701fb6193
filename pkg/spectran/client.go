// Package spectran streams IQ samples from a Spectran network analyzer.
//
// A Client owns one stream session and one background worker. The worker
// reads frames from the device, writes sample blocks to a caller-supplied
// channel and republishes device status changes through two event buses.
package spectran

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/turbine-common/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/spectran/pkg/spectran/command"
	"github.com/norasector/spectran/pkg/spectran/eventbus"
	"github.com/norasector/spectran/pkg/spectran/session"
	"github.com/norasector/spectran/pkg/util"
)

// DeviceState is the tuning last reported by the device. It can differ from
// what was requested.
type DeviceState struct {
	CenterFrequency int64
	SampleRate      int64
}

type Stats struct {
	Frames         int64
	Delivered      int64
	Discarded      int64
	DroppedSamples int64
}

type Client struct {
	endpoint session.Endpoint
	output   chan<- *types.SegmentComplex64
	logger   zerolog.Logger
	writeAPI api.WriteAPI
	metrics  bool

	format            session.Format
	handshakeTimeout  time.Duration
	minFreq, maxFreq  int64
	commandHTTPClient *http.Client

	sess     *session.Session
	commands *command.Channel
	worker   *streamWorker

	centerFreqChanged *eventbus.Bus[float64]
	samplerateChanged *eventbus.Bus[float64]

	streaming atomic.Bool

	// mu guards state and lastFrequency, shared between the caller and the worker.
	mu            sync.Mutex
	state         DeviceState
	lastFrequency int64

	closeOnce sync.Once
}

// New connects to host:port, selects demodulatorTarget and requests
// requestedSampleRate. The worker is not started. output is written to but
// never closed; it must stay valid until Close returns.
func New(
	ctx context.Context,
	host string,
	port int,
	output chan<- *types.SegmentComplex64,
	requestedSampleRate int64,
	demodulatorTarget string,
	opts ...ClientOption,
) (*Client, error) {
	endpoint := session.Endpoint{Host: strings.TrimSpace(host), Port: port}
	if err := endpoint.Validate(); err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	if output == nil {
		return nil, errors.New("nil output stream")
	}
	if requestedSampleRate <= 0 {
		return nil, errors.Errorf("requested sample rate %d must be positive", requestedSampleRate)
	}
	demodulatorTarget = strings.TrimSpace(demodulatorTarget)
	if demodulatorTarget == "" {
		return nil, errors.New("empty demodulator target")
	}

	c := &Client{
		endpoint:          endpoint,
		output:            output,
		logger:            log.Logger,
		writeAPI:          &util.NopWriteAPI{},
		format:            session.FormatFloat32,
		handshakeTimeout:  session.DefaultHandshakeTimeout,
		minFreq:           command.DefaultMinFrequency,
		maxFreq:           command.DefaultMaxFrequency,
		centerFreqChanged: eventbus.New[float64](),
		samplerateChanged: eventbus.New[float64](),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.logger = c.logger.With().Str("endpoint", endpoint.String()).Logger()

	commandOpts := []command.Option{
		command.WithLogger(c.logger),
		command.WithFrequencyRange(c.minFreq, c.maxFreq),
	}
	if c.commandHTTPClient != nil {
		commandOpts = append(commandOpts, command.WithHTTPClient(c.commandHTTPClient))
	}
	commands, err := command.New(endpoint, commandOpts...)
	if err != nil {
		return nil, err
	}
	c.commands = commands

	sess, err := session.Open(ctx, endpoint,
		session.WithFormat(c.format),
		session.WithHandshakeTimeout(c.handshakeTimeout),
		session.WithLogger(c.logger),
	)
	if err != nil {
		return nil, err
	}
	c.sess = sess

	for _, cmd := range []command.Command{
		command.SetDemodulatorTarget(demodulatorTarget),
		command.SetSampleRate(requestedSampleRate),
	} {
		if _, err := c.commands.Send(ctx, cmd); err != nil {
			sess.Close()
			return nil, &ConnectionError{Endpoint: endpoint, Err: err}
		}
	}

	c.worker = newStreamWorker(c)

	c.logger.Info().
		Str("receiver", demodulatorTarget).
		Str("sample_rate", util.MHzToString(requestedSampleRate)).
		Str("format", string(c.format)).
		Msg("connected")

	return c, nil
}

func (c *Client) Endpoint() session.Endpoint {
	return c.endpoint
}

// IsOpen reports whether the stream session is still up. It turns false on
// Close and when the worker loses the transport.
func (c *Client) IsOpen() bool {
	return c.sess.IsOpen()
}

// StartWorker starts pulling frames. Calling it while the worker runs is a
// no-op; a stopped worker cannot be restarted.
func (c *Client) StartWorker() error {
	return c.worker.start()
}

func (c *Client) WorkerState() WorkerState {
	return c.worker.State()
}

// Streaming tells the device to start or stop sending samples. While disabled
// the worker discards data frames but keeps processing status.
func (c *Client) Streaming(ctx context.Context, enabled bool) error {
	if !c.IsOpen() {
		return &CommandError{Kind: command.KindSetStreaming, Err: session.ErrClosed}
	}
	if _, err := c.commands.Send(ctx, command.SetStreaming(enabled)); err != nil {
		return err
	}
	c.streaming.Store(enabled)
	c.logger.Info().Bool("enabled", enabled).Msg("streaming")
	return nil
}

// SetCenterFrequency tunes the device unless hz equals the last frequency
// sent or reported, in which case nothing is sent.
func (c *Client) SetCenterFrequency(ctx context.Context, hz int64) error {
	if !c.IsOpen() {
		return &CommandError{Kind: command.KindSetCenterFrequency, Err: session.ErrClosed}
	}

	c.mu.Lock()
	if hz == c.lastFrequency {
		c.mu.Unlock()
		return nil
	}
	previous := c.lastFrequency
	c.lastFrequency = hz
	c.mu.Unlock()

	if _, err := c.commands.Send(ctx, command.SetCenterFrequency(hz)); err != nil {
		c.mu.Lock()
		if c.lastFrequency == hz {
			c.lastFrequency = previous
		}
		c.mu.Unlock()
		return err
	}

	c.logger.Debug().Str("center_freq", util.MHzToString(hz)).Msg("tuned")
	return nil
}

// State returns the device state as last reported.
func (c *Client) State() DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Stats() Stats {
	return Stats{
		Frames:         c.worker.frames.Load(),
		Delivered:      c.worker.delivered.Load(),
		Discarded:      c.worker.discarded.Load(),
		DroppedSamples: c.sess.Dropped(),
	}
}

// OnCenterFrequencyChanged fires with the new center frequency in Hz whenever
// the device reports a change. Callbacks run on the worker goroutine, in bind
// order, and block frame processing while they run. They may call
// SetCenterFrequency, Streaming and Close.
func (c *Client) OnCenterFrequencyChanged() *eventbus.Bus[float64] {
	return c.centerFreqChanged
}

// OnSamplerateChanged fires with the new sample rate in Hz. The same threading
// rules as OnCenterFrequencyChanged apply.
func (c *Client) OnSamplerateChanged() *eventbus.Bus[float64] {
	return c.samplerateChanged
}

// Close stops the worker and closes the session. It does not wait on a full
// output channel: a pending block write is abandoned. Called from a callback it
// returns before the worker exits. Further calls return nil.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.sess.Close()
		c.worker.stop()
		c.centerFreqChanged.Clear()
		c.samplerateChanged.Clear()
		c.logger.Info().Msg("closed")
	})
	return err
}

// applyStatus records a device report and fires events for changed fields.
// Called only by the worker.
func (c *Client) applyStatus(st session.Status) {
	c.mu.Lock()
	freqChanged := st.CenterFrequency != 0 && st.CenterFrequency != c.state.CenterFrequency
	rateChanged := st.SampleRate != 0 && st.SampleRate != c.state.SampleRate
	if freqChanged {
		c.state.CenterFrequency = st.CenterFrequency
		c.lastFrequency = st.CenterFrequency
	}
	if rateChanged {
		c.state.SampleRate = st.SampleRate
	}
	c.mu.Unlock()

	if (freqChanged || rateChanged) && c.metrics {
		go c.writeAPI.WritePoint(influxdb2.NewPoint("spectran.status",
			map[string]string{
				"endpoint": c.endpoint.String(),
			},
			map[string]interface{}{
				"center_freq": st.CenterFrequency,
				"sample_rate": st.SampleRate,
			}, time.Now()))
	}

	if freqChanged {
		c.logger.Info().Str("center_freq", util.MHzToString(st.CenterFrequency)).Msg("device center frequency changed")
		c.centerFreqChanged.Emit(float64(st.CenterFrequency))
	}
	if rateChanged {
		c.logger.Info().Str("sample_rate", util.MHzToString(st.SampleRate)).Msg("device sample rate changed")
		c.samplerateChanged.Emit(float64(st.SampleRate))
	}
}
