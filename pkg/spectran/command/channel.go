package command

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/spectran/pkg/spectran/session"
	"github.com/norasector/spectran/pkg/util"
)

const (
	// Spectran V6 tuning range.
	DefaultMinFrequency int64 = 9e3
	DefaultMaxFrequency int64 = 6e9

	DefaultTimeout = 5 * time.Second

	maxErrorBody = 512
)

// Channel sends device-control commands. Each command is its own HTTP request
// and either fully succeeds or leaves the channel untouched.
type Channel struct {
	endpoint session.Endpoint
	client   *http.Client
	logger   zerolog.Logger
	minFreq  int64
	maxFreq  int64

	mu         sync.Mutex
	target     string
	sampleRate int64
}

type Option func(c *Channel)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Channel) {
		c.client = client
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

func WithFrequencyRange(min, max int64) Option {
	return func(c *Channel) {
		c.minFreq = min
		c.maxFreq = max
	}
}

func New(endpoint session.Endpoint, opts ...Option) (*Channel, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}

	c := &Channel{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   log.Logger,
		minFreq:  DefaultMinFrequency,
		maxFreq:  DefaultMaxFrequency,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.minFreq < 0 || c.maxFreq < c.minFreq {
		return nil, errors.Errorf("invalid frequency range %d-%d", c.minFreq, c.maxFreq)
	}
	c.logger = c.logger.With().Str("endpoint", endpoint.String()).Logger()

	return c, nil
}

// Target is the demodulator block commands are addressed to.
func (c *Channel) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// SampleRate is the last sample rate the device accepted.
func (c *Channel) SampleRate() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampleRate
}

// Send delivers cmd. It never decides whether a command is redundant.
func (c *Channel) Send(ctx context.Context, cmd Command) (Ack, error) {
	if err := cmd.validate(c.minFreq, c.maxFreq); err != nil {
		return Ack{}, &CommandError{Kind: cmd.Kind, Err: err}
	}

	c.mu.Lock()
	target, sampleRate := c.target, c.sampleRate
	c.mu.Unlock()

	if cmd.Kind == KindSetDemodulatorTarget {
		target = cmd.Target
	}
	if target == "" {
		return Ack{}, &CommandError{Kind: cmd.Kind, Err: errors.New("no demodulator target set")}
	}

	path, body := c.encode(cmd, target, sampleRate)

	logger := c.logger.With().Str("command", cmd.Kind.String()).Str("receiver", target).Logger()
	switch cmd.Kind {
	case KindSetCenterFrequency:
		logger.Debug().Str("center_freq", util.MHzToString(cmd.Frequency)).Msg("sending command")
	case KindSetSampleRate:
		logger.Debug().Str("sample_rate", util.MHzToString(cmd.SampleRate)).Msg("sending command")
	case KindSetStreaming:
		logger.Debug().Bool("enabled", cmd.Enabled).Msg("sending command")
	default:
		logger.Debug().Msg("sending command")
	}

	status, err := c.put(ctx, path, body)
	if err != nil {
		logger.Warn().Err(err).Int("status", status).Msg("command failed")
		return Ack{}, &CommandError{Kind: cmd.Kind, Status: status, Err: err}
	}

	c.mu.Lock()
	switch cmd.Kind {
	case KindSetDemodulatorTarget:
		c.target = cmd.Target
	case KindSetSampleRate:
		c.sampleRate = cmd.SampleRate
	}
	c.mu.Unlock()

	return Ack{Kind: cmd.Kind, Status: status}, nil
}

func (c *Channel) encode(cmd Command, target string, sampleRate int64) (string, interface{}) {
	switch cmd.Kind {
	case KindSetStreaming:
		req := ControlRequest{ReceiverName: target, Type: ControlStop}
		if cmd.Enabled {
			req.Type = ControlStart
		}
		return ControlPath, req
	case KindSetCenterFrequency:
		return RemoteConfigPath, RemoteConfig{
			ReceiverName: target,
			SimpleConfig: SimpleConfig{Main: MainConfig{
				CenterFreq: cmd.Frequency,
				SampleRate: sampleRate,
				SpanFreq:   sampleRate,
			}},
		}
	case KindSetSampleRate:
		return RemoteConfigPath, RemoteConfig{
			ReceiverName: target,
			SimpleConfig: SimpleConfig{Main: MainConfig{
				SampleRate: cmd.SampleRate,
				SpanFreq:   cmd.SampleRate,
			}},
		}
	default:
		return RemoteConfigPath, RemoteConfig{ReceiverName: target}
	}
}

func (c *Channel) put(ctx context.Context, path string, body interface{}) (int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, errors.Wrap(err, "encode command")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint.URL(path, nil), bytes.NewReader(encoded))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "deliver command")
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, errors.New(text)
	}

	return resp.StatusCode, nil
}
