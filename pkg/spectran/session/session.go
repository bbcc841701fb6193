package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StreamPath = "/stream"

	DefaultHandshakeTimeout = 5 * time.Second

	readBufferSize = 256 * 1024
)

// Session is the data connection to one device endpoint. It is opened by a
// successful handshake and, once closed, stays closed.
type Session struct {
	endpoint Endpoint
	format   Format
	logger   zerolog.Logger

	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc

	open      atomic.Bool
	closeOnce sync.Once

	// only touched by the reading goroutine
	lastEndCounter int64
	haveCounter    bool

	dropped atomic.Int64
}

type options struct {
	format           Format
	handshakeTimeout time.Duration
	httpClient       *http.Client
	logger           zerolog.Logger
}

type Option func(o *options)

func WithFormat(format Format) Option {
	return func(o *options) {
		o.format = format
	}
}

func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = timeout
	}
}

// WithHTTPClient replaces the client used for the stream request. The client
// must not set an overall Timeout or the stream is cut off after it.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func streamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: timeout,
			DisableCompression:    true,
		},
	}
}

// Open performs the stream handshake against endpoint. ctx bounds the
// handshake only; once Open returns, Close is the only way to end the session.
func Open(ctx context.Context, endpoint Endpoint, opts ...Option) (*Session, error) {
	o := options{
		format:           FormatFloat32,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           log.Logger,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := endpoint.Validate(); err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	if err := o.format.Validate(); err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	if o.httpClient == nil {
		o.httpClient = streamClient(o.handshakeTimeout)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		endpoint.URL(StreamPath, url.Values{"format": {string(o.format)}}), nil)
	if err != nil {
		cancel()
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}

	stopHandshake := context.AfterFunc(ctx, cancel)
	resp, err := o.httpClient.Do(req)
	if !stopHandshake() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, &ConnectionError{Endpoint: endpoint, Err: ctx.Err()}
	}
	if err != nil {
		cancel()
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &ConnectionError{
			Endpoint: endpoint,
			Err:      errors.Wrapf(ErrMalformedGreeting, "stream request returned %s", resp.Status),
		}
	}

	s := &Session{
		endpoint: endpoint,
		format:   o.format,
		logger:   o.logger.With().Str("endpoint", endpoint.String()).Logger(),
		body:     resp.Body,
		reader:   bufio.NewReaderSize(resp.Body, readBufferSize),
		cancel:   cancel,
	}
	s.open.Store(true)

	s.logger.Debug().Str("format", string(o.format)).Msg("stream session open")

	return s, nil
}

func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

func (s *Session) Format() Format {
	return s.format
}

// IsOpen reports the last known transport state without blocking.
func (s *Session) IsOpen() bool {
	return s.open.Load()
}

// Dropped returns the number of samples lost to counter gaps so far.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// Close releases the transport. Only the first call has any effect. A read
// blocked in ReadFrame returns with an error.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.open.Store(false)
		s.cancel()
		err = s.body.Close()
		s.logger.Debug().Msg("stream session closed")
	})
	return err
}

// ReadFrame blocks until the next frame arrives. Any error closes the session
// and is returned as a *TransportError. It must only be called from one
// goroutine.
func (s *Session) ReadFrame() (*Frame, error) {
	if !s.IsOpen() {
		return nil, &TransportError{Endpoint: s.endpoint, Err: ErrClosed}
	}

	frame, err := ReadFrame(s.reader, s.format)
	if err != nil {
		if !s.IsOpen() {
			err = ErrClosed
		}
		s.Close()
		return nil, &TransportError{Endpoint: s.endpoint, Err: err}
	}

	if !frame.IsStatus() {
		s.trackCounters(frame.Header)
	}

	return frame, nil
}

func (s *Session) trackCounters(hdr Header) {
	if hdr.EndCounter == 0 {
		return
	}
	if s.haveCounter {
		if gap := hdr.StartCounter - s.lastEndCounter - 1; gap > 0 {
			s.dropped.Add(gap)
			s.logger.Warn().Int64("dropped_samples", gap).Msg("gap in stream counters")
		}
	}
	s.lastEndCounter = hdr.EndCounter
	s.haveCounter = true
}
