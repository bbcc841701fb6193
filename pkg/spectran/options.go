package spectran

import (
	"net/http"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"

	"github.com/norasector/spectran/pkg/spectran/session"
)

type ClientOption func(c *Client) error

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithInfluxDB enables per-frame metrics.
func WithInfluxDB(writeAPI api.WriteAPI) ClientOption {
	return func(c *Client) error {
		c.writeAPI = writeAPI
		c.metrics = true
		return nil
	}
}

func WithFormat(format session.Format) ClientOption {
	return func(c *Client) error {
		if err := format.Validate(); err != nil {
			return err
		}
		c.format = format
		return nil
	}
}

func WithHandshakeTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithFrequencyRange sets the tuning range enforced before commands are sent.
func WithFrequencyRange(min, max int64) ClientOption {
	return func(c *Client) error {
		c.minFreq = min
		c.maxFreq = max
		return nil
	}
}

// WithCommandHTTPClient replaces the HTTP client used for control requests.
func WithCommandHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) error {
		c.commandHTTPClient = client
		return nil
	}
}
