package session

import (
	"net"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 54664
)

// Endpoint addresses the device's HTTP API.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Validate() error {
	if e.Host == "" {
		return errors.New("empty host")
	}
	if e.Port < 1 || e.Port > 65535 {
		return errors.Errorf("port %d out of range 1-65535", e.Port)
	}
	return nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL builds an absolute http URL for path on this endpoint.
func (e Endpoint) URL(path string, query url.Values) string {
	u := url.URL{
		Scheme: "http",
		Host:   e.String(),
		Path:   path,
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// ParseEndpoint splits "host:port".
func ParseEndpoint(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "parse endpoint %q", hostport)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "parse port %q", portStr)
	}
	e := Endpoint{Host: host, Port: port}
	return e, e.Validate()
}
