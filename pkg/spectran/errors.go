package spectran

import (
	"github.com/norasector/spectran/pkg/spectran/command"
	"github.com/norasector/spectran/pkg/spectran/session"
)

type (
	// ConnectionError is returned by New when the device cannot be reached or
	// refuses the initial configuration. The client does not exist afterwards.
	ConnectionError = session.ConnectionError
	// CommandError is returned by Streaming and SetCenterFrequency. Local
	// state is unchanged when one is returned.
	CommandError = command.CommandError
	// TransportFailure ends the worker. It is never returned to a caller; the
	// client reports it through IsOpen turning false.
	TransportFailure = session.TransportError
)
