package command

const (
	RemoteConfigPath = "/remoteconfig"
	ControlPath      = "/control"

	ControlStart = "start"
	ControlStop  = "stop"
)

// RemoteConfig is the body of a PUT to RemoteConfigPath.
type RemoteConfig struct {
	ReceiverName string       `json:"receiverName"`
	SimpleConfig SimpleConfig `json:"simpleconfig"`
}

type SimpleConfig struct {
	Main MainConfig `json:"main"`
}

type MainConfig struct {
	CenterFreq int64 `json:"centerfreq,omitempty"`
	SampleRate int64 `json:"samplerate,omitempty"`
	SpanFreq   int64 `json:"spanfreq,omitempty"`
}

// ControlRequest is the body of a PUT to ControlPath.
type ControlRequest struct {
	ReceiverName string `json:"receiverName"`
	Type         string `json:"type"`
}
