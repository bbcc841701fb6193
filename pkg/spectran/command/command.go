package command

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/norasector/spectran/pkg/util"
)

type Kind int

const (
	KindSetCenterFrequency Kind = iota + 1
	KindSetStreaming
	KindSetDemodulatorTarget
	KindSetSampleRate
)

func (k Kind) String() string {
	switch k {
	case KindSetCenterFrequency:
		return "set_center_frequency"
	case KindSetStreaming:
		return "set_streaming"
	case KindSetDemodulatorTarget:
		return "set_demodulator_target"
	case KindSetSampleRate:
		return "set_sample_rate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is a single device-control request. Only the field matching Kind is
// meaningful.
type Command struct {
	Kind       Kind
	Frequency  int64
	Enabled    bool
	Target     string
	SampleRate int64
}

func SetCenterFrequency(hz int64) Command {
	return Command{Kind: KindSetCenterFrequency, Frequency: hz}
}

func SetStreaming(enabled bool) Command {
	return Command{Kind: KindSetStreaming, Enabled: enabled}
}

func SetDemodulatorTarget(name string) Command {
	return Command{Kind: KindSetDemodulatorTarget, Target: name}
}

func SetSampleRate(hz int64) Command {
	return Command{Kind: KindSetSampleRate, SampleRate: hz}
}

func (c Command) validate(minFreq, maxFreq int64) error {
	switch c.Kind {
	case KindSetCenterFrequency:
		if c.Frequency < 0 {
			return errors.Errorf("negative frequency %d", c.Frequency)
		}
		if !util.FrequencyInRange(c.Frequency, minFreq, maxFreq) {
			return errors.Errorf("frequency %d outside device range %d-%d", c.Frequency, minFreq, maxFreq)
		}
	case KindSetStreaming:
	case KindSetDemodulatorTarget:
		if strings.TrimSpace(c.Target) == "" {
			return errors.New("empty demodulator target")
		}
	case KindSetSampleRate:
		if c.SampleRate <= 0 {
			return errors.Errorf("sample rate %d must be positive", c.SampleRate)
		}
	default:
		return errors.Errorf("unknown command %s", c.Kind)
	}
	return nil
}

// Ack is the device's acceptance of a command.
type Ack struct {
	Kind   Kind
	Status int
}

// CommandError reports a command that was rejected locally, could not be
// delivered, or was refused by the device. Status is zero unless the device
// answered.
type CommandError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *CommandError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: device returned %d: %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
