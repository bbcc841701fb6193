package simulator

import (
	"context"

	"github.com/norasector/turbine-common/types"
)

// Source produces IQ segments for the simulated device while it streams.
type Source interface {
	Start(ctx context.Context, centerFreq int, sampleRate int, complexSamples chan *types.SegmentComplex64) error
	Stop() error
	MaxSampleRate() int
}
