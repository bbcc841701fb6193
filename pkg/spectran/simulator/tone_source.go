package simulator

import (
	"context"
	"math"
	"time"

	"github.com/norasector/turbine-common/types"
)

const (
	tau float64 = math.Pi * 2
)

// ToneSource emits a single complex tone offset from the center frequency,
// paced so that blocks arrive at the configured sample rate.
type ToneSource struct {
	offset    int
	amplitude float32
	blockSize int

	phase          float64
	phaseIncrement float64
}

func NewToneSource(offset int, amplitude float32, blockSize int) *ToneSource {
	return &ToneSource{
		offset:    offset,
		amplitude: amplitude,
		blockSize: blockSize,
	}
}

func (w *ToneSource) incrementPhase() {
	w.phase += w.phaseIncrement
	if w.phase > tau {
		w.phase -= tau
	} else if w.phase < -tau {
		w.phase += tau
	}
}

func (w *ToneSource) work(out []complex64) {
	for i := range out {
		sin, cos := math.Sincos(w.phase)
		out[i] = complex(float32(cos)*w.amplitude, float32(sin)*w.amplitude)
		w.incrementPhase()
	}
}

func (w *ToneSource) Start(ctx context.Context, centerFreq int, sampleRate int, complexSamples chan *types.SegmentComplex64) error {
	w.phaseIncrement = float64(w.offset) * tau / float64(sampleRate)

	interval := time.Duration(float64(w.blockSize) / float64(sampleRate) * float64(time.Second))
	tick := time.NewTicker(interval)
	defer tick.Stop()

	segNum := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			segNum++
			seg := &types.SegmentComplex64{
				Data:          make([]complex64, w.blockSize),
				SegmentNumber: segNum,
			}
			w.work(seg.Data)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case complexSamples <- seg:
			}
		}
	}
}

func (w *ToneSource) Stop() error {
	return nil
}

func (w *ToneSource) MaxSampleRate() int {
	return 245e6
}
