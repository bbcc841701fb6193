package spectran

import (
	"context"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/norasector/turbine-common/types"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/norasector/spectran/pkg/spectran/session"
	"github.com/norasector/spectran/pkg/util"
)

type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var ErrWorkerStopped = errors.New("stream worker stopped")

// streamWorker is the single goroutine reading the session.
type streamWorker struct {
	client *Client

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// inCallback is set while the worker runs bus callbacks.
	inCallback atomic.Bool

	segNum    int
	frames    atomic.Int64
	delivered atomic.Int64
	discarded atomic.Int64
}

func newStreamWorker(c *Client) *streamWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &streamWorker{
		client: c,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (w *streamWorker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *streamWorker) start() error {
	if w.state.CompareAndSwap(int32(WorkerIdle), int32(WorkerRunning)) {
		go w.run()
		return nil
	}
	if w.State() == WorkerRunning {
		return nil
	}
	return ErrWorkerStopped
}

// stop cancels the loop and waits for it to exit. Called from a callback, it
// returns without waiting and the loop exits once the callback returns.
func (w *streamWorker) stop() {
	w.cancel()
	if w.state.CompareAndSwap(int32(WorkerIdle), int32(WorkerStopped)) {
		return
	}
	if w.inCallback.Load() {
		return
	}
	<-w.done
}

func (w *streamWorker) run() {
	c := w.client
	logger := c.logger.With().Str("component", "stream_worker").Logger()

	defer func() {
		w.state.Store(int32(WorkerStopped))
		close(w.done)
		logger.Debug().Msg("worker stopped")
	}()

	logger.Debug().Msg("worker running")

	for {
		frame, err := c.sess.ReadFrame()
		if err != nil {
			if w.ctx.Err() == nil && !errors.Is(err, session.ErrClosed) {
				logger.Error().Err(err).Msg("stream transport failed")
				go c.writeAPI.WritePoint(influxdb2.NewPoint("spectran.link",
					map[string]string{
						"endpoint": c.endpoint.String(),
					},
					map[string]interface{}{
						"lost": 1,
					}, time.Now()))
			}
			return
		}
		w.frames.Add(1)

		w.inCallback.Store(true)
		c.applyStatus(frame.Status())
		w.inCallback.Store(false)
		if w.ctx.Err() != nil {
			return
		}

		if frame.IsStatus() {
			continue
		}

		if !c.streaming.Load() {
			w.discarded.Add(1)
			w.reportFrame(frame, nil, 0, true)
			continue
		}

		samples, decodeDuration := util.TimedMicroseconds(frame.Decode)

		w.segNum++
		seg := &types.SegmentComplex64{
			Data:          samples,
			SegmentNumber: w.segNum,
		}

		select {
		case <-w.ctx.Done():
			return
		case c.output <- seg:
		}
		w.delivered.Add(1)

		w.reportFrame(frame, samples, decodeDuration, false)
	}
}

func (w *streamWorker) reportFrame(frame *session.Frame, samples []complex64, decodeDuration int64, discarded bool) {
	c := w.client
	if !c.metrics {
		return
	}

	go func() {
		fields := map[string]interface{}{
			"samples":         frame.Header.Samples,
			"bytes":           frame.PayloadBytes(),
			"decode_duration": decodeDuration,
			"discarded":       discarded,
		}
		if len(samples) > 0 {
			fields["mean_power"] = meanPower(samples)
		}

		c.writeAPI.WritePoint(influxdb2.NewPoint("spectran.frame",
			map[string]string{
				"endpoint": c.endpoint.String(),
				"format":   string(c.format),
			},
			fields, time.Now()))
	}()
}

func meanPower(samples []complex64) float64 {
	power := make([]float64, len(samples))
	for i, s := range samples {
		re, im := float64(real(s)), float64(imag(s))
		power[i] = re*re + im*im
	}
	return stat.Mean(power, nil)
}
