// Package output consumes the sample blocks a spectran.Client delivers.
package output

import (
	"context"

	"github.com/norasector/turbine-common/types"
	"golang.org/x/sync/errgroup"
)

const receiveBuffer = 8

// SampleOutput handles sample blocks read from the device.
type SampleOutput interface {
	// Start receives a context and should run in a loop, terminating upon ctx closing or on any errors.
	Start(ctx context.Context) error
	// Receive returns a channel that accepts sample blocks.
	Receive() chan<- *types.SegmentComplex64
}

// Tee copies every block to each of its outputs in turn. A slow output holds
// up the rest.
type Tee struct {
	outputs  []SampleOutput
	recvChan chan *types.SegmentComplex64
}

func NewTee(outputs ...SampleOutput) *Tee {
	return &Tee{
		outputs:  outputs,
		recvChan: make(chan *types.SegmentComplex64, receiveBuffer),
	}
}

func (t *Tee) Receive() chan<- *types.SegmentComplex64 {
	return t.recvChan
}

func (t *Tee) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, out := range t.outputs {
		out := out
		eg.Go(func() error {
			return out.Start(ctx)
		})
	}

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case seg := <-t.recvChan:
				for _, out := range t.outputs {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case out.Receive() <- seg:
					}
				}
			}
		}
	})

	return eg.Wait()
}

// Discard drops everything it receives.
type Discard struct {
	recvChan chan *types.SegmentComplex64
}

func NewDiscard() *Discard {
	return &Discard{recvChan: make(chan *types.SegmentComplex64, receiveBuffer)}
}

func (d *Discard) Receive() chan<- *types.SegmentComplex64 {
	return d.recvChan
}

func (d *Discard) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.recvChan:
		}
	}
}
