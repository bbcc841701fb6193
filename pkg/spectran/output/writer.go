package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/norasector/turbine-common/types"
)

const blockBufferLength int = 8

// WriterOutput writes blocks to dest as interleaved little-endian float32 IQ,
// the layout most SDR tools read as cf32. Blocks are batched and flushed
// when the batch fills or flushInterval passes without one filling.
type WriterOutput struct {
	dest          io.Writer
	recvChan      chan *types.SegmentComplex64
	flushInterval time.Duration
}

func NewWriterOutput(dest io.Writer, flushInterval time.Duration) *WriterOutput {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &WriterOutput{
		dest:          dest,
		recvChan:      make(chan *types.SegmentComplex64, receiveBuffer),
		flushInterval: flushInterval,
	}
}

func (s *WriterOutput) Receive() chan<- *types.SegmentComplex64 {
	return s.recvChan
}

func (s *WriterOutput) Start(ctx context.Context) error {
	var b bytes.Buffer
	bufNum := 0

	flush := func() error {
		if bufNum == 0 {
			return nil
		}
		if _, err := b.WriteTo(s.dest); err != nil {
			return err
		}
		b.Reset()
		bufNum = 0
		return nil
	}

	tick := time.NewTicker(s.flushInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := flush(); err != nil {
				return err
			}
			return ctx.Err()

		case <-tick.C:
			if err := flush(); err != nil {
				return err
			}

		case seg := <-s.recvChan:
			if err := binary.Write(&b, binary.LittleEndian, seg.Data); err != nil {
				return err
			}

			bufNum++
			if bufNum == blockBufferLength {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
