package simulator

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/norasector/turbine-common/types"
	"github.com/pkg/errors"

	"github.com/norasector/spectran/pkg/spectran/session"
)

// FileSource replays a capture of interleaved signed 8-bit I/Q pairs, I first,
// as blocks on the same float scale the int8 stream format uses.
type FileSource struct {
	capture    *os.File
	reader     *bufio.Reader
	blockBytes int
	interval   time.Duration
}

// NewFileSource opens path for playback of blockBytes per interval. An odd
// blockBytes is rounded down to whole pairs.
func NewFileSource(path string, blockBytes int, interval time.Duration) (*FileSource, error) {
	blockBytes &^= 1
	if blockBytes <= 0 {
		return nil, errors.Errorf("playback block of %d bytes holds no samples", blockBytes)
	}
	if interval <= 0 {
		return nil, errors.Errorf("playback interval %s must be positive", interval)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open capture")
	}

	return &FileSource{
		capture:    f,
		reader:     bufio.NewReaderSize(f, blockBytes),
		blockBytes: blockBytes,
		interval:   interval,
	}, nil
}

// Start emits one block per interval until ctx ends or the capture runs out,
// in which case it returns io.EOF. A short final block is still emitted.
func (f *FileSource) Start(ctx context.Context, centerFreq int, sampleRate int, complexSamples chan *types.SegmentComplex64) error {
	tick := time.NewTicker(f.interval)
	defer tick.Stop()

	buf := make([]byte, f.blockBytes)
	for segNum := 1; ; segNum++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}

		n, readErr := io.ReadFull(f.reader, buf)
		if n >= 2 {
			seg := &types.SegmentComplex64{
				SampleRate:    sampleRate,
				Frequency:     centerFreq,
				Data:          session.DecodeInt8(buf[:n]),
				SegmentNumber: segNum,
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case complexSamples <- seg:
			}
		}

		switch readErr {
		case nil:
		case io.ErrUnexpectedEOF, io.EOF:
			return io.EOF
		default:
			return errors.Wrap(readErr, "read capture")
		}
	}
}

func (f *FileSource) Stop() error {
	return f.capture.Close()
}

func (f *FileSource) MaxSampleRate() int {
	return 20e6
}
