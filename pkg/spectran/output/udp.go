package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/turbine-common/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxDatagramSamples keeps each datagram under a typical 64 KiB UDP limit.
const MaxDatagramSamples = 4096

// Datagram field numbers.
const (
	fieldSegment    protowire.Number = 1
	fieldChunk      protowire.Number = 2
	fieldChunks     protowire.Number = 3
	fieldCenterFreq protowire.Number = 4
	fieldSampleRate protowire.Number = 5
	fieldSamples    protowire.Number = 6
)

type Destination struct {
	Host string
	Port int
}

// Datagram is one UDP message: a slice of a block plus the tuning it was
// captured at.
type Datagram struct {
	Segment    int
	Chunk      int
	Chunks     int
	CenterFreq int64
	SampleRate int64
	Samples    []complex64
}

// Marshal encodes d as a protobuf message prefixed with its uint16 length.
func (d *Datagram) Marshal() ([]byte, error) {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldSegment, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(d.Segment))
	msg = protowire.AppendTag(msg, fieldChunk, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(d.Chunk))
	msg = protowire.AppendTag(msg, fieldChunks, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(d.Chunks))
	msg = protowire.AppendTag(msg, fieldCenterFreq, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(d.CenterFreq))
	msg = protowire.AppendTag(msg, fieldSampleRate, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(d.SampleRate))

	// packed repeated float: I, Q, I, Q...
	packed := make([]byte, 0, len(d.Samples)*8)
	for _, s := range d.Samples {
		packed = protowire.AppendFixed32(packed, math.Float32bits(real(s)))
		packed = protowire.AppendFixed32(packed, math.Float32bits(imag(s)))
	}
	msg = protowire.AppendTag(msg, fieldSamples, protowire.BytesType)
	msg = protowire.AppendBytes(msg, packed)

	if len(msg) > math.MaxUint16 {
		return nil, errors.Errorf("datagram of %d bytes too large", len(msg))
	}

	var msgBuf bytes.Buffer
	if err := binary.Write(&msgBuf, binary.LittleEndian, uint16(len(msg))); err != nil {
		return nil, err
	}
	msgBuf.Write(msg)
	return msgBuf.Bytes(), nil
}

// UnmarshalDatagram decodes a buffer produced by Marshal.
func UnmarshalDatagram(buf []byte) (*Datagram, error) {
	if len(buf) < 2 {
		return nil, errors.New("short datagram")
	}
	size := int(binary.LittleEndian.Uint16(buf))
	msg := buf[2:]
	if len(msg) != size {
		return nil, errors.Errorf("datagram length %d does not match header %d", len(msg), size)
	}

	d := &Datagram{}
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			msg = msg[n:]
			switch num {
			case fieldSegment:
				d.Segment = int(v)
			case fieldChunk:
				d.Chunk = int(v)
			case fieldChunks:
				d.Chunks = int(v)
			case fieldCenterFreq:
				d.CenterFreq = int64(v)
			case fieldSampleRate:
				d.SampleRate = int64(v)
			}
		case num == fieldSamples && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			msg = msg[n:]
			if len(packed)%8 != 0 {
				return nil, errors.Errorf("sample payload of %d bytes is not whole IQ pairs", len(packed))
			}
			d.Samples = make([]complex64, len(packed)/8)
			for i := range d.Samples {
				re := math.Float32frombits(binary.LittleEndian.Uint32(packed[i*8:]))
				im := math.Float32frombits(binary.LittleEndian.Uint32(packed[i*8+4:]))
				d.Samples[i] = complex(re, im)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return d, nil
}

// Split cuts a block into datagrams of at most MaxDatagramSamples.
func Split(seg *types.SegmentComplex64, centerFreq, sampleRate int64) []*Datagram {
	chunks := (len(seg.Data) + MaxDatagramSamples - 1) / MaxDatagramSamples
	if chunks == 0 {
		chunks = 1
	}
	out := make([]*Datagram, 0, chunks)
	for i := 0; i < chunks; i++ {
		lo := i * MaxDatagramSamples
		hi := lo + MaxDatagramSamples
		if hi > len(seg.Data) {
			hi = len(seg.Data)
		}
		out = append(out, &Datagram{
			Segment:    seg.SegmentNumber,
			Chunk:      i,
			Chunks:     chunks,
			CenterFreq: centerFreq,
			SampleRate: sampleRate,
			Samples:    seg.Data[lo:hi],
		})
	}
	return out
}

// TuningFunc reports the tuning to stamp on outgoing datagrams.
type TuningFunc func() (centerFreq, sampleRate int64)

// UDPOutput sends each block to every destination as protobuf datagrams.
type UDPOutput struct {
	dests    []Destination
	tuning   TuningFunc
	recvChan chan *types.SegmentComplex64
	metrics  api.WriteAPI
	logger   zerolog.Logger
}

func NewUDPOutput(dests []Destination, tuning TuningFunc, metrics api.WriteAPI) *UDPOutput {
	if tuning == nil {
		tuning = func() (int64, int64) { return 0, 0 }
	}
	return &UDPOutput{
		dests:    dests,
		tuning:   tuning,
		recvChan: make(chan *types.SegmentComplex64, receiveBuffer),
		metrics:  metrics,
		logger:   log.Logger,
	}
}

func (s *UDPOutput) WithLogger(logger zerolog.Logger) *UDPOutput {
	s.logger = logger
	return s
}

func (s *UDPOutput) Receive() chan<- *types.SegmentComplex64 {
	return s.recvChan
}

func (s *UDPOutput) resolve() ([]*net.UDPAddr, error) {
	destAddrs := make([]*net.UDPAddr, 0, len(s.dests))
	for _, dest := range s.dests {
		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no IPs returned for %s", dest.Host)
		}

		destAddr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, destAddr)
		s.logger.Info().IPAddr("dest_ip", destAddr.IP).Int("port", dest.Port).Msg("udp output starting")
	}
	return destAddrs, nil
}

func (s *UDPOutput) Start(ctx context.Context) error {
	destAddrs, err := s.resolve()
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case seg := <-s.recvChan:
				s.send(conn, destAddrs, seg)
			}
		}
	})

	return eg.Wait()
}

func (s *UDPOutput) send(conn *net.UDPConn, destAddrs []*net.UDPAddr, seg *types.SegmentComplex64) {
	centerFreq, sampleRate := s.tuning()

	success := true
	var bytesWritten int
	for _, dgram := range Split(seg, centerFreq, sampleRate) {
		encoded, err := dgram.Marshal()
		if err != nil {
			s.logger.Warn().Err(err).Msg("error encoding datagram")
			success = false
			continue
		}
		for _, destAddr := range destAddrs {
			n, err := conn.WriteToUDP(encoded, destAddr)
			if err != nil {
				s.logger.Error().Err(err).Msg("error writing")
				success = false
				continue
			}
			bytesWritten += n
		}
	}

	go s.metrics.WritePoint(influxdb2.NewPoint("spectran.udp_sent_block",
		map[string]string{
			"center_freq": strconv.FormatInt(centerFreq, 10),
		},
		map[string]interface{}{
			"bytes_written": bytesWritten,
			"samples":       len(seg.Data),
			"sent": func() int {
				if success {
					return 1
				}
				return 0
			}(),
			"dropped": func() int {
				if success {
					return 0
				}
				return 1
			}(),
		}, time.Now()))
}
