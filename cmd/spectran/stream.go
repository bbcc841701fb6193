package main

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/spectran/pkg/spectran"
	"github.com/norasector/spectran/pkg/spectran/config"
	"github.com/norasector/spectran/pkg/spectran/output"
	"github.com/norasector/spectran/pkg/spectran/session"
	"github.com/norasector/spectran/pkg/util"
)

const (
	linkCheckInterval = time.Second
	shutdownTimeout   = 5 * time.Second
)

type StreamOptions struct {
	Host       string
	Port       int
	CenterFreq int64
	RateIndex  int
	Save       bool
}

func NewStreamCommand() *cobra.Command {
	opts := &StreamOptions{}

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream IQ samples from the analyzer",
		Long:  `Connects to the analyzer, tunes it, and forwards its IQ blocks to the configured output until interrupted or the link drops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = opts.Host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = opts.Port
			}
			if cmd.Flags().Changed("center-freq") {
				cfg.CenterFreq = opts.CenterFreq
			}
			if cmd.Flags().Changed("sample-rate-index") {
				cfg.SampleRateIndex = opts.RateIndex
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runUntilSignal(func(ctx context.Context) error {
				return runStream(ctx, cfg, opts.Save)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", config.DefaultHost, "Analyzer host")
	cmd.Flags().IntVar(&opts.Port, "port", config.DefaultPort, "Analyzer HTTP port")
	cmd.Flags().Int64Var(&opts.CenterFreq, "center-freq", 0, "Center frequency in Hz")
	cmd.Flags().IntVar(&opts.RateIndex, "sample-rate-index", config.DefaultSampleRateIndex, "Index into the sample rate table")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "Write the last reported center frequency back to the config file on exit")

	return cmd
}

func newOutput(cfg *config.Config, tuning output.TuningFunc, metrics api.WriteAPI) (output.SampleOutput, func() error, error) {
	switch cfg.Output.Type {
	case "file":
		f, err := os.Create(cfg.Output.Path)
		if err != nil {
			return nil, nil, errors.Wrap(err, "create output file")
		}
		return output.NewWriterOutput(f, time.Second), f.Close, nil
	case "udp":
		dests := make([]output.Destination, 0, len(cfg.Output.Destinations))
		for _, d := range cfg.Output.Destinations {
			dests = append(dests, output.Destination{Host: d.Host, Port: d.Port})
		}
		return output.NewUDPOutput(dests, tuning, metrics).WithLogger(log.Logger), func() error { return nil }, nil
	default:
		return output.NewDiscard(), func() error { return nil }, nil
	}
}

func runStream(ctx context.Context, cfg *config.Config, save bool) error {
	var writeAPI api.WriteAPI = &util.NopWriteAPI{}
	clientOpts := []spectran.ClientOption{
		spectran.WithLogger(log.Logger),
		spectran.WithFormat(session.Format(cfg.Format)),
		spectran.WithHandshakeTimeout(cfg.HandshakeTimeout),
	}
	if cfg.InfluxDB.Host != "" {
		influxClient := influxdb2.NewClient(cfg.InfluxDB.Host, "")
		defer influxClient.Close()
		writeAPI = influxClient.WriteAPI(cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)
		clientOpts = append(clientOpts, spectran.WithInfluxDB(writeAPI))
	}

	var client *spectran.Client
	tuning := func() (int64, int64) {
		st := client.State()
		return st.CenterFrequency, st.SampleRate
	}

	out, closeOutput, err := newOutput(cfg, tuning, writeAPI)
	if err != nil {
		return err
	}
	defer closeOutput()

	client, err = spectran.New(ctx, cfg.Host, cfg.Port, out.Receive(), cfg.SampleRate(), cfg.DemodulatorBlock, clientOpts...)
	if err != nil {
		return err
	}
	defer client.Close()

	// hostFreq mirrors the tuner value a host application would display.
	var hostFreq atomic.Int64
	hostFreq.Store(cfg.CenterFreq)

	freqHandler := client.OnCenterFrequencyChanged().Bind(func(hz float64) {
		reported := int64(hz)
		if hostFreq.Swap(reported) == reported {
			return
		}
		log.Info().Str("center_freq", util.MHzToString(reported)).Msg("device retuned")
		if err := client.SetCenterFrequency(ctx, reported); err != nil {
			log.Warn().Err(err).Msg("failed to resync center frequency")
		}
	})
	rateHandler := client.OnSamplerateChanged().Bind(func(hz float64) {
		log.Info().Str("sample_rate", config.SampleRateLabel(int64(hz))).Msg("input sample rate")
	})

	if err := client.StartWorker(); err != nil {
		return err
	}
	if cfg.CenterFreq > 0 {
		if err := client.SetCenterFrequency(ctx, cfg.CenterFreq); err != nil {
			return err
		}
	}
	if err := client.Streaming(ctx, true); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return out.Start(ctx)
	})

	eg.Go(func() error {
		tick := time.NewTicker(linkCheckInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
				if !client.IsOpen() {
					return errors.Errorf("lost stream from %s", client.Endpoint())
				}
			}
		}
	})

	runErr := eg.Wait()

	stats := client.Stats()
	log.Info().
		Int64("frames", stats.Frames).
		Int64("delivered", stats.Delivered).
		Int64("discarded", stats.Discarded).
		Int64("dropped_samples", stats.DroppedSamples).
		Msg("stream finished")

	if client.IsOpen() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := client.Streaming(stopCtx, false); err != nil {
			log.Warn().Err(err).Msg("failed to stop streaming")
		}
		cancel()
	}

	client.OnCenterFrequencyChanged().Unbind(freqHandler)
	client.OnSamplerateChanged().Unbind(rateHandler)
	client.Close()

	if save {
		if freq := client.State().CenterFrequency; freq > 0 {
			cfg.CenterFreq = freq
		}
		if err := cfg.Save(configFile); err != nil {
			log.Error().Err(err).Str("path", configFile).Msg("failed to save config")
		}
	}

	return runErr
}
