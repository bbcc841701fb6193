package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/norasector/spectran/pkg/spectran/config"
	"github.com/norasector/spectran/pkg/spectran/simulator"
)

const fileReadDelay = time.Microsecond * 16384

func NewSimulateCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated analyzer",
		Long:  `Serves the analyzer's streaming and control API, generating a test tone or replaying a signed 8-bit IQ capture.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Simulator.Listen = listen
			}
			return runUntilSignal(func(ctx context.Context) error {
				return runSimulator(ctx, cfg)
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on")

	return cmd
}

func runSimulator(ctx context.Context, cfg *config.Config) error {
	sc := cfg.Simulator

	var source simulator.Source
	if sc.PlaybackFile != "" {
		log.Info().Str("source", "file").Str("path", sc.PlaybackFile).Msg("initializing source...")
		src, err := simulator.NewFileSource(sc.PlaybackFile, sc.PlaybackReadLen, fileReadDelay)
		if err != nil {
			return err
		}
		source = src
	} else {
		log.Info().Str("source", "tone").Int("offset", sc.ToneOffset).Msg("initializing source...")
		source = simulator.NewToneSource(sc.ToneOffset, sc.ToneAmplitude, sc.BlockSize)
	}

	devCfg := simulator.DefaultConfig()
	devCfg.Receivers = []string{cfg.DemodulatorBlock}
	devCfg.CenterFrequency = sc.CenterFreq
	devCfg.SampleRate = cfg.SampleRate()
	devCfg.FrequencyStep = sc.FrequencyStep
	devCfg.SampleRates = config.SampleRates

	dev := simulator.NewDevice(devCfg, simulator.WithLogger(log.Logger), simulator.WithSource(source))
	return dev.Serve(ctx, sc.Listen)
}
