package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/config"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport"
	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/transport/replay"
)

func newProbeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check which decoder backends work on this host",
		Long: `Construct every registered decoder backend once and report which ones
are usable. With --recording the file is also opened through the replay
transport.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Merge(v)
			if err != nil {
				return err
			}
			return runProbe(cmd, cfg)
		},
	}
	cmd.Flags().String("recording", "", "recording to check")
	bindFlags(v, cmd, map[string]string{"transport.replay.path": "recording"})
	return cmd
}

func runProbe(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	opts, err := decoderOptions(cfg)
	if err != nil {
		return err
	}

	usable := 0
	results := newDecoders().Probe(opts)
	for _, name := range slices.Sorted(maps.Keys(results)) {
		perr := results[name]
		if perr != nil {
			fmt.Fprintf(out, "%s %-10s %v\n", bad("✗"), name, perr)
			continue
		}
		usable++
		fmt.Fprintf(out, "%s %-10s ok\n", ok("✓"), name)
	}

	if path := cfg.Transport.Replay.Path; path != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		d := replay.NewDialer(replay.Config{Path: path, FPS: cfg.Transport.Replay.FPS})
		conn, hs, err := d.Dial(ctx, transport.Params{})
		if err != nil {
			fmt.Fprintf(out, "%s recording  %v\n", bad("✗"), err)
			return err
		}
		_ = conn.Close()
		fmt.Fprintf(out, "%s recording  %s (%s)\n", ok("✓"), path, hs.CertFingerprint)
	}

	if usable == 0 {
		return fmt.Errorf("no usable decoder backend")
	}
	return nil
}
