package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/supermarsx/sortOfRemoteNG-sub008/modules/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:           "deskhub",
		Short:         "Remote desktop video hub",
		Long:          "deskhub keeps remote desktop sessions running, decodes their H.264 video with GStreamer (hardware first, software fallback) and serves the latest frames over HTTP, websockets and MQTT.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to the YAML configuration file")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	bindFlags(v, rootCmd, map[string]string{
		"config":     "config",
		"log.level":  "log-level",
		"log.format": "log-format",
	})

	rootCmd.AddCommand(
		newServeCmd(v),
		newProbeCmd(v),
		newTokenCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

// bindFlags maps configuration keys to flags of cmd. A bound flag overrides
// the file only when set on the command line.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(name)
		}
		if f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}
