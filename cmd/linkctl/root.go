package main

import (
	"context"
	"time"

	"github.com/danmuck/hostlink/internal/client"
	"github.com/danmuck/hostlink/internal/config"
	"github.com/danmuck/hostlink/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	socketPath string
	ackTimeout time.Duration

	linkCfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "linkctl",
	Short:         "Drive a hostlink daemon from the core side of the link",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.ConfigureRuntime()
		linkCfg = config.DefaultConfig()
		if cfgFile != "" {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			linkCfg = loaded
		}
		if socketPath != "" {
			linkCfg.Link.SocketPath = socketPath
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "hostlink.toml to read the socket path and fragment limits from")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "override the host socket path")
	rootCmd.PersistentFlags().DurationVar(&ackTimeout, "ack-timeout", time.Second, "wait per attempt for an ACK")
}

func clientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.Path = linkCfg.Link.SocketPath
	cfg.AckTimeout = ackTimeout
	cfg.Fragment = config.FragmentLimits(linkCfg)
	return cfg
}

func dial(cmd *cobra.Command) (*client.Client, error) {
	return client.Dial(commandContext(cmd), clientConfig())
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
