package main

import (
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/petervdpas/voicemesh/internal/app"
	"github.com/petervdpas/voicemesh/internal/config"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:     "voicemesh",
	Short:   "Mesh voice channels over WebRTC",
	Long:    `voicemesh joins a voice channel and keeps a WebRTC audio connection to every other participant, signaling over libp2p or a WebSocket relay hub.`,
	Version: appVersion,

	SilenceErrors: true,
	SilenceUsage:  true,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			_ = logging.SetLogLevelRegex("voice/.*", "debug")
		}
	},
}

var initCmd = &cobra.Command{
	Use:   "init <dir>",
	Short: "Create a participant directory with a default config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		absDir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		cfgPath := filepath.Join(absDir, cfgName)
		_, created, err := config.Ensure(cfgPath)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("Wrote %s\n", cfgPath)
		} else {
			fmt.Printf("%s already exists\n", cfgPath)
		}
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <dir> <channel>",
	Short: "Join a voice channel until interrupted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		absDir, err := peerDir(args[0])
		if err != nil {
			return err
		}
		cfgPath := filepath.Join(absDir, cfgName)
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		return app.Join(ctx, app.Options{
			PeerDir: absDir,
			CfgPath: cfgPath,
			Cfg:     cfg,
			Channel: args[1],
			Out:     os.Stdout,
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay <addr>",
	Short: "Run a WebSocket relay hub",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return app.ServeRelay(ctx, args[0])
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <dir> [channel]",
	Short: "Print journaled session events",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		absDir, err := peerDir(args[0])
		if err != nil {
			return err
		}
		channel := ""
		if len(args) == 2 {
			channel = args[1]
		}
		return app.History(os.Stdout, absDir, channel, historyLimit)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging for every voice subsystem")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "newest events to show, 0 for all")

	rootCmd.AddCommand(initCmd, joinCmd, relayCmd, historyCmd)
}
