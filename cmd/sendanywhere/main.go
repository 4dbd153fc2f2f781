package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyzr/sendanywhere/cmd/sendanywhere/direct"
	"github.com/lyzr/sendanywhere/cmd/sendanywhere/engine"
	"github.com/lyzr/sendanywhere/cmd/sendanywhere/peer"
	"github.com/lyzr/sendanywhere/cmd/sendanywhere/storage"
	"github.com/lyzr/sendanywhere/common/clients"
	"github.com/lyzr/sendanywhere/common/config"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/manifest"
)

// Journal entries older than this are dropped when a receive starts
const journalRetention = 7 * 24 * time.Hour

var (
	verbose   bool
	noPeer    bool
	noDirect  bool
	relayOnly bool
	signalURL string
	relayURL  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sendanywhere",
		Short: "Send files and folders to another device with a 6-digit code",
		Long: `Pair two devices with a short code and move files between them over the
fastest path available: the local network, a direct peer connection, or the
relay store when neither can be reached.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noPeer, "no-peer", false, "disable the peer connection")
	rootCmd.PersistentFlags().BoolVar(&noDirect, "no-direct", false, "disable local network discovery")
	rootCmd.PersistentFlags().BoolVar(&relayOnly, "relay-only", false, "only use the relay")
	rootCmd.PersistentFlags().StringVar(&signalURL, "signaling-url", "", "pairing service url (default $SIGNALING_URL)")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay-url", "", "relay service url (default $RELAY_URL)")

	rootCmd.AddCommand(sendCmd(), receiveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func sendCmd() *cobra.Command {
	var (
		filter     string
		chunkSize  int64
		skipHashes bool
	)

	cmd := &cobra.Command{
		Use:   "send <path>...",
		Short: "Send files or folders and print a pair code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if chunkSize > 0 {
				cfg.Transfer.ChunkSize = chunkSize
			}

			f, err := manifest.NewFilter(filter)
			if err != nil {
				return err
			}
			src, err := manifest.Build(args, manifest.BuildOptions{
				ChunkSize:  cfg.Transfer.ChunkSize,
				Filter:     f,
				SkipHashes: skipHashes,
			})
			if err != nil {
				return err
			}
			printManifest(src.Manifest)

			progress := newProgress(os.Stderr)
			eng := newEngine(cfg, log, nil, engine.Hooks{
				OnPaired:   printPairCode,
				OnMode:     progress.mode,
				OnProgress: progress.update,
			})

			res, err := eng.Send(ctx, src)
			progress.finish()
			if err != nil {
				return describe(err)
			}
			printSummary(sendVerb(res), res)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", `CEL include expression over name, path and size (e.g. 'size > 0 && !name.startsWith(".")')`)
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "chunk size in bytes (default $CHUNK_SIZE)")
	cmd.Flags().BoolVar(&skipHashes, "no-hash", false, "skip content hashes and only check sizes")
	return cmd
}

func receiveCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "receive <code>",
		Short: "Receive a transfer by its pair code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			journal, err := openJournal(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer journal.Close()

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			sink := storage.NewDirSink(outDir, log)
			defer sink.Close()

			progress := newProgress(os.Stderr)
			eng := newEngine(cfg, log, journal, engine.Hooks{
				OnMode:     progress.mode,
				OnProgress: progress.update,
			})

			res, err := eng.Receive(ctx, args[0], sink)
			progress.finish()
			if err != nil {
				return describe(err)
			}
			printSummary("Received", res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	return cmd
}

// loadConfig reads the environment and applies command line overrides
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load("sendanywhere")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Service.LogLevel
	if verbose {
		level = "debug"
	}
	log := logger.NewWithWriter(os.Stderr, level, cfg.Service.LogFormat)

	if signalURL != "" {
		cfg.Transfer.SignalingURL = signalURL
	}
	if relayURL != "" {
		cfg.Transfer.RelayURL = relayURL
	}
	if noPeer || relayOnly {
		cfg.Transfer.EnablePeer = false
	}
	if noDirect || relayOnly {
		cfg.Transfer.EnableDirect = false
	}
	return cfg, log, nil
}

func openJournal(ctx context.Context, cfg *config.Config, log *logger.Logger) (*storage.Journal, error) {
	path := cfg.Transfer.JournalPath
	if path == "" {
		var err error
		if path, err = storage.DefaultJournalPath(); err != nil {
			return nil, err
		}
	}

	journal, err := storage.OpenJournal(path)
	if err != nil {
		return nil, err
	}
	if n, err := journal.Prune(ctx, time.Now().Add(-journalRetention)); err != nil {
		log.Warn("failed to prune journal", "error", err)
	} else if n > 0 {
		log.Debug("journal pruned", "entries", n)
	}
	return journal, nil
}

func newEngine(cfg *config.Config, log *logger.Logger, journal engine.Journal, hooks engine.Hooks) *engine.Engine {
	pairing := clients.NewPairingClient(cfg.Transfer.SignalingURL, log)

	deps := engine.Deps{
		Pairing: pairing,
		Dial:    engine.PairingDialer(pairing),
		Relay:   clients.NewRelayClient(cfg.Transfer.RelayURL, log),
		Journal: journal,
		Logger:  log,
	}
	if cfg.Transfer.EnablePeer {
		deps.Peer = peer.NewTransport(cfg.Transfer.ICEServers, log)
	}
	if cfg.Transfer.EnableDirect {
		deps.Direct = direct.NewTransport(log)
	}

	return engine.New(engine.ConfigFrom(cfg.Transfer), deps, hooks)
}

// describe turns engine failures into a message for the terminal
func describe(err error) error {
	var terr *engine.TransferError
	switch {
	case errors.Is(err, context.Canceled):
		return errors.New("transfer cancelled")
	case errors.As(err, &terr):
		return fmt.Errorf("%w; run the same command again to resume", terr)
	}
	return err
}
