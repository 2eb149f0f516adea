// Command smuxd runs an SMUX endpoint: it multiplexes one or more
// channel files onto a single master transport and back, driven by the
// rt package's select() loop.
//
// Grounded on original_source/src/main.cpp (signal wiring, smux_init
// life cycle) and original_source/src/cnf_argv.cpp (the command-line
// grammar), restated with cobra/pflag/viper per SPEC_FULL.md §3.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/st31ny/smux"
	"github.com/st31ny/smux/config"
	"github.com/st31ny/smux/muxfile"
	"github.com/st31ny/smux/rt"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		masterSpec  string
		channelDefs []string
		escByte     uint8
		bufferSize  int
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "smuxd",
		Short: "multiplex byte streams onto a single transport",
		Long: "smuxd multiplexes any number of channel files onto a single master\n" +
			"transport using the SMUX wire protocol, and demultiplexes it back.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// viper was bound to these flags at construction time; re-read
			// through it here so an SMUXD_MASTER/SMUXD_LOG_LEVEL env var
			// overrides an unset flag, per SPEC_FULL.md §3.
			masterSpec = viper.GetString("master")
			logLevel = viper.GetString("log-level")
			if masterSpec == "" {
				return errors.New("master is required (--master or SMUXD_MASTER)")
			}

			logger := hclog.New(&hclog.LoggerOptions{
				Name:  "smuxd",
				Level: hclog.LevelFromString(logLevel),
			})

			loader := config.NewLoader()
			if err := loader.AddMasterSpec(masterSpec); err != nil {
				return errors.Wrap(err, "master")
			}
			for _, spec := range channelDefs {
				if err := loader.AddChannelSpec(spec); err != nil {
					return errors.Wrap(err, "channel")
				}
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}

			codec, err := smux.NewCodec(smux.Config{
				ESC:             escByte,
				WriteBufferSize: bufferSize,
				ReadBufferSize:  bufferSize,
			})
			if err != nil {
				return errors.Wrap(err, "codec")
			}

			factory := muxfile.NewFactory()
			runtime, err := rt.New(cfg, factory, codec, logger)
			if err != nil {
				return errors.Wrap(err, "runtime")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			go func() {
				for {
					select {
					case sig := <-sigCh:
						if sig == syscall.SIGHUP {
							reattachAll(runtime, factory, cfg, logger)
							continue
						}
						logger.Info("received signal, shutting down", "signal", sig.String())
						runtime.Shutdown()
						return
					case <-ctx.Done():
						return
					}
				}
			}()

			return runtime.RunContext(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&masterSpec, "master", "", `master transport spec, "[i|o:]type[:arg]*"`)
	flags.StringArrayVar(&channelDefs, "channel", nil, `channel spec, "<id>:[i|o:]type[:arg]*" (repeatable)`)
	flags.Uint8Var(&escByte, "esc", smux.DefaultESC, "escape byte (must match the remote endpoint)")
	flags.IntVar(&bufferSize, "buffer-size", smux.DefaultBufferSize, "ring buffer size in bytes")
	flags.StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")

	// --master is not marked required here: it may instead be supplied via
	// SMUXD_MASTER, which cobra's own flag-required check cannot see.
	// RunE enforces that one of the two was actually set.
	viper.SetEnvPrefix("smuxd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("master", flags.Lookup("master"))
	_ = viper.BindPFlag("log-level", flags.Lookup("log-level"))

	cmd.AddCommand(newTypesCmd())
	return cmd
}

// reattachAll re-opens every configured channel's files without tearing
// down the runtime or the master transport, so a supervisor can send
// SIGHUP after e.g. recreating a channel's backing named pipes without a
// full smuxd restart.
func reattachAll(runtime *rt.Runtime, factory *muxfile.Factory, cfg *config.Config, logger hclog.Logger) {
	logger.Info("SIGHUP received, reattaching channels", "count", len(cfg.Channels))
	for id, spec := range cfg.Channels {
		runtime.RequestReattach(id, factory, spec)
	}
}

func newTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "list registered file types",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, t := range muxfile.NewFactory().Types() {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}
