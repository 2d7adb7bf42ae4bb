// wgtimerd runs the per-peer WireGuard timers for the peers of a
// configuration file: persistent and passive keepalives, rekey deadlines
// with retransmission, and wiping of stale sessions.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/drio/wgtimer/config"
	"github.com/drio/wgtimer/conn"
	"github.com/drio/wgtimer/device"
	"github.com/drio/wgtimer/peer"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	configFile := flag.String("c", "", "Configuration file path")
	debug := flag.Bool("debug", false, "Enable verbose timer and packet logging")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: wgtimerd -c <config-file> [-debug]")
		os.Exit(2)
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("wgtimerd starting",
		zap.String("public_key", peer.Fingerprint(cfg.PublicKey)),
		zap.Int("peers", len(cfg.Peers)),
		zap.Duration("resolution", cfg.Timers.Resolution),
	)

	app := fx.New(
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Supply(cfg, logger),
		fx.Provide(func(cfg *config.Config, l *zap.Logger) (conn.UDPConn, error) {
			return conn.SetupUDP(cfg.Interface.ListenPort, l)
		}),
		device.Module(),
		fx.Invoke(func(*device.Device) {}),
	)
	app.Run()
}
