package device

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/drio/wgtimer/config"
	"github.com/drio/wgtimer/conn"
	"github.com/drio/wgtimer/peer"
	"github.com/drio/wgtimer/timer"
)

// Params lists the dependencies of Module. Handshaker and Clock are optional.
type Params struct {
	fx.In

	Config     *config.Config
	UDP        conn.UDPConn
	Logger     *zap.Logger
	Handshaker Handshaker  `optional:"true"`
	Clock      clock.Clock `optional:"true"`
}

func provideTimer(in Params) *timer.Timer {
	return timer.New(
		timer.WithResolution(in.Config.Timers.Resolution),
		timer.WithCapacity(in.Config.Timers.QueueCapacity),
		timer.WithClock(in.Clock),
		timer.WithLogger(in.Logger.Named("timer")),
	)
}

func provideDevice(in Params, table *peer.Table, tm *timer.Timer, lc fx.Lifecycle, sh fx.Shutdowner) *Device {
	d := New(table, tm, in.UDP, ConfigFrom(in.Config.Timers),
		WithHandshaker(in.Handshaker),
		WithClock(in.Clock),
		WithLogger(in.Logger.Named("device")),
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for _, p := range in.Config.Peers {
				d.AddPeer(peer.Config{
					PublicKey:           p.Key,
					Endpoint:            p.Addr,
					PersistentKeepalive: p.PersistentKeepalive,
				})
			}

			go func() {
				if err := d.Run(context.Background()); err != nil {
					in.Logger.Error("device stopped", zap.Error(err))
					_ = sh.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			return d.Close()
		},
	})

	return d
}

// Module provides the peer table, the timer and the device, registers the
// configured peers on start and closes everything on stop. A fatal timer
// fault shuts the application down with exit code 1.
func Module() fx.Option {
	return fx.Module("device",
		fx.Provide(
			peer.NewTable,
			provideTimer,
			provideDevice,
		),
	)
}
