// Command wsproto-echo is a small demo binary built on the wsproto library:
// it binds a TCP address, upgrades every incoming connection, and echoes
// back whatever Text or Binary message it receives. Address binding and
// flag parsing live here deliberately, as external collaborators of the
// core protocol library rather than part of it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rivergate/wsproto"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetDefault("addr", ":8080")
	v.SetDefault("metrics-addr", ":9090")
	v.SetDefault("max-concurrency", int64(1024))
	v.SetDefault("ping-interval", 30*time.Second)

	cmd := &cobra.Command{
		Use:   "wsproto-echo",
		Short: "Run a WebSocket echo server built on wsproto",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", v.GetString("addr"), "address to bind the WebSocket listener on")
	flags.String("metrics-addr", v.GetString("metrics-addr"), "address to serve Prometheus metrics on")
	flags.Int64("max-concurrency", v.GetInt64("max-concurrency"), "maximum concurrently served connections")
	flags.Duration("ping-interval", v.GetDuration("ping-interval"), "interval between liveness pings (0 disables)")
	_ = v.BindPFlags(flags)

	return cmd
}

func run(v *viper.Viper) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	metrics := wsproto.NewMetrics(registry, "wsproto_echo")

	listener, err := wsproto.Bind(v.GetString("addr"),
		wsproto.WithListenerLogger(logger),
		wsproto.WithListenerMetrics(metrics),
		wsproto.WithConnOptions(wsproto.WithPingInterval(v.GetDuration("ping-interval"))),
	)
	if err != nil {
		return fmt.Errorf("binding %s: %w", v.GetString("addr"), err)
	}
	logger.Info("listening", zap.String("addr", listener.Addr().String()))

	metricsSrv := &http.Server{Addr: v.GetString("metrics-addr"), Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = listener.Serve(ctx, v.GetInt64("max-concurrency"), echoHandler(logger))
	_ = metricsSrv.Close()
	return err
}

func echoHandler(logger *zap.Logger) wsproto.Handler {
	return func(conn *wsproto.Conn) {
		conn.OnReceive = func(c *wsproto.Conn, msg wsproto.Frame) {
			switch msg.Opcode {
			case wsproto.OpText:
				if err := c.SendText(string(msg.Payload)); err != nil {
					logger.Debug("send failed", zap.Error(err))
				}
			case wsproto.OpBinary:
				if err := c.SendBinary(msg.Payload); err != nil {
					logger.Debug("send failed", zap.Error(err))
				}
			}
		}
		conn.OnClose = func(c *wsproto.Conn, code wsproto.CloseCode, reason []byte) {
			logger.Info("connection closed", zap.String("conn", c.ID), zap.Uint16("code", uint16(code)))
		}
	}
}
