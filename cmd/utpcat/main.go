// Command utpcat is a minimal µTP pipe: "listen" accepts one connection and
// copies it to stdout, "dial" connects and copies stdin to it. It mirrors
// the shape of the teacher's core/main.go (a version banner, a loaded
// Config, signal-driven graceful shutdown) with cobra/pflag subcommands in
// place of the teacher's single fixed entry point.
package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/go-utp/utp"
	"github.com/go-utp/utp/config"
	"github.com/go-utp/utp/internal/ulog"
	"github.com/go-utp/utp/udpconn"
)

const version = "0.1.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "utpcat",
		Short: "Pipe stdin/stdout over a µTP connection",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults applied if unset)")

	root.AddCommand(listenCmd())
	root.AddCommand(dialCmd())

	if err := root.Execute(); err != nil {
		ulog.Fatal("utpcat exited with error", zap.Error(err))
	}
}

func loadConfig() config.Config {
	if configPath == "" {
		return config.DefaultConfig()
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		ulog.Fatal("failed to load config file", zap.Error(err))
	}
	return cfg
}

func listenCmd() *cobra.Command {
	var laddr string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept one inbound µTP connection and copy it to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ulog.Banner("utpcat listen", version)
			cfg := loadConfig()

			conn, err := udpconn.New(laddr, cfg)
			if err != nil {
				return err
			}
			sock := utp.NewSocket(conn, utp.SystemClock{}, cfg, ulog.Default())
			defer sock.Close()

			ulog.Section("Listening")
			ulog.Info("bound", zap.String("addr", sock.LocalAddr().String()))

			ctx, cancel := installSignalHandler()
			defer cancel()

			stream, err := sock.Accept(ctx)
			if err != nil {
				return err
			}
			ulog.Success("connection accepted", zap.String("remote", stream.RemoteAddr().String()))

			_, err = io.Copy(os.Stdout, stream)
			return err
		},
	}
	cmd.Flags().StringVar(&laddr, "listen", ":9000", "local address to bind")
	return cmd
}

func dialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dial [address]",
		Short: "Connect to a µTP listener and copy stdin to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ulog.Banner("utpcat dial", version)
			cfg := loadConfig()

			conn, err := udpconn.New(":0", cfg)
			if err != nil {
				return err
			}
			sock := utp.NewSocket(conn, utp.SystemClock{}, cfg, ulog.Default())
			defer sock.Close()

			remote, err := net.ResolveUDPAddr("udp", args[0])
			if err != nil {
				return err
			}

			ctx, cancel := installSignalHandler()
			defer cancel()

			stream, err := sock.Connect(ctx, remote)
			if err != nil {
				return err
			}
			ulog.Success("connected", zap.String("remote", stream.RemoteAddr().String()))

			if _, err := io.Copy(stream, os.Stdin); err != nil {
				return err
			}
			return stream.Close(utp.CloseGraceful)
		},
	}
	return cmd
}

// installSignalHandler returns a context cancelled on SIGINT/SIGTERM,
// giving the active subcommand a clean way to unwind instead of the
// teacher's fixed sleep-then-os.Exit shutdown.
func installSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			ulog.Warn("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

