package cmd

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/scturtle/usblink/pkg/backend/file"
	"github.com/scturtle/usblink/pkg/config"
	"github.com/scturtle/usblink/pkg/dataconn"
	"github.com/scturtle/usblink/pkg/rest"
	"github.com/scturtle/usblink/pkg/transport/serial"
	"github.com/scturtle/usblink/pkg/transport/tcp"
	"github.com/scturtle/usblink/pkg/types"
	"github.com/scturtle/usblink/pkg/util"
)

func ServeCmd() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "Receive files from a peer and store them in a directory",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "transport",
				Value: types.TransportTypeTCP,
				Usage: "Specify the transport. Available options are \"tcp\" and \"serial\"",
			},
			cli.StringFlag{
				Name:   "listen",
				Value:  config.DefaultListen,
				EnvVar: "USBLINK_LISTEN",
				Usage:  "Address to accept the peer on, for the tcp transport",
			},
			cli.StringFlag{
				Name:  "device",
				Usage: "Serial device, e.g. /dev/ttyGS0, for the serial transport",
			},
			cli.IntFlag{
				Name:  "baud",
				Value: config.DefaultBaud,
			},
			cli.BoolFlag{
				Name:  "check-dsr",
				Usage: "Treat a deasserted DSR line as a disconnected peer",
			},
			cli.StringFlag{
				Name:   "dir",
				Value:  config.DefaultDir,
				EnvVar: "USBLINK_DIR",
				Usage:  "Directory received files are written to",
			},
			cli.StringFlag{
				Name:  "header-timeout",
				Value: types.DefaultHeaderTimeout.String(),
				Usage: "How long one step waits for a frame header",
			},
			cli.StringFlag{
				Name:  "data-timeout",
				Value: types.DefaultDataTimeout.String(),
				Usage: "How long to wait for a payload once its header was acknowledged",
			},
			cli.StringFlag{
				Name:  "max-chunk",
				Value: "16mb",
				Usage: "Largest accepted range in bytes or human readable 42kb, 16mb",
			},
			cli.StringFlag{
				Name:  "idle-backoff",
				Value: "0s",
				Usage: "Sleep between steps that found nothing to do",
			},
			cli.StringFlag{
				Name:  "status-listen",
				Value: "",
				Usage: "Serve /v1/status and /metrics on this address, leave it empty to disable",
			},
		},
		Action: func(c *cli.Context) {
			if err := serve(c); err != nil {
				logrus.WithError(err).Fatalf("Error running serve command")
			}
		},
	}
}

func serveConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.GlobalString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if c.IsSet("transport") {
		cfg.Transport = c.String("transport")
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("device") {
		cfg.Device = c.String("device")
	}
	if c.IsSet("baud") {
		cfg.Baud = c.Int("baud")
	}
	if c.IsSet("check-dsr") {
		cfg.CheckDSR = c.Bool("check-dsr")
	}
	if c.IsSet("dir") {
		cfg.Dir = c.String("dir")
	}
	if c.IsSet("status-listen") {
		cfg.StatusListen = c.String("status-listen")
	}

	var err error
	if c.IsSet("header-timeout") {
		if cfg.HeaderTimeout, err = util.ParseTimeout(c.String("header-timeout")); err != nil {
			return cfg, errors.Wrap(err, "invalid header-timeout")
		}
	}
	if c.IsSet("data-timeout") {
		if cfg.DataTimeout, err = util.ParseTimeout(c.String("data-timeout")); err != nil {
			return cfg, errors.Wrap(err, "invalid data-timeout")
		}
	}
	if c.IsSet("idle-backoff") {
		if cfg.IdleBackoff, err = util.ParseTimeout(c.String("idle-backoff")); err != nil {
			return cfg, errors.Wrap(err, "invalid idle-backoff")
		}
	}
	if c.IsSet("max-chunk") {
		if cfg.MaxChunkSize, err = util.ParseSize(c.String("max-chunk")); err != nil {
			return cfg, errors.Wrap(err, "invalid max-chunk")
		}
	}

	return cfg, cfg.Validate()
}

func openTransport(cfg config.Config) (types.Transport, error) {
	switch cfg.Transport {
	case types.TransportTypeTCP:
		return tcp.Listen(cfg.Listen)
	case types.TransportTypeSerial:
		return serial.Open(cfg.Device, serial.Options{
			BaudRate: cfg.Baud,
			CheckDSR: cfg.CheckDSR,
		})
	}
	return nil, errors.Errorf("unsupported transport %q", cfg.Transport)
}

func serve(c *cli.Context) error {
	cfg, err := serveConfig(c)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %v", cfg.Dir)
	}

	transport, err := openTransport(cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	metrics := rest.NewMetrics()
	session := dataconn.NewSession(transport, file.New(cfg.Dir),
		dataconn.WithHeaderTimeout(cfg.HeaderTimeout),
		dataconn.WithDataTimeout(cfg.DataTimeout),
		dataconn.WithMaxChunkSize(cfg.MaxChunkSize),
		dataconn.WithObserver(metrics))
	server := dataconn.NewServer(session, dataconn.WithIdleBackoff(cfg.IdleBackoff))

	if cfg.StatusListen != "" {
		go func() {
			router := http.Handler(rest.NewRouter(rest.NewServer(server, metrics)))
			router = util.FilteredLoggingHandler(map[string]struct{}{
				"/ping":      {},
				"/metrics":   {},
				"/v1/status": {},
			}, os.Stdout, router)
			logrus.Infof("Listening on status %s", cfg.StatusListen)
			err := http.ListenAndServe(cfg.StatusListen, router)
			logrus.Warnf("Status server at %v is down: %v", cfg.StatusListen, err)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	addShutdown(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(cfg.DataTimeout + time.Second):
			logrus.Warn("Timed out waiting for the transfer server to stop")
		}
	})

	logrus.Infof("Receiving files into %v over %v", cfg.Dir, cfg.Transport)
	err = server.Run(ctx)
	close(done)
	return err
}
