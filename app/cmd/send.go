package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/scturtle/usblink/pkg/dataconn"
	"github.com/scturtle/usblink/pkg/transport/serial"
	"github.com/scturtle/usblink/pkg/transport/tcp"
	"github.com/scturtle/usblink/pkg/types"
	"github.com/scturtle/usblink/pkg/util"
)

func SendCmd() cli.Command {
	return cli.Command{
		Name:      "send",
		Usage:     "Upload files to a serving peer",
		ArgsUsage: "FILE [FILE...]",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "transport",
				Value: types.TransportTypeTCP,
				Usage: "Specify the transport. Available options are \"tcp\" and \"serial\"",
			},
			cli.StringFlag{
				Name:   "addr",
				Value:  "localhost:9520",
				EnvVar: "USBLINK_ADDR",
				Usage:  "Address of the serving peer, for the tcp transport",
			},
			cli.StringFlag{
				Name:  "device",
				Usage: "Serial device, for the serial transport",
			},
			cli.IntFlag{
				Name:  "baud",
				Value: serial.DefaultBaudRate,
			},
			cli.StringFlag{
				Name:  "chunk-size",
				Value: "16mb",
				Usage: "Range size in bytes or human readable 42kb, 16mb",
			},
			cli.StringFlag{
				Name:  "ack-timeout",
				Value: dataconn.DefaultAckTimeout.String(),
			},
			cli.StringFlag{
				Name:  "dial-timeout",
				Value: "10s",
			},
			cli.BoolFlag{
				Name:  "quiet",
				Usage: "Do not show a progress bar",
			},
		},
		Action: func(c *cli.Context) {
			if err := send(c); err != nil {
				logrus.WithError(err).Fatalf("Error running send command")
			}
		},
	}
}

func dialTransport(c *cli.Context) (types.Transport, error) {
	switch c.String("transport") {
	case types.TransportTypeTCP:
		timeout, err := util.ParseTimeout(c.String("dial-timeout"))
		if err != nil {
			return nil, errors.Wrap(err, "invalid dial-timeout")
		}
		return tcp.Dial(c.String("addr"), timeout)
	case types.TransportTypeSerial:
		if c.String("device") == "" {
			return nil, errors.New("device is required for serial transport")
		}
		return serial.Open(c.String("device"), serial.Options{BaudRate: c.Int("baud")})
	}
	return nil, errors.Errorf("unsupported transport %q", c.String("transport"))
}

func send(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one file is required")
	}

	chunkSize, err := util.ParseSize(c.String("chunk-size"))
	if err != nil {
		return errors.Wrap(err, "invalid chunk-size")
	}
	if chunkSize > dataconn.MaxChunkSize {
		return errors.Errorf("chunk-size %v exceeds %v", chunkSize, dataconn.MaxChunkSize)
	}
	ackTimeout, err := util.ParseTimeout(c.String("ack-timeout"))
	if err != nil {
		return errors.Wrap(err, "invalid ack-timeout")
	}

	transport, err := dialTransport(c)
	if err != nil {
		return err
	}
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addShutdown(cancel)

	client := dataconn.NewClient(transport,
		dataconn.WithChunkSize(chunkSize),
		dataconn.WithAckTimeout(ackTimeout))

	for _, path := range c.Args() {
		if err := sendFile(ctx, client, path, c.Bool("quiet")); err != nil {
			return err
		}
	}
	return nil
}

func sendFile(ctx context.Context, client *dataconn.Client, path string, quiet bool) error {
	var progress dataconn.ProgressFunc
	var bar *pb.ProgressBar
	if !quiet {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		bar = pb.Start64(info.Size())
		bar.Set(pb.Bytes, true)
		progress = func(sent, total int64) {
			bar.SetTotal(total)
			bar.SetCurrent(sent)
		}
	}

	start := time.Now()
	checksum, err := client.SendFile(ctx, path, progress)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return errors.Wrapf(err, "failed to send %v", path)
	}
	logrus.WithField("checksum", checksum).Infof("Sent %v in %v", path, time.Since(start).Round(time.Millisecond))
	fmt.Println(checksum)
	return nil
}
