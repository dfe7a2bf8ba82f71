package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/scturtle/usblink/app/cmd"
	"github.com/scturtle/usblink/pkg/meta"
	"github.com/scturtle/usblink/pkg/util"
)

func main() {
	a := cli.NewApp()
	a.Name = "usblink"
	a.Usage = "Resumable lockstep file upload over a point-to-point link"
	a.Version = meta.Version
	a.Before = func(c *cli.Context) error {
		return util.SetUpLogger(c.GlobalString("log-format"), c.GlobalBool("debug"))
	}
	a.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "debug",
			EnvVar: "USBLINK_DEBUG",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "Available options are \"text\" and \"json\"",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "TOML file with defaults for the serve command",
		},
	}
	a.Commands = []cli.Command{
		cmd.ServeCmd(),
		cmd.SendCmd(),
		cmd.VersionCmd(),
	}
	if err := a.Run(os.Args); err != nil {
		logrus.Fatal("Error when executing command: ", err)
	}
}
