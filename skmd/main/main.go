package main

import (
	"fmt"
	"os"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	skm "github.com/rainzhang05/sk-manager-extension"
	"github.com/rainzhang05/sk-manager-extension/device"
	"github.com/rainzhang05/sk-manager-extension/skmd"
)

var log *logging.Logger

func main() {
	app := cli.NewApp()
	app.Name = "skmd"
	app.Usage = "native host for security-key management"
	app.Version = skm.CURRENT_VERSION.String()
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to an optional YAML config file",
		},
	}
	app.Action = runHost
	app.Commands = []cli.Command{
		{
			Name:   "devices",
			Usage:  "enumerate attached security keys and exit",
			Action: listDevicesCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) skm.Config {
	path := c.GlobalString("config")
	if path == "" {
		return skm.DefaultConfig()
	}
	cfg, err := skm.LoadConfig(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

func runHost(c *cli.Context) error {
	log = skm.SetupLogging("skmd", logging.NOTICE)
	cfg := loadConfig(c)

	dispatcher := skmd.NewDispatcher(cfg)
	defer dispatcher.Shutdown()

	log.Noticef("skmd %s ready", skm.CURRENT_VERSION)
	return dispatcher.Serve(os.Stdin, os.Stdout)
}

func listDevicesCommand(c *cli.Context) error {
	skm.SetupLogging("skmd", logging.ERROR)
	cfg := loadConfig(c)

	mgr := device.NewManager(cfg.Readers.ExtraMatches)
	defer mgr.Close()

	devices := mgr.ListDevices()
	if len(devices) == 0 {
		fmt.Println(skm.Yellow("no security keys found"))
		return nil
	}
	for _, d := range devices {
		kind := skm.Cyan(string(d.Type))
		name := d.ProductName
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s  %s  %s  vid=%04x pid=%04x  %s\n",
			skm.Green(d.ID), kind, name, d.VendorID, d.ProductID, d.Path)
	}
	return nil
}
