package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/ExclusiveAccount/lan-presence/pkg/api"
	"github.com/ExclusiveAccount/lan-presence/pkg/config"
	"github.com/ExclusiveAccount/lan-presence/pkg/models"
	"github.com/ExclusiveAccount/lan-presence/pkg/presence"
	"github.com/ExclusiveAccount/lan-presence/pkg/transport"
)

const (
	appName    = "presenced"
	appVersion = "1.0.0"
)

var log = logrus.New()

func main() {
	app := &cli.App{
		Name:    appName,
		Usage:   "ARP-based device presence monitor for the local network",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.json",
				Usage:   "Load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"PRESENCED_LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				level = logrus.InfoLevel
			}
			log.SetLevel(level)
			log.SetFormatter(&logrus.TextFormatter{
				FullTimestamp:   true,
				TimestampFormat: "2006-01-02 15:04:05",
			})
			return nil
		},
		Commands: []*cli.Command{
			commandWatch(),
			commandDevices(),
			commandConfig(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// commandWatch returns the watch command configuration
func commandWatch() *cli.Command {
	return &cli.Command{
		Name:    "watch",
		Aliases: []string{"w"},
		Usage:   "Probe registered devices and track their presence",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "interface",
				Aliases: []string{"i"},
				Usage:   "Network interface to bind (autodetected when empty)",
			},
			&cli.StringFlag{
				Name:    "range",
				Aliases: []string{"r"},
				Usage:   "Sweep range as `LOWER-UPPER`, e.g. 192.168.1.1-192.168.1.254",
			},
			&cli.DurationFlag{
				Name:  "confirm-interval",
				Usage: "Interval between confirmation probes for online devices",
			},
			&cli.DurationFlag{
				Name:  "sweep-interval",
				Usage: "Interval between sweep batches for offline devices",
			},
			&cli.DurationFlag{
				Name:  "reply-timeout",
				Usage: "How long to wait for a probe reply",
			},
			&cli.BoolFlag{
				Name:  "api",
				Usage: "Serve the JSON status API",
			},
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the status API",
			},
		},
		Action: runWatch,
	}
}

func runWatch(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if os.Geteuid() != 0 {
		log.Warn("Not running as root; raw ARP sockets usually require it")
	}

	tr, err := transport.OpenPcap(cfg.Interface, log)
	if err != nil {
		return fmt.Errorf("binding transport: %w", err)
	}
	defer tr.Close()

	eng, err := presence.NewEngine(tr, presence.Options{
		ConfirmInterval: cfg.ConfirmInterval,
		SweepInterval:   cfg.SweepInterval,
		ReplyTimeout:    cfg.ReplyTimeout,
		SweepBatch:      cfg.SweepBatch,
		RangeLower:      net.ParseIP(cfg.RangeLower),
		RangeUpper:      net.ParseIP(cfg.RangeUpper),
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	for _, d := range cfg.Devices {
		mac, err := net.ParseMAC(d.MAC)
		if err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		if _, err := eng.Register(d.Name, net.ParseIP(d.IP), mac); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Fan presence events out to the log and, when enabled, the API's
	// bounded history.
	var server *api.Server
	if cfg.EnableAPI {
		server = api.NewServer(api.ServerConfig{
			Port:          cfg.APIPort,
			EnableCORS:    true,
			EventsHistory: 100,
		}, eng, log)
		go func() {
			if err := server.Start(); err != nil {
				log.Errorf("Status API: %v", err)
			}
		}()
		color.Green("Status API running at http://localhost:%s/api/devices", cfg.APIPort)
	}
	go func() {
		for ev := range eng.Events() {
			if server != nil {
				server.RecordEvent(ev)
			}
			if ev.State == models.Online {
				color.Green("%s  %s (%s) is online", ev.Timestamp.Format(time.TimeOnly), ev.Name, ev.IP)
			} else {
				color.Yellow("%s  %s (%s) is offline", ev.Timestamp.Format(time.TimeOnly), ev.Name, ev.IP)
			}
		}
	}()

	color.Green("Watching %d device(s), sweep range %s-%s", len(cfg.Devices), cfg.RangeLower, cfg.RangeUpper)
	color.Yellow("Press Ctrl+C to stop")

	err = eng.Run(ctx)
	if ctx.Err() != nil {
		log.Info("Shutting down...")
		return nil
	}
	return err
}

// commandDevices returns the devices command configuration
func commandDevices() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices configured for watching",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if len(cfg.Devices) == 0 {
				color.Yellow("No devices configured")
				return nil
			}
			for _, d := range cfg.Devices {
				fmt.Printf("%-20s %-16s %s\n", d.Name, d.IP, d.MAC)
			}
			return nil
		},
	}
}

// commandConfig returns the config command configuration
func commandConfig() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration helpers",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a default configuration file",
				Action: func(c *cli.Context) error {
					path := c.String("config")
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s already exists", path)
					}
					cfg := config.DefaultConfig()
					cfg.Devices = []config.DeviceEntry{
						{Name: "example", IP: "192.168.1.10", MAC: "aa:bb:cc:dd:ee:01"},
					}
					if err := cfg.WriteToFile(path); err != nil {
						return err
					}
					color.Green("Wrote %s", path)
					return nil
				},
			},
		},
	}
}

// loadConfig loads the config file and applies CLI overrides. A missing
// file is fine; defaults plus flags still describe a runnable setup.
func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String("config")
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
		log.Debugf("No config file at %s, using defaults", path)
		cfg = config.DefaultConfig()
	}

	if v := c.String("interface"); v != "" {
		cfg.Interface = v
	}
	if v := c.String("range"); v != "" {
		lower, upper, ok := strings.Cut(v, "-")
		if !ok {
			return cfg, fmt.Errorf("range %q must be LOWER-UPPER", v)
		}
		cfg.RangeLower = strings.TrimSpace(lower)
		cfg.RangeUpper = strings.TrimSpace(upper)
	}
	if v := c.Duration("confirm-interval"); v > 0 {
		cfg.ConfirmInterval = v
	}
	if v := c.Duration("sweep-interval"); v > 0 {
		cfg.SweepInterval = v
	}
	if v := c.Duration("reply-timeout"); v > 0 {
		cfg.ReplyTimeout = v
	}
	if c.Bool("api") {
		cfg.EnableAPI = true
	}
	if v := c.String("port"); v != "" {
		cfg.APIPort = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
