package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/treemana/iplookup/log"
	"github.com/treemana/iplookup/lookup"
	"github.com/treemana/iplookup/resolver"
	"github.com/treemana/iplookup/udp"
	"github.com/treemana/iplookup/util"
)

// Option is the content of the --config file. Command line flags take
// precedence over it, so keep zero values meaning "not configured".
type Option struct {
	Log struct {
		File       string `json:"file"`
		Verbose    bool   `json:"verbose"`
		JSON       bool   `json:"json"`
		MaxAge     int    `json:"max_age"`
		MaxSize    int    `json:"max_size"`
		MaxBackups int    `json:"max_backups"`
		Compress   bool   `json:"compress"`
	} `json:"log"`

	Local struct {
		Address string `json:"address"`
		Port    int    `json:"port"`
	} `json:"local"`

	// Backoff settings in milliseconds, defaults are 1000 and 31000
	Backoff struct {
		InitialTimeout int64 `json:"initial_timeout_ms"`
		Budget         int64 `json:"budget_ms"`
	} `json:"backoff"`

	Resolver struct {
		// DNS server queried directly, empty uses the system resolver
		// unless SRV needs one, then /etc/resolv.conf
		DNS string `json:"dns"`
		SRV bool   `json:"srv"`

		// Hosts maps STUN server names to "ip" or "ip:port" entries
		Hosts map[string][]string `json:"hosts"`
	} `json:"resolver"`
}

var errUsage = errors.New("exactly one STUN server argument is required")

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "iplookup:", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:            "iplookup",
		Usage:           "print the public IP address of this host as seen by a STUN server",
		ArgsUsage:       "<host[:port]>",
		HideHelpCommand: true,
		Writer:          stdout,
		ErrWriter:       stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log datagrams and backoff decisions, also enabled by a non-empty DEBUG",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "json option file",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "also write logs to this file, rotated",
			},
			&cli.BoolFlag{
				Name:  "json-log",
				Usage: "json log encoding",
			},
			&cli.StringFlag{
				Name:  "dns",
				Usage: "resolve the server through this DNS server, [udp|tcp|tls://]host[:port]",
			},
			&cli.BoolFlag{
				Name:  "srv",
				Usage: "look up _stun._udp SRV records when no port is given",
			},
			&cli.DurationFlag{
				Name:  "initial-timeout",
				Value: lookup.DefaultInitialTimeout,
				Usage: "receive timeout of the first attempt",
			},
			&cli.DurationFlag{
				Name:  "budget",
				Value: lookup.DefaultBudget,
				Usage: "total time to wait for a response",
			},
			&cli.StringFlag{
				Name:  "local",
				Usage: "local address to bind",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "local port to bind, 0 picks one",
			},
		},
		OnUsageError: func(c *cli.Context, err error, _ bool) error {
			return err
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		_, _ = fmt.Fprintf(c.App.ErrWriter, "usage: %s [flags] %s\n", c.App.Name, c.App.ArgsUsage)
		return errUsage
	}

	option, err := loadOption(c)
	if err != nil {
		return err
	}

	if err = initLog(c.App.ErrWriter, option); err != nil {
		return err
	}
	defer func() { _ = log.Logger.Sync() }()

	r, err := newResolver(option)
	if err != nil {
		return err
	}

	conn, err := udp.Listen(localAddress(option))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := lookup.New(conn,
		lookup.WithResolver(r),
		lookup.WithLogger(log.Logger),
		lookup.WithInitialTimeout(time.Duration(option.Backoff.InitialTimeout)*time.Millisecond),
		lookup.WithBudget(time.Duration(option.Backoff.Budget)*time.Millisecond),
	)

	server := c.Args().First()
	result, err := client.Lookup(ctx, server)
	if err != nil {
		return err
	}

	log.Logger.Debug("lookup done",
		zap.Stringer("server", result.Server),
		zap.Stringer("public", result.Public),
		zap.Int("attempts", result.Attempts),
		zap.Duration("elapsed", result.Elapsed))

	if ip := result.Public.Addr(); !util.IsPublic(ip) {
		log.Sugar.Warnf("%s answered with non-public address %s, there may be another NAT in front of it", server, ip)
	}

	_, err = fmt.Fprintln(c.App.Writer, result.Public.Addr())
	return err
}

// loadOption reads the --config file, if any, and lays the flags that
// were set on top of it.
func loadOption(c *cli.Context) (*Option, error) {
	option := new(Option)

	if path := c.String("config"); len(path) > 0 {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err = json.Unmarshal(raw, option); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if c.Bool("verbose") || len(os.Getenv("DEBUG")) > 0 {
		option.Log.Verbose = true
	}
	if c.IsSet("log-file") {
		option.Log.File = c.String("log-file")
	}
	if c.IsSet("json-log") {
		option.Log.JSON = c.Bool("json-log")
	}
	if c.IsSet("dns") {
		option.Resolver.DNS = c.String("dns")
	}
	if c.IsSet("srv") {
		option.Resolver.SRV = c.Bool("srv")
	}
	if c.IsSet("local") {
		option.Local.Address = c.String("local")
	}
	if c.IsSet("port") {
		option.Local.Port = c.Int("port")
	}
	if c.IsSet("initial-timeout") || option.Backoff.InitialTimeout <= 0 {
		option.Backoff.InitialTimeout = c.Duration("initial-timeout").Milliseconds()
	}
	if c.IsSet("budget") || option.Backoff.Budget <= 0 {
		option.Backoff.Budget = c.Duration("budget").Milliseconds()
	}

	if option.Local.Port < 0 || option.Local.Port > 65535 {
		return nil, fmt.Errorf("local port %d out of range", option.Local.Port)
	}
	if option.Backoff.InitialTimeout <= 0 || option.Backoff.Budget <= 0 {
		return nil, errors.New("initial timeout and budget must be at least 1ms")
	}

	return option, nil
}

func logConfig(w io.Writer, option *Option) log.Config {
	lc := log.Config{
		Writer:     w,
		File:       option.Log.File,
		JsonFormat: option.Log.JSON,
		MaxAge:     option.Log.MaxAge,
		MaxSize:    option.Log.MaxSize,
		MaxBackups: option.Log.MaxBackups,
		Compress:   option.Log.Compress,
	}

	if lc.MaxSize == 0 {
		lc.MaxSize = 10
	}

	if option.Log.Verbose {
		lc.Level = -1
	}

	return lc
}

func initLog(w io.Writer, option *Option) error {
	if err := log.Init(logConfig(w, option)); err != nil {
		return fmt.Errorf("log init: %w", err)
	}

	return nil
}

// newResolver chains static hosts, SRV discovery and the DNS client the
// options ask for in front of the system resolver.
func newResolver(option *Option) (resolver.Resolver, error) {
	var r resolver.Resolver = resolver.System{}

	if len(option.Resolver.DNS) > 0 || option.Resolver.SRV {
		client, err := resolver.NewDNS(option.Resolver.DNS)
		if err != nil {
			return nil, err
		}
		log.Sugar.Debugf("resolving through %s", client.Server())

		r = client
		if option.Resolver.SRV {
			r = resolver.SRV{DNS: client, Next: client}
		}
	}

	if len(option.Resolver.Hosts) > 0 {
		r = resolver.Static{Hosts: option.Resolver.Hosts, Next: r}
	}

	return r, nil
}

func localAddress(option *Option) string {
	if len(option.Local.Address) == 0 && option.Local.Port == 0 {
		return ""
	}
	return net.JoinHostPort(option.Local.Address, strconv.Itoa(option.Local.Port))
}
