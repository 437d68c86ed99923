package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/imgvault/imgvault/client"
	"github.com/imgvault/imgvault/server"
)

func main() {
	app := cli.NewApp()
	app.Name = "imgvault"
	app.Usage = "Store and fetch encrypted image blobs over TCP"
	app.Version = server.Version
	app.Flags = getServerFlags()
	app.Action = serve
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the server (the default when no command is given)",
			Flags:  getServerFlags(),
			Action: serve,
		},
		{
			Name:      "put",
			Usage:     "store FILE on a server under ID",
			ArgsUsage: "ID FILE",
			Flags:     getClientFlags(),
			Action:    put,
		},
		{
			Name:      "get",
			Usage:     "fetch the blob stored under ID",
			ArgsUsage: "ID",
			Flags: append(getClientFlags(), cli.StringFlag{
				Name:  "out, o",
				Usage: "write the blob to `FILE`",
			}),
			Action: get,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	config, err := server.NewConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		config.Port = c.Int("port")
	}
	if c.IsSet("host") {
		config.Host = c.String("host")
	}
	if c.IsSet("data-dir") {
		config.DataDir = c.String("data-dir")
	}
	if c.IsSet("level") {
		level, err := server.GetLogLevel(c.String("level"))
		if err != nil {
			return err
		}
		config.LogLevel = level
	}
	if c.IsSet("max-frame-bytes") {
		size, err := humanize.ParseBytes(c.String("max-frame-bytes"))
		if err != nil {
			return errors.Wrap(err, "invalid --max-frame-bytes")
		}
		if size > math.MaxUint32 {
			return errors.Errorf("invalid --max-frame-bytes: %d is too large", size)
		}
		config.MaxFrameBytes = uint32(size)
	}
	if c.IsSet("max-connections") {
		config.MaxConnections = c.Int("max-connections")
	}
	if c.IsSet("metrics-listen") {
		config.MetricsListen = c.String("metrics-listen")
	}
	if c.IsSet("health-listen") {
		config.HealthListen = c.String("health-listen")
	}

	server := server.New(config)
	if err := server.Start(); err != nil {
		return err
	}
	runtime.Goexit()
	return nil
}

func put(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("put requires ID and FILE", 2)
	}
	id, file := c.Args().Get(0), c.Args().Get(1)
	blob, err := readInput(file)
	if err != nil {
		return err
	}
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	if err := cl.Store(context.Background(), id, blob); err != nil {
		return err
	}
	fmt.Printf("Stored %d bytes as %q on %s\n", len(blob), id, cl.Addr())
	return nil
}

func get(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("get requires ID", 2)
	}
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	blob, err := cl.Fetch(context.Background(), c.Args().Get(0))
	if err != nil {
		return err
	}
	fmt.Printf("Received %d bytes\n", len(blob))
	if out := c.String("out"); out != "" {
		if err := os.WriteFile(out, blob, 0644); err != nil {
			return errors.Wrap(err, "failed to write blob")
		}
	}
	return nil
}

func newClient(c *cli.Context) (*client.Client, error) {
	addr, err := normalizeAddr(c.String("server"))
	if err != nil {
		return nil, err
	}
	return client.New(addr, client.Timeout(c.Duration("timeout")))
}

func readInput(file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read blob")
	}
	return data, nil
}

// normalizeAddr fills in the default host and port of a server address.
func normalizeAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return net.JoinHostPort("localhost", strconv.Itoa(server.DefaultPort)), nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// No port given.
		if strings.Contains(err.Error(), "missing port") {
			return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(server.DefaultPort)), nil
		}
		return "", errors.Wrapf(err, "invalid server address %q", addr)
	}
	if host == "" {
		host = "localhost"
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", errors.Errorf("invalid port %q in server address %q", port, addr)
	}
	return net.JoinHostPort(host, port), nil
}

func getServerFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
		cli.IntFlag{
			Name:  "port, p",
			Usage: "port to bind to",
			Value: server.DefaultPort,
		},
		cli.StringFlag{
			Name:  "host",
			Usage: "address to bind to",
		},
		cli.StringFlag{
			Name:  "data-dir, d",
			Usage: "persist the server ID in `DIR`",
		},
		cli.StringFlag{
			Name:  "level, l",
			Usage: "logging level [debug|info|warn|error]",
			Value: "info",
		},
		cli.StringFlag{
			Name:  "max-frame-bytes",
			Usage: "largest accepted frame payload, e.g. 100MiB",
		},
		cli.IntFlag{
			Name:  "max-connections",
			Usage: "maximum number of connections served at once (0 = unbounded)",
		},
		cli.StringFlag{
			Name:  "metrics-listen",
			Usage: "serve Prometheus metrics on `ADDR`",
		},
		cli.StringFlag{
			Name:  "health-listen",
			Usage: "serve gRPC health checks on `ADDR`",
		},
	}
}

func getClientFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "server, s",
			Usage: "server `ADDR`",
			Value: fmt.Sprintf("localhost:%d", server.DefaultPort),
		},
		cli.DurationFlag{
			Name:  "timeout, t",
			Usage: "request timeout",
			Value: client.DefaultOptions().Timeout,
		},
	}
}
