// Command cachecli reads and writes values in a redis cluster through the
// clustercache package.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/mna/clustercache"
	"github.com/mna/clustercache/internal/clicfg"
	"github.com/mna/mainer"
	"github.com/rs/zerolog"
)

const binName = "cachecli"

// addTTL is the expiration of the values stored with the add command.
const addTTL = 120 * time.Second

const failure mainer.ExitCode = 1

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...] <command> [<arg>...]
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] <command> [<arg>...]
       %[1]s -h|--help

Read and write values in a Redis cluster via the clustercache package.

Valid flag options are:
       -h --help                 Show this help and exit immediately.
       -a --addrs ADDRS          Comma-separated list of seed addresses,
                                 overrides the configuration.
       -c --config FILE          Read the configuration from this YAML
                                 file.
       -e --env-file FILE        Read CLUSTERCACHE_* variables from this
                                 file (default .env if it exists).
       --log-level LEVEL         Log level, one of debug, info, warn or
                                 error (default warn).
       --node ID                 Node identifier used to generate the keys
                                 of the add command (default 1).
       -t --timeout DUR          Timeout of the command.
       --ttl DUR                 Time to live of the value stored by the
                                 set command (default no expiry).

Valid commands are:
       get KEY                   Print the value of KEY.
       set KEY VALUE             Store VALUE under KEY.
       del KEY                   Delete KEY.
       add VALUE                 Store VALUE under a generated key that
                                 expires after %[2]s and print the key.
       route KEY                 Print the hash slot of KEY and the node
                                 that owns it.
       slots                     Print the slot ranges of the cluster.
       hash KEY                  Print the hash slot of KEY, without
                                 connecting to the cluster.
`, binName, addTTL)
)

var arity = map[string]int{
	"get":   1,
	"set":   2,
	"del":   1,
	"add":   1,
	"route": 1,
	"slots": 0,
	"hash":  1,
}

type cmd struct {
	Help bool `flag:"h,help"`

	Addrs    string        `flag:"a,addrs"`
	Config   string        `flag:"c,config"`
	EnvFile  string        `flag:"e,env-file"`
	LogLevel string        `flag:"log-level"`
	Node     int           `flag:"node"`
	Timeout  time.Duration `flag:"t,timeout"`
	TTL      time.Duration `flag:"ttl"`

	args []string
}

func (c *cmd) SetArgs(args []string) {
	c.args = args
}

func (c *cmd) Validate() error {
	if c.Help {
		return nil
	}
	if len(c.args) == 0 {
		return errors.New("no command provided")
	}

	name := strings.ToLower(c.args[0])
	n, ok := arity[name]
	if !ok {
		return fmt.Errorf("unknown command: %s", c.args[0])
	}
	if len(c.args)-1 != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", name, n, len(c.args)-1)
	}
	if c.TTL < 0 {
		return errors.New("--ttl must be >= 0")
	}
	if c.Timeout < 0 {
		return errors.New("--timeout must be >= 0")
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
	}
	return nil
}

func (c *cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	var p mainer.Parser
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		fmt.Fprint(stdio.Stderr, shortUsage)
		return mainer.InvalidArgs
	}

	if c.Help {
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success
	}

	name, args := strings.ToLower(c.args[0]), c.args[1:]
	if name == "hash" {
		fmt.Fprintf(stdio.Stdout, "slot for %q: %d\n", args[0], clustercache.Slot(args[0]))
		return mainer.Success
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if c.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	client, err := c.newClient(ctx, stdio.Stderr)
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return failure
	}
	defer client.Close()

	if err := c.run(ctx, client, name, args, stdio.Stdout); err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return failure
	}
	return mainer.Success
}

func (c *cmd) newClient(ctx context.Context, stderr io.Writer) (*clustercache.Client, error) {
	cfg, err := clicfg.Read(c.Config, c.EnvFile)
	if err != nil {
		return nil, err
	}
	if c.Addrs != "" {
		cfg.SeedAddrs = strings.Split(c.Addrs, ",")
	}

	lvl := zerolog.WarnLevel
	if c.LogLevel != "" {
		lvl, _ = zerolog.ParseLevel(c.LogLevel)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
	cfg.Logger = &logger

	// a one-shot command has nothing to do without a topology
	cfg.RequireTopology = true
	cfg.Refresh.PeriodicInterval = 0
	cfg.Pool.MinIdle = 0
	return clustercache.New(ctx, cfg)
}

func (c *cmd) run(ctx context.Context, client *clustercache.Client, name string, args []string, stdout io.Writer) error {
	switch name {
	case "get":
		v, ok, err := client.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(stdout, "(nil)")
			return nil
		}
		fmt.Fprintln(stdout, string(v))

	case "set":
		if err := client.Set(ctx, args[0], []byte(args[1]), c.TTL); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "OK")

	case "del":
		if err := client.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "OK")

	case "add":
		node, err := snowflake.NewNode(int64(c.nodeID()))
		if err != nil {
			return fmt.Errorf("failed to create snowflake node: %w", err)
		}
		key := node.Generate().String()
		if err := client.Set(ctx, key, []byte(args[0]), addTTL); err != nil {
			return err
		}
		fmt.Fprintln(stdout, key)

	case "route":
		ep, err := client.Route(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "slot %d: %s\n", clustercache.Slot(args[0]), ep.Addr())

	case "slots":
		for _, r := range client.Snapshot().Ranges() {
			fmt.Fprintf(stdout, "%d-%d: %s", r.Start, r.End, r.Primary.Addr())
			for _, rep := range r.Replicas {
				fmt.Fprintf(stdout, " %s", rep.Addr())
			}
			fmt.Fprintln(stdout)
		}

	default:
		return fmt.Errorf("unknown command: %s", name)
	}
	return nil
}

func (c *cmd) nodeID() int {
	if c.Node == 0 {
		return 1
	}
	return c.Node
}

func main() {
	var c cmd
	os.Exit(int(c.Main(os.Args, mainer.CurrentStdio())))
}
