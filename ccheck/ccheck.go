// Command ccheck implements the consistency checker redis cluster client
// as described in http://redis.io/topics/cluster-tutorial. It is used
// to test the clustercache package with real cluster failover and
// resharding situations.
//
// It writes increasing counters under a set of keys and reads them back,
// reporting the reads that return an older value than the last
// acknowledged write (lost writes) and those that return a newer value
// than expected, from a write that failed but was applied (not
// acknowledged writes).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mna/clustercache"
	"github.com/mna/clustercache/internal/clicfg"
	"github.com/mna/mainer"
	"github.com/rs/zerolog"
)

const binName = "ccheck"

const (
	workingSet = 1000
	keySpace   = 10000
)

const failure mainer.ExitCode = 1

var longUsage = fmt.Sprintf(`usage: %s [<option>...]
       %[1]s -h|--help

Check the consistency of a Redis cluster via the clustercache package.

Valid flag options are:
       -h --help                 Show this help and exit immediately.
       -a --addrs ADDRS          Comma-separated list of seed addresses,
                                 overrides the configuration.
       -c --config FILE          Read the configuration from this YAML
                                 file.
       -e --env-file FILE        Read CLUSTERCACHE_* variables from this
                                 file (default .env if it exists).
       -d --delay DUR            Delay between each read/write cycle.
       --duration DUR            Stop after this duration (default run
                                 until interrupted).
       --stats-interval DUR      Interval between stats lines (default
                                 1s).
       --prefix PREFIX           Prefix of the keys (default "key_").
`, binName)

type cmd struct {
	Help bool `flag:"h,help"`

	Addrs         string        `flag:"a,addrs"`
	Config        string        `flag:"c,config"`
	EnvFile       string        `flag:"e,env-file"`
	Delay         time.Duration `flag:"d,delay"`
	Duration      time.Duration `flag:"duration"`
	StatsInterval time.Duration `flag:"stats-interval"`
	Prefix        string        `flag:"prefix"`
}

func (c *cmd) Validate() error {
	if c.Delay < 0 || c.Duration < 0 || c.StatsInterval < 0 {
		return errors.New("durations must be >= 0")
	}
	return nil
}

func (c *cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	var p mainer.Parser
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return mainer.InvalidArgs
	}
	if c.Help {
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success
	}

	cfg, err := clicfg.Read(c.Config, c.EnvFile)
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return failure
	}
	if c.Addrs != "" {
		cfg.SeedAddrs = strings.Split(c.Addrs, ",")
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: stdio.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.WarnLevel).With().Timestamp().Logger()
	cfg.Logger = &logger
	// redirections are followed until the topology is refreshed
	if cfg.MaxRedirects < 4 {
		cfg.MaxRedirects = 4
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if c.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}

	client, err := clustercache.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stdio.Stderr, err)
		return failure
	}
	defer client.Close()

	prefix := c.Prefix
	if prefix == "" {
		prefix = "key_"
	}
	interval := c.StatsInterval
	if interval == 0 {
		interval = time.Second
	}

	chk := &checker{
		cache:  client,
		prefix: prefix,
		delay:  c.Delay,
		log:    logger,
		values: make(map[string]int, workingSet),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		chk.printStats(ctx, stdio.Stdout, interval)
	}()
	chk.run(ctx)
	wg.Wait()

	chk.writeStats(stdio.Stdout)
	return mainer.Success
}

type stats struct {
	writes, reads             int
	failedWrites, failedReads int
	lostWrites, noAckWrites   int
}

type checker struct {
	cache  clustercache.Cache
	prefix string
	delay  time.Duration
	log    zerolog.Logger

	// last acknowledged value per key
	values map[string]int

	mu    sync.Mutex
	stats stats
}

func (c *checker) run(ctx context.Context) {
	for ctx.Err() == nil {
		var delta stats
		key := c.genKey()

		// read only if we know what that key should be
		exp, ok := c.values[key]
		if ok {
			b, found, err := c.cache.Get(ctx, key)
			if err == nil && found {
				var v int
				v, err = strconv.Atoi(string(b))
				if err == nil {
					delta.reads = 1
					if exp > v {
						delta.lostWrites = exp - v
					} else if exp < v {
						delta.noAckWrites = v - exp
						exp = v
					}
				}
			} else if err == nil {
				// expired or lost entirely
				delta.reads = 1
				delta.lostWrites = exp
				exp = 0
			}
			if err != nil {
				if stopped(ctx, err) {
					return
				}
				c.log.Warn().Err(err).Int("slot", clustercache.Slot(key)).Msg("read failed")
				delta.failedReads = 1
			}
		}

		// write
		next := exp + 1
		if err := c.cache.Set(ctx, key, []byte(strconv.Itoa(next)), clustercache.NoExpiry); err != nil {
			if stopped(ctx, err) {
				return
			}
			c.log.Warn().Err(err).Int("slot", clustercache.Slot(key)).Msg("write failed")
			delta.failedWrites = 1
		} else {
			delta.writes = 1
			c.values[key] = next
		}

		c.update(delta)
		if c.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.delay):
			}
		}
	}
}

// stopped returns true if err is due to the end of the run rather than a
// failure of the cluster. The deadline of ctx may have passed before ctx
// is done.
func stopped(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	dl, ok := ctx.Deadline()
	return ok && errors.Is(err, clustercache.ErrTimeout) && !time.Now().Before(dl)
}

func (c *checker) update(d stats) {
	c.mu.Lock()
	c.stats.writes += d.writes
	c.stats.reads += d.reads
	c.stats.failedWrites += d.failedWrites
	c.stats.failedReads += d.failedReads
	c.stats.lostWrites += d.lostWrites
	c.stats.noAckWrites += d.noAckWrites
	c.mu.Unlock()
}

func (c *checker) writeStats(w io.Writer) {
	c.mu.Lock()
	s := c.stats
	c.mu.Unlock()
	fmt.Fprintf(w, "%d R (%d err) | %d W (%d err) | %d lost | %d noack\n",
		s.reads, s.failedReads, s.writes, s.failedWrites, s.lostWrites, s.noAckWrites)
}

// each interval, print stats
func (c *checker) printStats(ctx context.Context, w io.Writer, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.writeStats(w)
		}
	}
}

func (c *checker) genKey() string {
	ks := workingSet
	if rand.Float64() > 0.5 {
		ks = keySpace
	}
	return c.prefix + strconv.Itoa(rand.IntN(ks))
}

func main() {
	var c cmd
	os.Exit(int(c.Main(os.Args, mainer.CurrentStdio())))
}
