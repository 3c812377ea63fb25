// Mythcore runs game rules written as hot-reloadable Lua scripts against a
// shared world, delegating their evaluation to a supervised worker pool.
//
// Usage:
//
//	mythcore serve [flags]    start the master, its workers and the console
//	mythcore worker           run one worker (started by serve)
//	mythcore check <dir>      compile and classify the scripts of dir
//	mythcore --version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nathoo/mythcore/bus"
	"github.com/nathoo/mythcore/cache"
	"github.com/nathoo/mythcore/cli"
	"github.com/nathoo/mythcore/clock"
	"github.com/nathoo/mythcore/config"
	"github.com/nathoo/mythcore/ipc"
	"github.com/nathoo/mythcore/loader"
	"github.com/nathoo/mythcore/logging"
	"github.com/nathoo/mythcore/registry"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/storage/memory"
	"github.com/nathoo/mythcore/storage/sqlite"
	"github.com/nathoo/mythcore/supervisor"
	"github.com/nathoo/mythcore/telemetry"
	"github.com/nathoo/mythcore/tui"
	"github.com/nathoo/mythcore/types"
	"github.com/nathoo/mythcore/worker"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = "Usage: mythcore serve [flags] | mythcore worker | mythcore check [flags] <dir> | mythcore --version"

// clockInterval is the cadence of the game time broadcast to workers.
const clockInterval = time.Second

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "--version", "version":
		fmt.Printf("mythcore %s (commit %s, built %s)\n", version, commit, date)
		return
	case "serve":
		err = runServe(ctx, args[1:])
	case "worker":
		err = runWorker(ctx)
	case "check":
		err = runCheck(args[1:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s\n", args[0], usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// newLogger builds a process logger from the configuration.
func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	lc := logging.Default("mythcore", logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		lc.Level = lvl
	}
	lc.Format = cfg.LogFormat
	return logging.New(lc, w)
}

func openStore(cfg config.Config) (storage.Store, error) {
	if cfg.Store == config.StoreMemory {
		return memory.New(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return sqlite.Open(cfg.DBPath)
}

// workerCompiledDir keeps each worker module's artifacts apart from the
// master's.
func workerCompiledDir(cfg config.Config, module string) string {
	return filepath.Join(cfg.CompiledDir, module)
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	plain := fs.Bool("plain", false, "Use the line console even on a terminal")
	script := fs.String("script", "", "Run console commands from a file, then exit")
	trace := fs.Bool("trace", false, "Print notifications in the line console")
	clean := fs.Bool("clean", false, "Wipe compiled scripts before the first load")
	logFile := fs.String("log-file", "", "Write logs to a file instead of standard error")
	cfg, err := config.Load(fs, args)
	if err != nil {
		return err
	}
	tuiMode := *script == "" && !*plain && isTerminal()

	// Step 1. Logging and tracing.
	var logOut io.Writer = os.Stderr
	switch {
	case *logFile != "":
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logOut = f
	case tuiMode:
		// The full-screen console owns the terminal.
		logOut = io.Discard
	}
	log := newLogger(cfg, logOut).With().Str("role", "master").Logger()

	shutdown, err := telemetry.Setup(ctx, telemetry.Settings{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTelEndpoint,
		Enabled:     cfg.OTelEnabled,
		Attributes:  map[string]string{"mythcore.role": "master"},
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown(ctx)
	}()

	// Step 2. Store, cache and registry of the master.
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	b := bus.New("master", log)
	_, ids, err := cache.Open(ctx, store, b, log)
	if err != nil {
		return fmt.Errorf("loading entity ids: %w", err)
	}
	reg, err := registry.New(registry.Options{
		SourceDir:   cfg.SourceDir,
		CompiledDir: cfg.CompiledDir,
		Encoding:    cfg.Encoding,
		Supervising: true,
		Entities:    ids,
	}, b, log)
	if err != nil {
		return err
	}
	defer reg.Close()
	ids.Reserve(reg.Has)
	if err := reg.ResetAll(ctx, *clean); err != nil {
		log.Warn().Err(err).Msg("some executables failed to load")
	}

	// Step 3. Worker pool. An in-memory store only exists in this process,
	// so its workers run as goroutines.
	var spawner ipc.Spawner = ipc.ExecSpawner{Args: []string{"worker"}}
	if cfg.Store == config.StoreMemory {
		spawner = ipc.PipeSpawner{Run: func(ctx context.Context, spec ipc.Spec, conn ipc.Conn) error {
			return worker.Serve(ctx, conn, worker.Options{
				Spec:        spec,
				Store:       store,
				SourceDir:   cfg.SourceDir,
				CompiledDir: workerCompiledDir(cfg, spec.Module),
				Encoding:    cfg.Encoding,
				Frequency:   cfg.TurnFrequency(),
				Log:         log,
			})
		}}
	}
	sup := supervisor.New(spawner, b, log, supervisor.Options{
		CallTimeout: cfg.CallTimeout,
		RetryDelay:  cfg.RetryDelay,
		MaxTries:    cfg.MaxTries,
	})
	if err := sup.Start(ctx, supervisor.DefaultSpecs(cfg.Env())...); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Close(ctx)
	}()
	log.Info().Str("store", cfg.Store).Int("executables", len(reg.Find(nil))).Msg("master started")

	// Step 4. Game clock and console.
	clk := clock.New(nil)
	console := &cli.Console{
		Backend:  sup,
		Registry: reg,
		Clock:    broadcastClock{Clock: clk, notify: b.Notify},
		Email:    cfg.PlayerEmail,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := clk.Run(gctx, clockInterval, b.Notify)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		// Ending the console ends the master.
		defer cancel()
		return runConsole(gctx, console, b, *script, *trace, tuiMode)
	})
	err = g.Wait()
	log.Info().Msg("master stopped")
	return err
}

func runConsole(ctx context.Context, console *cli.Console, b *bus.Bus, script string, trace, tuiMode bool) error {
	if tuiMode {
		err := tui.Run(ctx, console, b.OnNotify)
		if errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil) {
			return nil
		}
		return err
	}

	c := cli.New(console)
	c.Trace = trace
	if script != "" {
		f, err := os.Open(script)
		if err != nil {
			return fmt.Errorf("opening script: %w", err)
		}
		defer f.Close()
		c.In = f
		c.EchoInput = true
	}
	unsubscribe := b.OnNotify(func(n types.Notification) {
		if n.Scope != clock.Scope {
			c.Notify(n)
		}
	})
	defer unsubscribe()
	err := c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// broadcastClock tells workers about console changes to the game time
// without waiting for the next tick.
type broadcastClock struct {
	*clock.Clock
	notify func(scope, name string, details ...any)
}

func (c broadcastClock) Set(t time.Time) {
	c.Clock.Set(t)
	c.broadcast()
}

func (c broadcastClock) Pause() {
	c.Clock.Pause()
	c.broadcast()
}

func (c broadcastClock) Resume() {
	c.Clock.Resume()
	c.broadcast()
}

func (c broadcastClock) broadcast() {
	c.notify(clock.Scope, clock.EventChange, c.Now().UnixMilli())
}

// runWorker serves the master over standard input and output. The master
// passes the configuration and the worker identity through the
// environment.
func runWorker(ctx context.Context) error {
	cfg, err := config.Load(flag.NewFlagSet("worker", flag.ContinueOnError), nil)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(os.Getenv(ipc.EnvIndex))
	if err != nil {
		return fmt.Errorf("worker index: %w", err)
	}
	spec := ipc.Spec{
		Index:  index,
		Module: os.Getenv(ipc.EnvModule),
		Origin: os.Getenv(ipc.EnvOrigin),
	}
	if spec.Module == "" || spec.Origin == "" {
		return errors.New("worker started without a module or origin")
	}

	cfg.LogFormat = config.FormatJSON
	log := newLogger(cfg, os.Stderr).With().Str("origin", spec.Origin).Logger()

	shutdown, err := telemetry.Setup(ctx, telemetry.Settings{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTelEndpoint,
		Enabled:     cfg.OTelEnabled,
		Attributes:  map[string]string{"mythcore.role": "worker", "mythcore.module": spec.Module},
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown(ctx)
	}()

	if cfg.Store != config.StoreSQLite {
		return fmt.Errorf("a worker process cannot share a %s store", cfg.Store)
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	conn := ipc.NewStreamConn(os.Stdin, os.Stdout, os.Stdin, os.Stdout)
	return worker.Serve(ctx, conn, worker.Options{
		Spec:        spec,
		Store:       store,
		SourceDir:   cfg.SourceDir,
		CompiledDir: workerCompiledDir(cfg, spec.Module),
		Encoding:    cfg.Encoding,
		Frequency:   cfg.TurnFrequency(),
		Log:         log,
	})
}

// runCheck compiles every script of a directory and prints how each one
// was classified.
func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	encoding := fs.String("encoding", "utf-8", "Encoding of script sources")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("check requires a script directory")
	}
	dir := fs.Arg(0)

	log := newLogger(config.Config{LogLevel: "warn", LogFormat: logging.FormatConsole}, os.Stderr)
	compiled, err := os.MkdirTemp("", "mythcore-check-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(compiled)
	// The registry only provides the source decoding here.
	reg, err := registry.New(registry.Options{SourceDir: dir, CompiledDir: compiled, Encoding: *encoding}, nil, log)
	if err != nil {
		return err
	}

	reports, warnings, err := loader.Check(dir, reg.Decode, log)
	for _, r := range reports {
		line := fmt.Sprintf("%-24s %s", r.ID, r.Meta.Kind)
		switch r.Meta.Kind {
		case types.ScriptRule:
			line += " category=" + r.Meta.Category
		case types.ScriptTurn:
			line += " rank=" + strconv.Itoa(r.Meta.Rank)
		}
		fmt.Println(line)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d scripts OK.\n", len(reports))
	return nil
}

// isTerminal returns true if stdout is a terminal (not piped/redirected).
func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
