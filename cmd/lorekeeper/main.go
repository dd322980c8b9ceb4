package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/floegence/lorekeeper/internal/auditlog"
	"github.com/floegence/lorekeeper/internal/config"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run", "play":
		runCmd(os.Args[2:])
	case "seed":
		seedCmd(os.Args[2:])
	case "reindex":
		reindexCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	case "version":
		fmt.Printf("lorekeeper %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `lorekeeper

Usage:
  lorekeeper run [flags]
  lorekeeper seed [flags] <world.yaml>
  lorekeeper reindex [flags]
  lorekeeper audit [flags]
  lorekeeper version

Commands:
  run       Play an interactive session against the configured model.
  seed      Load universes, campaigns, locations and rules from a YAML file and index them.
  reindex   Rebuild the similarity index from the world store.
  audit     Print recent audit entries as JSON lines.
  version   Print build information.

`)
}

func fatalf(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

// loadApp reads the config at path and opens the data dir it names.
func loadApp(cfgPath string) *app {
	if strings.TrimSpace(cfgPath) == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf(1, "failed to load config: %v", err)
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		fatalf(1, "failed to read secrets: %v", err)
	}
	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	if err != nil {
		fatalf(1, "invalid logging config: %v", err)
	}
	a, err := openApp(cfg, secrets, logger)
	if err != nil {
		fatalf(1, "failed to open data dir %s: %v", cfg.DataDir, err)
	}
	return a
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file (default: ~/.lorekeeper/config.yaml)")
	sessionID := fs.String("session", "default", "Session id; reuse it to resume a session")
	model := fs.String("model", "", "Model to use as <provider_id>/<model_name> (default: the configured default)")
	_ = fs.Parse(args)

	a := loadApp(*cfgPath)
	defer a.Close()

	if m := strings.TrimSpace(*model); m != "" {
		if err := a.cfg.Generation.SetDefaultModel(m); err != nil {
			fatalf(2, "invalid --model: %v", err)
		}
	}
	backend, modelID, err := newBackend(a.cfg, a.secrets)
	if errors.Is(err, errNoProvider) {
		fatalf(1, "%v\nHint: add a provider under generation.providers in %s", err, config.DefaultConfigPath())
	}
	if err != nil {
		fatalf(1, "failed to init model backend: %v", err)
	}
	eng, err := a.newEngine(backend)
	if err != nil {
		fatalf(1, "failed to init engine: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	printBanner(os.Stdout, bannerOptions{
		Version:   Version,
		SessionID: *sessionID,
		Model:     modelID,
		DataDir:   a.cfg.DataDir,
	})

	r := &repl{eng: eng, sessionID: strings.TrimSpace(*sessionID)}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) && isTerminalWriter(os.Stdout) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			fatalf(1, "failed to configure terminal: %v", err)
		}
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "> ")
		r.in, r.out = t, t
		err = r.run(ctx)
		_ = term.Restore(fd, old)
		if err != nil {
			fatalf(1, "session ended with error: %v", err)
		}
		return
	}

	r.in, r.out = newScannerReader(os.Stdin), os.Stdout
	if err := r.run(ctx); err != nil {
		fatalf(1, "session ended with error: %v", err)
	}
}

func seedCmd(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file (default: ~/.lorekeeper/config.yaml)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	entities, err := loadSeed(fs.Arg(0))
	if err != nil {
		fatalf(1, "failed to read seed file: %v", err)
	}
	a := loadApp(*cfgPath)
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	n, err := seedWorld(ctx, a.store, a.pipeline, entities)
	if err != nil {
		a.Close()
		fatalf(1, "seed failed after %d entities: %v", n, err)
	}
	fmt.Printf("Seeded %d entities into %s.\n", n, a.cfg.DataDir)
}

func reindexCmd(args []string) {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file (default: ~/.lorekeeper/config.yaml)")
	_ = fs.Parse(args)

	a := loadApp(*cfgPath)
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	n, err := reindexWorld(ctx, a.store, a.pipeline)
	if err != nil {
		a.Close()
		fatalf(1, "reindex failed: %v", err)
	}
	fmt.Printf("Reindexed %d entities.\n", n)
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file (default: ~/.lorekeeper/config.yaml)")
	sessionID := fs.String("session", "", "Only entries of this session")
	requestID := fs.String("request", "", "Only entries of this change request")
	action := fs.String("action", "", "Only entries with this action (turn, mode_switch, change_submitted, ...)")
	limit := fs.Int("n", 50, "Maximum entries, newest first")
	_ = fs.Parse(args)

	a := loadApp(*cfgPath)
	defer a.Close()
	if a.audit == nil {
		a.Close()
		fatalf(1, "the audit log is disabled in the config")
	}

	entries, err := a.audit.List(auditlog.Filter{
		SessionID: strings.TrimSpace(*sessionID),
		RequestID: strings.TrimSpace(*requestID),
		Action:    strings.TrimSpace(*action),
	}, *limit)
	if err != nil {
		a.Close()
		fatalf(1, "failed to read audit log: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		_ = enc.Encode(e)
	}
}
