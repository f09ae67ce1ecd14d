// Package main is the entry point for the keytable inventory tool.
//
// keytable manages a stock table keyed by warehouse and SKU, stored as a JSONL
// file. Configuration is read from CLI flags and an optional YAML file; flags
// explicitly set on the command line win.
//
// Usage:
//
//	keytable [flags] list [warehouse]
//	keytable [flags] name <name>
//	keytable [flags] set <warehouse> <sku> <name> <qty>
//	keytable [flags] rm <warehouse> <sku>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/keytable/internal/config"
	"github.com/maruel/keytable/internal/inventory"
	"github.com/maruel/keytable/internal/jsonldb"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "keytable: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "YAML configuration file (optional)")
	data := flag.String("data", "", "JSONL file holding the inventory (default inventory.jsonl)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	watch := flag.Bool("watch", false, "Keep running and relist the table whenever the file changes")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <list|name|set|rm> [args...]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	// Flags explicitly set override the configuration file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.Data = *data
		case "log-level":
			cfg.LogLevel = *logLevel
		case "watch":
			cfg.Watch = *watch
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	lvl, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(lvl)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) == 0 {
		if !cfg.Watch {
			flag.Usage()
			return errors.New("missing command")
		}
		args = []string{"list"}
	}

	inv, err := inventory.Open(cfg.Data, logger)
	if err != nil {
		return fmt.Errorf("failed to open inventory: %w", err)
	}
	slog.DebugContext(ctx, "Inventory opened", "path", inv.Path())
	if err := run(inv, args, os.Stdout); err != nil {
		return err
	}
	st, err := inv.Save()
	if err != nil {
		return fmt.Errorf("failed to save inventory: %w", err)
	}
	if st != (jsonldb.Stats{}) {
		slog.InfoContext(ctx, "Inventory saved", "appended", st.Appended, "rewritten", st.Rewritten)
	}
	if !cfg.Watch {
		return nil
	}
	return watchInventory(ctx, inv, os.Stdout)
}

// run executes one command against the inventory.
func run(inv *inventory.Inventory, args []string, w io.Writer) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "list":
		if len(args) > 1 {
			return errors.New("usage: list [warehouse]")
		}
		warehouse := ""
		if len(args) == 1 {
			warehouse = args[0]
		}
		rows, err := inv.List(warehouse)
		if err != nil {
			return err
		}
		return inventory.Print(w, rows)
	case "name":
		if len(args) != 1 {
			return errors.New("usage: name <name>")
		}
		return inventory.Print(w, inv.ByName(args[0]))
	case "set":
		if len(args) != 4 {
			return errors.New("usage: set <warehouse> <sku> <name> <qty>")
		}
		qty, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid quantity %q: %w", args[3], err)
		}
		r, err := inv.Set(args[0], args[1], args[2], qty)
		if err != nil {
			return err
		}
		slog.Debug("Item set", "id", r.ID(), "warehouse", args[0], "sku", args[1])
		return nil
	case "rm":
		if len(args) != 2 {
			return errors.New("usage: rm <warehouse> <sku>")
		}
		return inv.Remove(args[0], args[1])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// watchInventory relists the inventory every time its file changes, until ctx
// is canceled.
func watchInventory(ctx context.Context, inv *inventory.Inventory, w io.Writer) error {
	var mu sync.Mutex
	err := jsonldb.Watch(ctx, inv.Path(), func() {
		mu.Lock()
		defer mu.Unlock()
		if err := inv.Reload(); err != nil {
			slog.WarnContext(ctx, "Failed to reload inventory", "err", err)
			return
		}
		rows, _ := inv.List("")
		fmt.Fprintf(w, "\n%s\n", time.Now().Format(time.TimeOnly))
		if err := inventory.Print(w, rows); err != nil {
			slog.WarnContext(ctx, "Failed to print inventory", "err", err)
		}
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Watching inventory", "path", inv.Path())
	<-ctx.Done()
	return ctx.Err()
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("keytable %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
