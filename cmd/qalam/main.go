// Package main is the Qalam headless front end for the Tarqeem language
// server. It starts a server session for a workspace, opens the given
// Tarqeem sources, and reports the diagnostics the server publishes. With
// -watch it stays resident and forwards file changes to the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/osama1998H/qalam/internal/config"
	"github.com/osama1998H/qalam/internal/lsp"
	"github.com/osama1998H/qalam/internal/watcher"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	WorkspacePath string
	ConfigPath    string
	ServerCommand string
	Watch         bool
	Verbose       bool
	SettleTime    time.Duration
	Files         []string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	var cfg config.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.LoadFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(opts.WorkspacePath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading configuration: %v\n", err)
		return 1
	}
	if opts.ServerCommand != "" {
		cfg.Server.Command = opts.ServerCommand
	}

	client := lsp.NewClient(cfg.ServerConfig())
	defer client.Destroy()

	if opts.Verbose {
		client.OnLog(func(p lsp.LogMessageParams) {
			fmt.Fprintf(os.Stderr, "[server] %s\n", p.Message)
		})
	}
	client.OnShowMessage(func(p lsp.ShowMessageParams) {
		fmt.Fprintf(os.Stderr, "[tarqeem] %s\n", p.Message)
	})
	client.OnClose(func(exitCode int) {
		fmt.Fprintf(os.Stderr, "Error: server exited unexpectedly with code %d\n", exitCode)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = client.Start(ctx, opts.WorkspacePath)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: starting %s: %v\n", cfg.Server.Command, err)
		return 1
	}
	if opts.Verbose {
		if info := client.ServerInfo(); info != nil {
			fmt.Fprintf(os.Stderr, "connected to %s %s\n", info.Name, info.Version)
		}
	}

	for _, file := range opts.Files {
		content, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: reading %s: %v\n", file, err)
			continue
		}
		if err := client.OpenDocument(file, string(content)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: opening %s: %v\n", file, err)
		}
	}

	if opts.Watch {
		return watchLoop(client, cfg, opts)
	}

	// Give the server one settle window to analyze and publish.
	time.Sleep(opts.SettleTime)

	problems := printDiagnostics(client)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := client.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: stopping server: %v\n", err)
		return 1
	}

	if problems > 0 {
		return 1
	}
	return 0
}

// watchLoop keeps the session alive, forwarding workspace changes and
// printing diagnostics as they arrive, until interrupted.
func watchLoop(client *lsp.Client, cfg config.Config, opts options) int {
	dispose := client.OnDiagnostics(func(uri string, diags []lsp.Diagnostic) {
		path := lsp.URIToFilePath(lsp.DocumentURI(uri))
		if len(diags) == 0 {
			fmt.Printf("%s: clean\n", path)
			return
		}
		for _, d := range diags {
			printDiagnostic(path, d)
		}
	})
	defer dispose()

	var ws *watcher.Workspace
	if cfg.Watcher.Enabled {
		var err error
		ws, err = watcher.New(opts.WorkspacePath, cfg.WatcherOptions()...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: watching %s: %v\n", opts.WorkspacePath, err)
			return 1
		}
		defer ws.Close()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	for {
		if ws == nil {
			<-signals
			break
		}
		select {
		case <-signals:
			goto done
		case batch, ok := <-ws.Batches():
			if !ok {
				goto done
			}
			if err := client.NotifyWatchedFiles(batch); err != nil {
				fmt.Fprintf(os.Stderr, "Error: forwarding file events: %v\n", err)
			}
		case err := <-ws.Errors():
			fmt.Fprintf(os.Stderr, "Error: watcher: %v\n", err)
		}
	}
done:

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: stopping server: %v\n", err)
		return 1
	}
	return 0
}

// printDiagnostics dumps every cached diagnostic, sorted by file, and
// returns how many rise to error severity.
func printDiagnostics(client *lsp.Client) int {
	all := client.AllDiagnostics()

	paths := make([]string, 0, len(all))
	for path := range all {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	errs := 0
	for _, path := range paths {
		for _, d := range all[path] {
			printDiagnostic(path, d)
			if d.Severity == lsp.SeverityError {
				errs++
			}
		}
	}
	return errs
}

func printDiagnostic(path string, d lsp.Diagnostic) {
	fmt.Printf("%s:%d:%d: %s: %s\n",
		path, d.Range.Start.Line+1, d.Range.Start.Character+1, d.Severity, d.Message)
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.WorkspacePath, "workspace", "", "Workspace/project directory")
	flag.StringVar(&opts.WorkspacePath, "w", "", "Workspace/project directory (shorthand)")
	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.ServerCommand, "server", "", "Tarqeem server executable (overrides configuration)")
	flag.BoolVar(&opts.Watch, "watch", false, "Stay running and forward workspace file changes")
	flag.BoolVar(&opts.Verbose, "verbose", false, "Print server logs")
	flag.DurationVar(&opts.SettleTime, "settle", 2*time.Second, "How long to wait for diagnostics before exiting")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Qalam - headless Tarqeem language client\n\n")
		fmt.Fprintf(os.Stderr, "Usage: qalam [options] [files...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  qalam main.trq              Check one file and print diagnostics\n")
		fmt.Fprintf(os.Stderr, "  qalam -w ./project          Check a workspace\n")
		fmt.Fprintf(os.Stderr, "  qalam -w ./project -watch   Keep the session alive and follow changes\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("Qalam %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	opts.Files = flag.Args()

	// Without an explicit workspace, the first file's directory serves.
	if opts.WorkspacePath == "" && len(opts.Files) > 0 {
		if abs, err := filepath.Abs(opts.Files[0]); err == nil {
			opts.WorkspacePath = filepath.Dir(abs)
		}
	}
	if opts.WorkspacePath == "" {
		if cwd, err := os.Getwd(); err == nil {
			opts.WorkspacePath = cwd
		}
	}

	return opts
}
