package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/mattjoyce/tinyc/internal/api"
	"github.com/mattjoyce/tinyc/internal/auth"
	"github.com/mattjoyce/tinyc/internal/config"
	"github.com/mattjoyce/tinyc/internal/doctor"
	"github.com/mattjoyce/tinyc/internal/events"
	"github.com/mattjoyce/tinyc/internal/history"
	"github.com/mattjoyce/tinyc/internal/invoke"
	"github.com/mattjoyce/tinyc/internal/lock"
	"github.com/mattjoyce/tinyc/internal/log"
	"github.com/mattjoyce/tinyc/internal/pipeline"
	"github.com/mattjoyce/tinyc/internal/report"
	"github.com/mattjoyce/tinyc/internal/stage"
	"github.com/mattjoyce/tinyc/internal/tui"
	"github.com/mattjoyce/tinyc/internal/webhook"
	"github.com/mattjoyce/tinyc/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "compile":
		return runCompile(args)
	case "check", "doctor":
		return runCheck(args)
	case "serve":
		return runServe(args)
	case "watch":
		return runWatch(args)
	case "history":
		return runHistory(args)
	case "inspect":
		return runInspect(args)
	case "workspace":
		return runWorkspaceNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `tinyc - compile TINY programs through scanner, parser and graph renderer

Usage:
  tinyc <command> [flags]

Commands:
  compile <file|->         Build the tools, scan, parse and render a program
  check                    Validate config, tool sources and external tools
  serve                    Run the HTTP compile API and webhook listener
  watch                    Follow a running server in a terminal UI
  history                  List recent runs
  inspect <run-id>         Show a recorded run
  workspace prune          Remove stale workspaces (and old history)
  version                  Show version information

Exit codes for compile:
  0  success (an image may be missing if the parser wrote no graph)
  1  setup, staging or build failure, or cancellation
  2  scanner or parser failure
  3  render failure; token listing and graph are still reported

Use 'tinyc <command> --help' for command flags.
`)
}

func newFlagSet(name, usage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tinyc %s\n\nFlags:\n%s", usage, fs.FlagUsages())
	}
	return fs
}

// parseFlags returns -1 when parsing succeeded, otherwise the exit code.
func parseFlags(fs *pflag.FlagSet, args []string) int {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return -1
	case errors.Is(err, pflag.ErrHelp):
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
}

func loadConfig(path string, logLevel string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	log.SetupWithFormat(level, cfg.Log.Format)
	return cfg, nil
}

// app is the wired set of components one command needs.
type app struct {
	cfg        *config.Config
	hub        *events.Hub
	history    *history.Store
	workspaces workspace.Manager
	controller *pipeline.Controller
}

func toolchain(cfg *config.Config) pipeline.Toolchain {
	return pipeline.Toolchain{
		Build: stage.BuildOptions{
			Tool:    cfg.Tools.Make,
			CC:      cfg.Tools.CC,
			Timeout: cfg.Timeouts.Build,
		},
		ScannerTimeout: cfg.Timeouts.Scanner,
		ParserTimeout:  cfg.Timeouts.Parser,
		Render: stage.RenderOptions{
			Tool:    cfg.Tools.Render,
			Format:  cfg.Tools.RenderFormat,
			Timeout: cfg.Timeouts.Render,
		},
	}
}

// newApp wires the controller. A history database that cannot be opened is
// logged and skipped; compiles do not depend on it.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := log.WithComponent("main")

	ws, err := workspace.NewFSManager(cfg.Workspace.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("initialize workspaces: %w", err)
	}

	a := &app{cfg: cfg, hub: events.NewHub(256), workspaces: ws}
	opts := []pipeline.Option{pipeline.WithPublisher(a.hub)}

	if cfg.History.Enabled {
		store, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			logger.Warn("run history unavailable", "path", cfg.History.Path, "error", err)
		} else {
			a.history = store
			opts = append(opts, pipeline.WithRecorder(store))
		}
	}

	a.controller = pipeline.New(ws, pipeline.DefaultPlan(invoke.New(), toolchain(cfg)), opts...)
	return a, nil
}

func (a *app) Close() {
	if a.history != nil {
		_ = a.history.Close()
	}
}

func (a *app) stageNames() []string {
	stages := a.controller.Plan().Stages
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.Name())
	}
	return names
}

func readProgram(arg string) (string, error) {
	if arg == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read program from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("read program: %w", err)
	}
	return string(data), nil
}

func runCompile(args []string) int {
	fs := newFlagSet("compile", "compile <file|-> [flags]")
	configPath := fs.String("config", "", "Path to configuration file")
	sourceDir := fs.String("source-dir", "", "Directory holding scanner.c, parser.c, token_strings.c, tokens.h")
	outDir := fs.StringP("out", "o", "", "Copy produced artifacts into this directory")
	retain := fs.Bool("retain", false, "Keep the workspace after the run")
	jsonOut := fs.Bool("json", false, "Print the outcome as JSON")
	useTUI := fs.Bool("tui", false, "Show live stage progress")
	verbose := fs.BoolP("verbose", "v", false, "Show every command with its output")
	quiet := fs.BoolP("quiet", "q", false, "Do not print the token listing and graph description")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	program, err := readProgram(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logLevel := ""
	if *useTUI && !*verbose {
		logLevel = "error"
	}
	cfg, err := loadConfig(*configPath, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	dir, err := cfg.ResolveSourceDir(*sourceDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	req := pipeline.Request{
		Program:   program,
		SourceDir: dir,
		Retain:    *retain || cfg.Workspace.Retain,
		OutDir:    *outDir,
	}

	var out pipeline.Outcome
	if *useTUI {
		out, err = a.runWithProgress(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "progress view failed: %v\n", err)
		}
	} else {
		out = a.controller.Run(ctx, req)
	}

	if *jsonOut {
		err = report.JSON(os.Stdout, api.CompileResponse{Outcome: out, ExitCode: out.ExitCode()})
	} else {
		err = report.Text(os.Stdout, out, report.Options{Verbose: *verbose, Outputs: !*quiet})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
	}
	return out.ExitCode()
}

// runWithProgress runs req while a progress view follows the hub. Pressing
// q or ctrl+c cancels the run.
func (a *app) runWithProgress(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	evs, unsubscribe := a.hub.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	viewDone := make(chan pipeline.Outcome, 1)
	finished := make(chan struct{})
	var out pipeline.Outcome
	go func() {
		out = a.controller.Run(ctx, req)
		viewDone <- out
		close(finished)
	}()

	view := tui.NewProgress(a.stageNames(), evs, viewDone, cancel)
	_, err := tea.NewProgram(view).Run()
	if err != nil {
		cancel()
	}
	<-finished
	return out, err
}

func runCheck(args []string) int {
	fs := newFlagSet("check", "check [flags]")
	configPath := fs.String("config", "", "Path to configuration file")
	sourceDir := fs.String("source-dir", "", "Directory holding the tool sources")
	jsonOut := fs.Bool("json", false, "Print the result as JSON")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	dir, err := cfg.ResolveSourceDir(*sourceDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	result := doctor.New(cfg, dir).Validate()
	if *jsonOut {
		if err := report.JSON(os.Stdout, result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	} else {
		printCheck(os.Stdout, cfg, result)
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func printCheck(w io.Writer, cfg *config.Config, r *doctor.Result) {
	source := cfg.Path
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(w, "config:     %s\n", source)
	fmt.Fprintf(w, "source dir: %s\n", r.SourceDir)
	for _, issue := range r.Errors {
		fmt.Fprintf(w, "ERROR   [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
	}
	for _, issue := range r.Warnings {
		fmt.Fprintf(w, "WARNING [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
	}
	if r.Valid {
		fmt.Fprintln(w, "OK")
	}
}

func runServe(args []string) int {
	fs := newFlagSet("serve", "serve [flags]")
	configPath := fs.String("config", "", "Path to configuration file")
	sourceDir := fs.String("source-dir", "", "Directory holding the tool sources")
	listen := fs.String("listen", "", "Listen address (overrides api.listen)")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	dir, err := cfg.ResolveSourceDir(*sourceDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := log.WithComponent("main")
	logger.Info("tinyc starting", "version", version, "config", cfg.Path, "source_dir", dir)

	if err := os.MkdirAll(cfg.Workspace.BaseDir, 0o755); err != nil {
		logger.Error("failed to create workspace base dir", "base_dir", cfg.Workspace.BaseDir, "error", err)
		return 1
	}
	pidLockPath := filepath.Join(cfg.Workspace.BaseDir, "tinyc-serve.pid")
	pidLock, err := lock.Acquire(pidLockPath)
	if errors.Is(err, lock.ErrHeld) {
		pid, _ := lock.Holder(pidLockPath)
		logger.Error("another tinyc server is running", "path", pidLockPath, "pid", pid)
		return 1
	}
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer a.Close()

	if cfg.Workspace.PruneAfter > 0 {
		go a.pruneLoop(ctx, cfg.Workspace.PruneAfter)
	}

	tokens := make([]auth.Token, 0, len(cfg.API.Tokens))
	for _, t := range cfg.API.Tokens {
		tokens = append(tokens, auth.Token{Name: t.Name, Value: t.Token, Scopes: t.Scopes})
	}
	var runs api.RunStore
	if a.history != nil {
		runs = a.history
	}
	server := api.New(api.Config{
		Listen:        cfg.API.Listen,
		APIKey:        cfg.API.APIKey,
		Tokens:        tokens,
		MaxConcurrent: cfg.API.MaxConcurrent,
		SourceDir:     dir,
	}, a.controller, runs, a.hub, log.WithComponent("api"))

	var webhookServer *webhook.Server
	if len(cfg.Webhooks.Endpoints) > 0 {
		whCfg, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return 1
		}
		webhookServer = webhook.New(whCfg, server, log.WithComponent("webhook"))
		logger.Info("webhook server enabled", "listen", whCfg.Listen, "endpoints", len(whCfg.Endpoints))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()
	if webhookServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
	}

	logger.Info("tinyc serving (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()
	wg.Wait()

	logger.Info("tinyc stopped")
	return code
}

// pruneLoop removes stale workspaces and history rows once an hour.
func (a *app) pruneLoop(ctx context.Context, olderThan time.Duration) {
	logger := log.WithComponent("prune")
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		rep, err := a.workspaces.Cleanup(ctx, olderThan)
		if err != nil {
			logger.Warn("workspace cleanup failed", "error", err)
		} else if rep.DeletedDirs > 0 {
			logger.Info("pruned workspaces", "deleted", rep.DeletedDirs, "busy", rep.SkippedBusy)
		}
		if a.history != nil {
			if n, err := a.history.Prune(ctx, time.Now().Add(-olderThan)); err != nil {
				logger.Warn("history prune failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned run history", "deleted", n)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runWatch(args []string) int {
	fs := newFlagSet("watch", "watch [flags]")
	configPath := fs.String("config", "", "Path to configuration file")
	apiURL := fs.String("url", "", "Server URL (default http://<api.listen>)")
	apiKey := fs.String("api-key", "", "Bearer token (default api.api_key)")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	cfg, err := loadConfig(*configPath, "error")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *apiURL == "" {
		*apiURL = "http://" + cfg.API.Listen
	}
	if *apiKey == "" {
		*apiKey = cfg.API.APIKey
	}

	if _, err := tea.NewProgram(tui.NewMonitor(*apiURL, *apiKey), tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running monitor: %v\n", err)
		return 1
	}
	return 0
}

func openHistory(configPath string) (*history.Store, int) {
	cfg, err := loadConfig(configPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, 1
	}
	if !cfg.History.Enabled {
		fmt.Fprintln(os.Stderr, "run history is disabled (history.enabled: false)")
		return nil, 1
	}
	store, err := history.Open(context.Background(), cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return nil, 1
	}
	return store, -1
}

func runHistory(args []string) int {
	fs := newFlagSet("history", "history [flags]")
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.IntP("limit", "n", 20, "Number of runs to show")
	jsonOut := fs.Bool("json", false, "Print runs as JSON")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	store, code := openHistory(*configPath)
	if code >= 0 {
		return code
	}
	defer store.Close()

	runs, err := store.List(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return 1
	}
	if *jsonOut {
		err = report.JSON(os.Stdout, api.RunsResponse{Runs: runs})
	} else {
		err = report.History(os.Stdout, runs)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runInspect(args []string) int {
	fs := newFlagSet("inspect", "inspect <run-id> [flags]")
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Print the outcome as JSON")
	verbose := fs.BoolP("verbose", "v", false, "Show every command with its output")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	store, code := openHistory(*configPath)
	if code >= 0 {
		return code
	}
	defer store.Close()

	out, err := store.Get(context.Background(), fs.Arg(0))
	if errors.Is(err, history.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "run not found: %s\n", fs.Arg(0))
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load run: %v\n", err)
		return 1
	}

	if *jsonOut {
		err = report.JSON(os.Stdout, api.CompileResponse{Outcome: out, ExitCode: out.ExitCode()})
	} else {
		err = report.Text(os.Stdout, out, report.Options{Verbose: *verbose, Outputs: true})
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runWorkspaceNoun(args []string) int {
	if len(args) < 1 || args[0] != "prune" {
		fmt.Fprintln(os.Stderr, "Usage: tinyc workspace prune [--older-than D] [--history]")
		return 1
	}

	fs := newFlagSet("workspace prune", "workspace prune [flags]")
	configPath := fs.String("config", "", "Path to configuration file")
	olderThan := fs.Duration("older-than", 0, "Minimum age to prune (default workspace.prune_after)")
	withHistory := fs.Bool("history", false, "Also delete recorded runs older than the cutoff")
	if code := parseFlags(fs, args[1:]); code >= 0 {
		return code
	}

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	age := cfg.Workspace.PruneAfter
	if fs.Changed("older-than") {
		age = *olderThan
	}

	ws, err := workspace.NewFSManager(cfg.Workspace.BaseDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	ctx := context.Background()
	rep, err := ws.Cleanup(ctx, age)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workspace cleanup failed: %v\n", err)
		return 1
	}
	fmt.Printf("removed %d workspace(s), %d busy\n", rep.DeletedDirs, rep.SkippedBusy)

	if !*withHistory {
		return 0
	}
	if !cfg.History.Enabled {
		fmt.Fprintln(os.Stderr, "run history is disabled (history.enabled: false)")
		return 1
	}
	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer store.Close()
	n, err := store.Prune(ctx, time.Now().Add(-age))
	if err != nil {
		fmt.Fprintf(os.Stderr, "History prune failed: %v\n", err)
		return 1
	}
	fmt.Printf("removed %d recorded run(s)\n", n)
	return 0
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := newFlagSet("version", "version [--json]")
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: tinyc version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("tinyc %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
