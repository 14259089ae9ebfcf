package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/spillstore/pkg/common/log"
	"github.com/KevoDB/spillstore/pkg/config"
	"github.com/KevoDB/spillstore/pkg/telemetry"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".sync"),
	readline.PcItem("PUT"),
	readline.PcItem("PUTEX"),
	readline.PcItem("GET"),
	readline.PcItem("DELETE"),
	readline.PcItem("KEYS"),
	readline.PcItem("SCAN"),
	readline.PcItem("SIZE"),
	readline.PcItem("PURGE"),
	readline.PcItem("CLEAR"),
)

const helpText = `
spillstore - a single-file key/value store.

Usage:
  spillstore [options] [data_dir]  - Start with an optional data directory

Options:
  -config string          - Config file (json, yaml or toml)
  -watch                  - Reload purge interval and log level when the config file changes
  -telemetry              - Export metrics and traces (see SPILLSTORE_TELEMETRY_*)

Commands:
  .help                   - Show this help message
  .open DIR               - Open the store in DIR
  .close                  - Close the current store
  .exit                   - Exit the program
  .stats                  - Show store statistics
  .sync                   - Flush the data file to disk

  PUT key value           - Store a key-value pair
  PUTEX key ttl value     - Store a pair that expires after ttl (e.g. 30s, 5m)
  GET key                 - Retrieve a value by key
  DELETE key              - Remove a key
  KEYS [prefix]           - List keys, optionally with a prefix (no values are read)
  SCAN [prefix]           - List key-value pairs, optionally with a prefix
  SIZE                    - Show entry count and file size
  PURGE                   - Drop expired entries and compact free space
  CLEAR                   - Remove every entry
`

// Options holds the command line settings
type Options struct {
	ConfigPath string
	Watch      bool
	Telemetry  bool
	DataDir    string
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	telCfg := telemetry.DefaultConfig()
	telCfg.LoadFromEnv()
	if opts.Telemetry {
		telCfg.Enabled = true
	}
	tel, err := telemetry.New(telCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting telemetry: %s\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(ctx)
	}()

	sess := newSession(cfg, tel)
	if opts.Watch {
		sess.watchPath = opts.ConfigPath
	}
	defer sess.close()

	if opts.DataDir != "" {
		fmt.Printf("Opening store in %s\n", opts.DataDir)
		if err := sess.open(opts.DataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %s\n", err)
			os.Exit(1)
		}
	}

	setupGracefulShutdown(sess)
	runInteractive(sess)
}

// parseFlags parses command line flags
func parseFlags() Options {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "spillstore - a single-file key/value store\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: spillstore [options] [data_dir]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor the command list, start spillstore and type .help\n")
	}

	configPath := flag.String("config", "", "Config file path")
	watch := flag.Bool("watch", false, "Reload the config file when it changes")
	tel := flag.Bool("telemetry", false, "Enable telemetry export")
	flag.Parse()

	opts := Options{
		ConfigPath: *configPath,
		Watch:      *watch,
		Telemetry:  *tel,
	}
	if flag.NArg() > 0 {
		opts.DataDir = flag.Arg(0)
	}
	if opts.Watch && opts.ConfigPath == "" {
		fmt.Fprintln(os.Stderr, "Warning: -watch has no effect without -config")
	}
	return opts
}

// setupGracefulShutdown closes the store on SIGINT and SIGTERM
func setupGracefulShutdown(sess *session) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		if err := sess.close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing store: %v\n", err)
		}
		fmt.Println("Shutdown complete")
		os.Exit(0)
	}()
}

// runInteractive starts the interactive CLI mode
func runInteractive(sess *session) {
	fmt.Println("spillstore version 0.1.0")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".spillstore_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "spillstore> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		if sess.dataDir != "" {
			rl.SetPrompt(fmt.Sprintf("spillstore:%s> ", sess.dataDir))
		} else {
			rl.SetPrompt("spillstore> ")
		}

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if sess.execute(context.Background(), line, os.Stdout) {
			fmt.Println("Goodbye!")
			return
		}
	}
}
