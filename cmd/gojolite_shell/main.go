// Command gojolite_shell opens a gojolite database and runs commands against
// it, either once from the arguments or interactively.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojolite/core/engine"
	"github.com/sushant-115/gojolite/pkg/logger"
	"go.uber.org/zap"
)

var (
	configPath  = flag.String("config", "", "YAML settings file")
	filename    = flag.String("file", "", "database file, :memory: or :temp: (overrides the config)")
	logLevel    = flag.String("log_level", "", "log level, empty for no logging")
	readOnly    = flag.Bool("read_only", false, "open the database read-only")
	metricsAddr = flag.String("metrics_addr", "", "serve Prometheus metrics on this address")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	var s engine.Settings
	if *configPath != "" {
		var err error
		if s, err = engine.LoadSettings(*configPath); err != nil {
			return err
		}
	}
	if *filename != "" {
		s.Filename = *filename
	}
	if *logLevel != "" {
		s.LogLevel = *logLevel
	}
	s.ReadOnly = s.ReadOnly || *readOnly
	if *metricsAddr != "" {
		s.Telemetry.Enabled = true
	}

	zlogger, err := logger.New(logger.Config{Level: s.LogLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		return err
	}
	defer zlogger.Sync()
	s.Logger = zlogger

	e, err := engine.Open(ctx, s)
	if err != nil {
		return err
	}
	defer e.Close()

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: metricsMux(e)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlogger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	sh := NewShell(e, os.Stdout)
	defer sh.Close()
	if args := flag.Args(); len(args) > 0 {
		return sh.Exec(ctx, strings.Join(args, " "))
	}
	return interactive(ctx, sh)
}

func metricsMux(e *engine.Engine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Telemetry().MetricsHandler())
	return mux
}

func interactive(ctx context.Context, sh *Shell) error {
	history := ""
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, ".gojolite_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojolite> ",
		HistoryFile:     history,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("gojolite shell. Type 'help' for commands, 'exit' to leave.")
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		if err := sh.Exec(ctx, line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Println("error:", err)
		}
	}
}
