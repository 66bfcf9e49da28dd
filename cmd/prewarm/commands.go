package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/prewarm/internal/latex"
	"github.com/CZERTAINLY/prewarm/internal/log"
	"github.com/CZERTAINLY/prewarm/internal/pool"
	"github.com/CZERTAINLY/prewarm/internal/service"
)

var (
	flagTargets     []string
	flagWarm        []string
	flagStartServer bool
	flagNoWait      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the server in the foreground",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var buildCmd = &cobra.Command{
	Use:   "build FILE",
	Short: "build compiles FILE using a warmed up runner of the server",
	Args:  cobra.ExactArgs(1),
	RunE:  doBuild,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop asks the server to shut down and waits until it is gone",
	Args:  cobra.NoArgs,
	RunE:  doStop,
}

var commandCmd = &cobra.Command{
	Use:   "command FILE",
	Short: "command prints the command a runner for FILE executes",
	Args:  cobra.ExactArgs(1),
	RunE:  doCommand,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("prewarm",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	targets, err := normalize(flagTargets)
	if err != nil {
		return err
	}
	warm, err := normalize(flagWarm)
	if err != nil {
		return err
	}

	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	if err := svc.Warm(ctx, warm...); err != nil {
		svc.Close(ctx)
		return err
	}
	ln, err := svc.Listen()
	if err != nil {
		svc.Close(ctx)
		return err
	}
	slog.InfoContext(ctx, "server listening", "addr", ln.Addr().String())
	return svc.Do(ctx, ln, targets...)
}

func normalize(keys []string) ([]string, error) {
	ret := make([]string, 0, len(keys))
	for _, k := range keys {
		file, err := latex.Normalize(k)
		if err != nil {
			return nil, err
		}
		ret = append(ret, file)
	}
	return ret, nil
}

func doBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	// the server resolves keys relative to its own working directory
	file, err := latex.Normalize(args[0])
	if err != nil {
		return err
	}

	client, err := service.NewClient(config.Service.Listen)
	if err != nil {
		return err
	}

	if !client.Ping(ctx) {
		if !flagStartServer {
			return fmt.Errorf("no server is running on %s", config.Service.Listen)
		}
		pid, err := startServer(file)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "started a server (pid %d) on %s, it compiles %s now\n", pid, config.Service.Listen, file)
		return nil
	}

	out, err := client.Build(ctx, file, !flagNoWait)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), out)
}

func doStop(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	client, err := service.NewClient(config.Service.Listen)
	if err != nil {
		return err
	}
	if !client.Ping(ctx) {
		fmt.Fprintf(cmd.OutOrStdout(), "no server is running on %s\n", config.Service.Listen)
		return nil
	}
	if err := client.Stop(ctx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	return waitGone(ctx, client, 100*time.Millisecond, time.Second)
}

func doCommand(cmd *cobra.Command, args []string) error {
	_, opts := service.PoolConfig(config.Pool, config.Service.Verbose)
	targets, err := latex.New(latex.ConfigFromModel(config.Compiler, opts))
	if err != nil {
		return err
	}
	return targets.PrintCommand(cmd.OutOrStdout(), args[0])
}

// ErrStillRunning is returned when the server keeps answering after a stop.
var ErrStillRunning = errors.New("server did not stop")

// waitGone polls the server every interval until it stops answering or
// timeout elapses.
func waitGone(ctx context.Context, client *service.Client, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for client.Ping(ctx) {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrStillRunning, timeout)
		}
		slog.DebugContext(ctx, "waiting for the server to stop")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

var warn = color.New(color.FgRed, color.Bold)

// printResult copies the build log to w, highlighting the lines reporting
// an aborted build or an open circuit.
func printResult(w io.Writer, out string) error {
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		var err error
		if strings.HasPrefix(line, pool.AbortedPrefix) || strings.HasPrefix(line, pool.CircuitOpenPrefix) {
			_, err = warn.Fprintln(w, line)
		} else {
			_, err = fmt.Fprintln(w, line)
		}
		if err != nil {
			return err
		}
	}
	return sc.Err()
}
