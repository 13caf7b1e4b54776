// Command isolad runs a single Python-on-WASI script inside a sandbox and
// prints its RunResult as JSON. It exists to exercise the sandbox package
// end to end against a real guest image; production embedders are expected
// to call the sandbox package directly rather than shell out to this
// binary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"

	"github.com/brian14708/isola/internal/telemetry"
	"github.com/brian14708/isola/sandbox"
)

const instrumentationName = "github.com/brian14708/isola/sandbox"

func main() {
	runtimePath := flag.String("runtime", "", "path to the compiled guest interpreter image")
	scriptPath := flag.String("script", "", "path to the Python source to load")
	entryPoint := flag.String("entry", "main", "guest function to invoke")
	timeout := flag.Duration("timeout", 0, "per-run timeout, 0 means unlimited")
	debug := flag.Bool("debug", false, "emit debug logs and wire OTEL metrics/tracing instead of discarding telemetry")
	flag.Parse()

	if *runtimePath == "" || *scriptPath == "" {
		fmt.Fprintln(os.Stderr, "usage: isolad -runtime <image> -script <source.py> [-entry name] [-timeout 5s] [-debug]")
		os.Exit(2)
	}

	if err := run(*runtimePath, *scriptPath, *entryPoint, *timeout, *debug); err != nil {
		fmt.Fprintln(os.Stderr, "isolad:", err)
		os.Exit(1)
	}
}

func run(runtimePath, scriptPath, entryPoint string, timeout time.Duration, debug bool) error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	var (
		logger  telemetry.Logger  = telemetry.NoopLogger{}
		metrics telemetry.Metrics = telemetry.NoopMetrics{}
		tracer  telemetry.Tracer  = telemetry.NoopTracer{}
	)
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		logger, metrics, tracer = telemetry.NewClue(instrumentationName)
	}

	source, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	sbxCtx := sandbox.New(sandbox.WithTelemetry(logger, metrics, tracer))
	if err := sbxCtx.InitializeTemplate(ctx, runtimePath); err != nil {
		return fmt.Errorf("initializing template: %w", err)
	}
	defer sbxCtx.Close(ctx)

	sbx, err := sbxCtx.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiating sandbox: %w", err)
	}
	defer sbx.Close(ctx)

	if timeout > 0 {
		if err := sbx.Configure(sandbox.SandboxConfig{Timeout: &timeout}); err != nil {
			return fmt.Errorf("configuring sandbox: %w", err)
		}
	}

	if err := sbx.Start(ctx); err != nil {
		return fmt.Errorf("starting sandbox: %w", err)
	}
	if err := sbx.LoadScript(ctx, string(source)); err != nil {
		return fmt.Errorf("loading script: %w", err)
	}

	result, err := sbx.Run(ctx, entryPoint, nil)
	if err != nil {
		return fmt.Errorf("running %s: %w", entryPoint, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
