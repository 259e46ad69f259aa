package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	regress "github.com/ethereum-optimism/infra/op-regress"
	"github.com/ethereum-optimism/infra/op-regress/action"
	"github.com/ethereum-optimism/infra/op-regress/exitcodes"
	"github.com/ethereum-optimism/infra/op-regress/flags"
	"github.com/ethereum-optimism/infra/op-regress/framework"
	"github.com/ethereum-optimism/infra/op-regress/logging"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

// diagnostics is the -xw log file, flushed once the app has returned
var diagnostics io.Closer

func main() {
	// -v selects versions
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Usage: "print the version"}

	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-regress"
	app.Usage = "Regression test harness comparing program output against approved results"
	app.Description = description()
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
			return
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), exitCode(err)))
	}

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if diagnostics != nil {
		_ = diagnostics.Close()
	}
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

// exitCode maps errors to exit codes. Test failures never reach here.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitcodes.Success
	case regress.IsKilledError(err):
		return exitcodes.Killed
	case regress.IsRuntimeError(err):
		return exitcodes.RuntimeErr
	}
	return exitcodes.RuntimeErr
}

func description() string {
	scripts := action.NewScripts()
	if err := framework.RegisterDefaultScripts(scripts); err != nil {
		return err.Error()
	}
	var b strings.Builder
	b.WriteString("op-regress runs the applications found under the root directory and compares ")
	b.WriteString("the files each test writes against its approved versions.\n\n")
	b.WriteString("Scripts available with --script:\n")
	for _, name := range scripts.Names() {
		fmt.Fprintf(&b, "   %s\n", name)
	}
	return b.String()
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logger, err := newLogger(ctx)
	if err != nil {
		return nil, regress.NewRuntimeError(err)
	}

	cfg, err := regress.NewConfig(ctx, logger)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, regress.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	cfg.Log.Debug("Config", "config", cfg)

	svc, err := regress.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, regress.NewRuntimeError(fmt.Errorf("failed to create op-regress: %w", err))
	}
	return svc, nil
}

// newLogger honours -x, -xr and -xw on top of the usual log flags
func newLogger(ctx *cli.Context) (log.Logger, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	level, ok, err := regress.DiagnosticsLevel(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		logCfg.Level = level
	}

	var logger log.Logger
	if dir := ctx.String(flags.DiagnosticsDir.Name); dir != "" {
		file, fileLogger, err := logging.OpenDiagnostics(dir, logCfg.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to open diagnostics log: %w", err)
		}
		diagnostics = file
		logger = fileLogger
	} else {
		logger = oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	}
	oplog.SetGlobalLogHandler(logger.Handler())
	oplog.SetupDefaults()
	return logger, nil
}
