package flags

import (
	"fmt"
	"slices"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-regress/model"
)

const EnvVarPrefix = "OP_REGRESS"

var cleanModes = []string{model.CleanNone, model.CleanSucceeded, model.CleanAll}

var (
	RootDir = &cli.StringFlag{
		Name:    "root",
		Aliases: []string{"d"},
		EnvVars: append(opservice.PrefixEnvVar(EnvVarPrefix, "ROOT"), "TEXTTEST_HOME"),
		Usage:   "Root directory holding the applications' config files. Defaults to the working directory",
	}
	Apps = &cli.StringFlag{
		Name:    "apps",
		Aliases: []string{"a"},
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "APPS"),
		Usage:   "Restrict the run to these applications and versions (eg. 'app.v1,other')",
	}
	Versions = &cli.StringFlag{
		Name:    "versions",
		Aliases: []string{"v"},
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "VERSIONS"),
		Usage:   "Versions to run every selected application with (eg. 'v1.v2,v3')",
	}
	Copies = &cli.IntFlag{
		Name:    "copies",
		Aliases: []string{"c"},
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COPIES"),
		Value:   0,
		Usage:   "Run each version this many times as '<version>.copy_<n>'",
	}
	Script = &cli.StringFlag{
		Name:    "script",
		Aliases: []string{"s"},
		Usage:   "Replace the action pipeline with one script followed by its arguments (eg. 'default.CountTest')",
	}
	TestNames = &cli.StringFlag{
		Name:    "test-names",
		Aliases: []string{"t"},
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_NAMES"),
		Usage:   "Only run tests whose name contains one of these comma-separated substrings",
	}
	FileList = &cli.StringFlag{
		Name:    "file-list",
		Aliases: []string{"f"},
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FILE_LIST"),
		Usage:   "Only run the tests named in this file, one per line",
	}
	Local = &cli.BoolFlag{
		Name:    "local",
		Aliases: []string{"l"},
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOCAL"),
		Usage:   "Run tests in this process rather than submitting them to a grid",
	}
	TestPath = &cli.StringFlag{
		Name:    "tp",
		Aliases: []string{"test-path"},
		Usage:   "Only run tests at these comma-separated paths relative to the root",
	}
	Slave = &cli.StringFlag{
		Name:  "slave",
		Usage: "Run as a grid slave writing to the master's write directory (internal)",
	}
	ServAddr = &cli.StringFlag{
		Name:  "servaddr",
		Usage: "Address of the master a slave reports to (internal)",
	}
	Diagnostics = &cli.BoolFlag{
		Name:  "x",
		Usage: "Log self-diagnostics at debug level",
	}
	DiagnosticsLevelFile = &cli.StringFlag{
		Name:  "xr",
		Usage: "Read the self-diagnostics log level from the first line of this file",
	}
	DiagnosticsDir = &cli.StringFlag{
		Name:  "xw",
		Usage: "Write self-diagnostics to op-regress.log in this directory",
	}
	TmpDir = &cli.StringFlag{
		Name:    "tmp",
		EnvVars: append(opservice.PrefixEnvVar(EnvVarPrefix, "TMP"), "TEXTTEST_TMP"),
		Usage:   "Scratch root under which write directories are created. Defaults to the system temp directory",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	Clean = &cli.StringFlag{
		Name:    "clean",
		Value:   model.CleanNone,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CLEAN"),
		Usage:   fmt.Sprintf("Which write directories to remove after the run: %v", cleanModes),
	}
	KeepTmp = &cli.BoolFlag{
		Name:    "keeptmp",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "KEEPTMP"),
		Usage:   "Never remove write directories, overriding --clean",
	}
	WriteState = &cli.BoolFlag{
		Name:    "write-state",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WRITE_STATE"),
		Usage:   "Store the final state of each test in its write directory",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Serve /healthz on this address (eg. '0.0.0.0:8080'). Disabled when empty",
	}
	StatusAddr = &cli.StringFlag{
		Name:    "status.addr",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STATUS_ADDR"),
		Usage:   "Serve the test status API and event stream on this address. Disabled when empty",
	}
	RedisURL = &cli.StringFlag{
		Name:    "redis.url",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REDIS_URL"),
		Usage:   "Publish lifecycle changes and results to this redis server (eg. 'redis://localhost:6379')",
	}
	RedisPrefix = &cli.StringFlag{
		Name:    "redis.prefix",
		Value:   "op-regress",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REDIS_PREFIX"),
		Usage:   "Prefix of the redis keys and channels results are published under",
	}
	GridBind = &cli.StringFlag{
		Name:    "grid.bind",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GRID_BIND"),
		Usage:   "Address the slave server listens on. Defaults to a free loopback port, or all interfaces for remote grids",
	}
	GridKillWait = &cli.DurationFlag{
		Name:    "grid.kill-wait",
		Value:   60 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GRID_KILL_WAIT"),
		Usage:   "How long to wait for slaves killed by a resource limit before abandoning their tests",
	}
	GridShellConfig = &cli.StringFlag{
		Name:    "grid.shell-config",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GRID_SHELL_CONFIG"),
		Usage:   "TOML file describing the submit and kill commands of a queue system. The local grid is used when empty",
	}
	GridCapacity = &cli.IntFlag{
		Name:    "grid.capacity",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GRID_CAPACITY"),
		Usage:   "Number of jobs the local grid runs at once. Defaults to the number of CPUs",
	}
)

var requiredFlags = []cli.Flag{}

var optionalFlags = []cli.Flag{
	RootDir,
	Apps,
	Versions,
	Copies,
	Script,
	TestNames,
	FileList,
	Local,
	TestPath,
	Slave,
	ServAddr,
	Diagnostics,
	DiagnosticsLevelFile,
	DiagnosticsDir,
	TmpDir,
	RunInterval,
	Clean,
	KeepTmp,
	WriteState,
	HealthzAddr,
	StatusAddr,
	RedisURL,
	RedisPrefix,
	GridBind,
	GridKillWait,
	GridShellConfig,
	GridCapacity,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	if ctx.IsSet(Slave.Name) != ctx.IsSet(ServAddr.Name) {
		return fmt.Errorf("flags %s and %s must be given together", Slave.Name, ServAddr.Name)
	}
	if ctx.IsSet(Slave.Name) && !ctx.IsSet(TestPath.Name) {
		return fmt.Errorf("flag %s is required in slave mode", TestPath.Name)
	}
	if mode := ctx.String(Clean.Name); !slices.Contains(cleanModes, mode) {
		return fmt.Errorf("invalid clean mode %q, must be one of %v", mode, cleanModes)
	}
	return nil
}
