package regress

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-regress/flags"
	"github.com/ethereum-optimism/infra/op-regress/logging"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	RootDir    string               // Directory holding the applications' config files
	Selection  []model.AppSelection // Applications and versions given with -a
	Versions   [][]string           // Version chains given with -v
	Copies     int
	Script     string   // Script replacing the action pipeline
	ScriptArgs []string // Arguments following the script name
	TestNames  string
	TestPaths  string
	FileList   string
	Local      bool
	TmpRoot    string

	SlaveWriteDir string // Master's write directory when running as a slave
	ServerAddr    string // Master's slave server when running as a slave

	RunInterval time.Duration // Interval between runs
	RunOnce     bool          // Indicates if the service should exit after one run
	CleanMode   string
	WriteState  bool

	HealthzAddr string
	MetricsAddr string // Empty unless metrics are enabled
	StatusAddr  string
	RedisURL    string
	RedisPrefix string

	GridBind        string
	GridKillWait    time.Duration
	GridShellConfig string
	GridCapacity    int

	// Binary and ForwardedArgs make up the start of every slave command line
	Binary        string
	ForwardedArgs []string

	Log log.Logger
}

// IsSlave reports whether this process runs tests for a grid master
func (c *Config) IsSlave() bool {
	return c.SlaveWriteDir != ""
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	rootDir := ctx.String(flags.RootDir.Name)
	if rootDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		rootDir = wd
	}
	absRootDir, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for root directory '%s': %w", rootDir, err)
	}
	if info, err := os.Stat(absRootDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("root directory '%s' is not a directory", absRootDir)
	}

	tmpRoot := ctx.String(flags.TmpDir.Name)
	if tmpRoot == "" {
		tmpRoot = os.TempDir()
	}
	absTmpRoot, err := filepath.Abs(tmpRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for scratch root '%s': %w", tmpRoot, err)
	}

	var fileList string
	if f := ctx.String(flags.FileList.Name); f != "" {
		if fileList, err = filepath.Abs(f); err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for file list '%s': %w", f, err)
		}
	}

	var script string
	var scriptArgs []string
	if fields := strings.Fields(ctx.String(flags.Script.Name)); len(fields) > 0 {
		script, scriptArgs = fields[0], fields[1:]
	}

	var slaveDir string
	if d := ctx.String(flags.Slave.Name); d != "" {
		if slaveDir, err = filepath.Abs(d); err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for slave write directory '%s': %w", d, err)
		}
	}

	cleanMode := ctx.String(flags.Clean.Name)
	if ctx.Bool(flags.KeepTmp.Name) {
		cleanMode = model.CleanNone
	}

	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	if runInterval != 0 && slaveDir != "" {
		return nil, errors.New("a slave runs once, run-interval cannot be set")
	}

	var metricsAddr string
	if mcfg := opmetrics.ReadCLIConfig(ctx); mcfg.Enabled {
		if err := mcfg.Check(); err != nil {
			return nil, fmt.Errorf("invalid metrics config: %w", err)
		}
		metricsAddr = net.JoinHostPort(mcfg.ListenAddr, strconv.Itoa(mcfg.ListenPort))
	}

	return &Config{
		RootDir:         absRootDir,
		Selection:       model.ParseAppSelection(ctx.String(flags.Apps.Name)),
		Versions:        model.ParseVersions(ctx.String(flags.Versions.Name)),
		Copies:          ctx.Int(flags.Copies.Name),
		Script:          script,
		ScriptArgs:      scriptArgs,
		TestNames:       ctx.String(flags.TestNames.Name),
		TestPaths:       ctx.String(flags.TestPath.Name),
		FileList:        fileList,
		Local:           ctx.Bool(flags.Local.Name),
		TmpRoot:         absTmpRoot,
		SlaveWriteDir:   slaveDir,
		ServerAddr:      ctx.String(flags.ServAddr.Name),
		RunInterval:     runInterval,
		RunOnce:         runInterval == 0,
		CleanMode:       cleanMode,
		WriteState:      ctx.Bool(flags.WriteState.Name),
		HealthzAddr:     ctx.String(flags.HealthzAddr.Name),
		MetricsAddr:     metricsAddr,
		StatusAddr:      ctx.String(flags.StatusAddr.Name),
		RedisURL:        ctx.String(flags.RedisURL.Name),
		RedisPrefix:     ctx.String(flags.RedisPrefix.Name),
		GridBind:        ctx.String(flags.GridBind.Name),
		GridKillWait:    ctx.Duration(flags.GridKillWait.Name),
		GridShellConfig: ctx.String(flags.GridShellConfig.Name),
		GridCapacity:    ctx.Int(flags.GridCapacity.Name),
		Binary:          binary,
		ForwardedArgs:   forwardedArgs(ctx, absRootDir),
		Log:             log,
	}, nil
}

// forwardedArgs are the switches a slave needs to see the tests the way this
// process does. Selection and filtering switches are replaced by the test path.
func forwardedArgs(ctx *cli.Context, rootDir string) []string {
	args := []string{"-d", rootDir}
	if ctx.Bool(flags.WriteState.Name) {
		args = append(args, "--"+flags.WriteState.Name)
	}
	if ctx.Bool(flags.Diagnostics.Name) {
		args = append(args, "-"+flags.Diagnostics.Name)
	}
	for _, f := range []*cli.StringFlag{flags.DiagnosticsLevelFile, flags.DiagnosticsDir} {
		if v := ctx.String(f.Name); v != "" {
			args = append(args, "-"+f.Name, v)
		}
	}
	return args
}

// DiagnosticsLevel is the self-diagnostics level asked for with -x or -xr,
// and whether one was asked for at all.
func DiagnosticsLevel(ctx *cli.Context) (slog.Level, bool, error) {
	if path := ctx.String(flags.DiagnosticsLevelFile.Name); path != "" {
		level, err := logging.ReadLevelFile(path)
		if err != nil {
			return 0, false, fmt.Errorf("failed to read diagnostics level from '%s': %w", path, err)
		}
		return level, true, nil
	}
	if ctx.Bool(flags.Diagnostics.Name) || ctx.String(flags.DiagnosticsDir.Name) != "" {
		return log.LevelDebug, true, nil
	}
	return 0, false, nil
}
