package flags

import (
	"io"
	"testing"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// TestOptionalFlagsDontSetRequired asserts that all flags deemed optional set
// the Required field to false.
func TestOptionalFlagsDontSetRequired(t *testing.T) {
	for _, flag := range optionalFlags {
		reqFlag, ok := flag.(cli.RequiredFlag)
		require.True(t, ok)
		require.False(t, reqFlag.IsRequired())
	}
}

// TestUniqueFlags asserts that all flag names and aliases are unique.
func TestUniqueFlags(t *testing.T) {
	seenCLI := make(map[string]struct{})
	for _, flag := range Flags {
		for _, name := range flag.Names() {
			if _, ok := seenCLI[name]; ok {
				t.Errorf("duplicate flag %s", name)
				continue
			}
			seenCLI[name] = struct{}{}
		}
	}
}

func TestEnvVarFormat(t *testing.T) {
	for _, flag := range Flags {
		flagName := flag.Names()[0]

		t.Run(flagName, func(t *testing.T) {
			envFlagGetter, ok := flag.(interface {
				GetEnvVars() []string
			})
			require.True(t, ok, "must be able to cast the flag to an EnvVar interface")
			envFlags := envFlagGetter.GetEnvVars()
			switch flagName {
			case Slave.Name, ServAddr.Name, TestPath.Name, Script.Name,
				Diagnostics.Name, DiagnosticsLevelFile.Name, DiagnosticsDir.Name:
				require.Empty(t, envFlags, "command line only")
			case RootDir.Name:
				require.Equal(t, []string{"OP_REGRESS_ROOT", "TEXTTEST_HOME"}, envFlags)
			case TmpDir.Name:
				require.Equal(t, []string{"OP_REGRESS_TMP", "TEXTTEST_TMP"}, envFlags)
			default:
				require.Len(t, envFlags, 1)
				require.Equal(t, opservice.FlagNameToEnvVarName(flagName, EnvVarPrefix), envFlags[0])
			}
		})
	}
}

// newContext parses args the way the binary does, so aliases share a value
func newContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	var ctx *cli.Context
	app := cli.NewApp()
	app.Flags = Flags
	app.HideVersion = true
	app.Writer = io.Discard
	app.ErrWriter = io.Discard
	app.Action = func(c *cli.Context) error {
		ctx = c
		return nil
	}
	require.NoError(t, app.Run(append([]string{"op-regress"}, args...)))
	require.NotNil(t, ctx)
	return ctx
}

func TestShortNames(t *testing.T) {
	ctx := newContext(t, "-d", "/tests", "-a", "A.v1", "-v", "v2", "-c", "3", "-t", "t1", "-l", "-x")
	assert.Equal(t, "/tests", ctx.String(RootDir.Name))
	assert.Equal(t, "A.v1", ctx.String(Apps.Name))
	assert.Equal(t, "v2", ctx.String(Versions.Name))
	assert.Equal(t, 3, ctx.Int(Copies.Name))
	assert.Equal(t, "t1", ctx.String(TestNames.Name))
	assert.True(t, ctx.Bool(Local.Name))
	assert.True(t, ctx.Bool(Diagnostics.Name))
	assert.NoError(t, CheckRequired(ctx))
}

func TestCheckRequired(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no flags", nil, ""},
		{"slave", []string{"-slave", "/tmp/w", "-servaddr", "host:1", "-tp", "t1"}, ""},
		{"slave without address", []string{"-slave", "/tmp/w", "-tp", "t1"}, "must be given together"},
		{"address without slave", []string{"-servaddr", "host:1"}, "must be given together"},
		{"slave without test", []string{"-slave", "/tmp/w", "-servaddr", "host:1"}, "required in slave mode"},
		{"clean mode", []string{"--clean", "everything"}, "invalid clean mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRequired(newContext(t, tt.args...))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
