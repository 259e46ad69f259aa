package grid

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-regress/model/modeltest"
)

func TestSubmissionRules(t *testing.T) {
	f := modeltest.Build(t, map[string]string{
		"config.A":                   "executable: run.sh\nqueue_system_resource: mem=4G\nqueue_system_processes: 2\n",
		"testsuite.A":                "suite\nplain\n",
		"plain/":                     "",
		"suite/testsuite.A":          "deep\n",
		"suite/deep/environment.A":   "QUEUE_SYSTEM_RESOURCE:arch=$ARCH\nARCH:x86\nQUEUE_SYSTEM_PROCESSES:4\n",
		"suite/environment.A":        "ARCH:arm\n",
		"suite/deep/placeholder.txt": "",
	})

	plain := NewSubmissionRules(f.Test(t, "A", "plain"))
	assert.Equal(t, []string{"mem=4G"}, plain.Resources)
	assert.Equal(t, 2, plain.Processes)
	assert.Equal(t, "Test-plain-A", plain.JobName())

	deep := NewSubmissionRules(f.Test(t, "A", "suite/deep"))
	assert.Equal(t, []string{"mem=4G", "arch=arm"}, deep.Resources)
	assert.Equal(t, 4, deep.Processes)
	assert.Equal(t, "Test-deep.suite-A", deep.JobName())

	logFile, errFile := deep.JobFiles()
	assert.Equal(t, "Test-deep.suite-A.log", logFile)
	assert.Equal(t, "Test-deep.suite-A.errors", errFile)
	logPath, _ := deep.JobPaths()
	assert.Equal(t, filepath.Join(f.App(t, "A").WriteDirectory(), SlaveLogDir, logFile), logPath)

	assert.False(t, plain.AllowsReuse(deep))
}

func TestAllowsReuse(t *testing.T) {
	tests := []struct {
		name string
		a, b SubmissionRules
		want bool
	}{
		{"identical", SubmissionRules{Processes: 1}, SubmissionRules{Processes: 1}, true},
		{"resource order", SubmissionRules{Resources: []string{"x", "y"}, Processes: 1},
			SubmissionRules{Resources: []string{"y", "x"}, Processes: 1}, true},
		{"duplicates", SubmissionRules{Resources: []string{"x", "x"}, Processes: 1},
			SubmissionRules{Resources: []string{"x"}, Processes: 1}, true},
		{"different resources", SubmissionRules{Resources: []string{"x"}, Processes: 1},
			SubmissionRules{Resources: []string{"y"}, Processes: 1}, false},
		{"different processes", SubmissionRules{Processes: 1}, SubmissionRules{Processes: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.AllowsReuse(&tt.b))
			assert.Equal(t, tt.want, tt.b.AllowsReuse(&tt.a))
		})
	}
}

func TestJobNameEscapesColons(t *testing.T) {
	f := modeltest.Build(t, map[string]string{
		"config.A":    "executable: run.sh\n",
		"testsuite.A": "a:b\n",
		"a:b/":        "",
	})
	rules := NewSubmissionRules(f.Test(t, "A", "a:b"))
	require.NotNil(t, rules)
	assert.Equal(t, "Test-a_b-A", rules.JobName())
}
