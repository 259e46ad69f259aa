package types

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateConstructors(t *testing.T) {
	tests := []struct {
		name      string
		state     *TestState
		complete  bool
		started   bool
		abandon   bool
		change    string
		category  Category
		briefText string
	}{
		{"not started", NotStarted(), false, false, false, "", CategoryNotStarted, ""},
		{"pending", Pending("SGE"), false, false, false, ChangeBecomePending, CategoryPending, "PEND"},
		{"running", Running([]string{"host1"}), false, true, false, ChangeStart, CategoryRunning, "RUN (host1)"},
		{"succeeded", Succeeded(nil, []string{"host1"}), true, true, false, "", CategorySuccess, ""},
		{"failed", Failed("differences", "output different", nil, nil), true, true, false, "", CategoryFailure, "differences"},
		{"unrunnable", Unrunnable("boom", "", nil), true, true, true, "", CategoryUnrunnable, "UNRUNNABLE"},
		{"killed", Killed(KillReasonRunLimit1, "killed", nil), true, true, true, "", CategoryKilled, "RUNLIMIT"},
		{"cancelled", Cancelled(""), true, false, true, "", CategoryCancelled, "cancelled"},
		{"abandoned", Abandoned("gone", "job deletion failed"), true, true, true, "", CategoryAbandoned, "job deletion failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.complete, tt.state.IsComplete())
			assert.Equal(t, tt.started, tt.state.HasStarted() && tt.state.Started)
			assert.Equal(t, tt.abandon, tt.state.ShouldAbandon())
			assert.Equal(t, tt.change, tt.state.LifecycleChange)
			assert.Equal(t, tt.category, tt.state.Category)
			assert.Equal(t, tt.briefText, tt.state.BriefText)
		})
	}
}

func TestPendingText(t *testing.T) {
	assert.Equal(t, "Job pending in local", Pending("local").FreeText)
}

func TestCancelledPendingText(t *testing.T) {
	at := time.Date(2024, 3, 1, 14, 5, 0, 0, time.UTC)
	s := CancelledPending("1234", "local", at)
	assert.Equal(t, "Test job 1234 was cancelled (while still pending in local) at 14:05", s.FreeText)
	assert.Equal(t, "cancelled pending job at 14:05", s.BriefText)
	assert.Equal(t, "Test run was cancelled before it had started", Cancelled("").FreeText)
}

func TestCompleteStateShouldAbandon(t *testing.T) {
	s := Succeeded(nil, nil)
	assert.False(t, s.ShouldAbandon())
	assert.True(t, s.WithLifecycleChange(ChangeComplete).ShouldAbandon())
}

func TestMarkUnmarkRestoresExactState(t *testing.T) {
	orig := Failed("differences", "output differs", []FileComparison{{Stem: "output", Status: ComparisonDifferent}}, []string{"h"})
	orig = orig.WithLifecycleChange(ChangeComplete)

	marked, err := Mark(orig, "known bug", "see ticket")
	require.NoError(t, err)
	assert.Equal(t, CategoryMarked, marked.Category)
	assert.Equal(t, ChangeMarked, marked.LifecycleChange)
	assert.True(t, marked.IsComplete())
	assert.Equal(t, CategoryFailure, marked.Outcome())
	assert.Contains(t, marked.FreeText, "ORIGINAL STATE:\nTest FAILED\n output differs")

	restored, err := Unmark(marked)
	require.NoError(t, err)
	assert.Same(t, orig, restored)
	assert.Equal(t, ChangeComplete, restored.LifecycleChange)
}

func TestMarkTwiceWrapsMarkedState(t *testing.T) {
	orig := Succeeded(nil, nil)
	first, err := Mark(orig, "one", "first")
	require.NoError(t, err)
	second, err := Mark(first, "two", "second")
	require.NoError(t, err)

	assert.Same(t, first, second.Previous)
	assert.Equal(t, CategorySuccess, second.Outcome())

	back, err := Unmark(second)
	require.NoError(t, err)
	assert.Same(t, first, back)
}

func TestMarkRequiresCompleteState(t *testing.T) {
	_, err := Mark(Running([]string{"h"}), "x", "y")
	require.Error(t, err)
	_, err = Unmark(Succeeded(nil, nil))
	require.Error(t, err)
}

func TestSavePreservesCategory(t *testing.T) {
	orig := Failed("differences", "text", nil, nil)
	comps := []FileComparison{{Stem: "output", Status: ComparisonEqual}}
	saved, err := Save(orig, comps)
	require.NoError(t, err)
	assert.Equal(t, CategoryFailure, saved.Category)
	assert.Equal(t, ChangeSaved, saved.LifecycleChange)
	assert.Equal(t, comps, saved.Comparisons)
	assert.Empty(t, orig.Comparisons, "original state must not change")
}

func TestWireRoundTrip(t *testing.T) {
	marked, err := Mark(Killed(KillReasonRunLimit1, "killed", []string{"h1", "h2"}), "bug", "text")
	require.NoError(t, err)

	data, err := EncodeState(marked)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"schema":1`)
	assert.Contains(t, string(data), `"category":"marked"`)

	decoded, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, marked, decoded)
}

func TestDecodeStateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not json", "running"},
		{"wrong schema", `{"schema":2,"category":"running"}`},
		{"unknown category", `{"schema":1,"category":"exploded"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeState([]byte(tt.data))
			require.Error(t, err)
		})
	}
}

func TestStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framework_tmp", "teststate")
	s := Failed("differences", "output differs", []FileComparison{{Stem: "output", ReferenceFile: "output.A", Status: ComparisonDifferent}}, []string{"h"})

	require.NoError(t, WriteStateFile(path, s))
	read, err := ReadStateFile(path)
	require.NoError(t, err)
	assert.Equal(t, s, read)
}

func TestKillReasons(t *testing.T) {
	assert.True(t, IsTimeLimit(KillReasonRunLimit1))
	assert.True(t, IsTimeLimit(KillReasonCPULimit))
	assert.False(t, IsTimeLimit(KillReasonInterrupt))
	assert.False(t, IsTimeLimit(KillReasonTimeout))
	assert.Equal(t, "Test killed explicitly", DescribeKillReason(""))
}

func TestErrorKinds(t *testing.T) {
	cfgErr := NewConfigurationError("A", "no setting %q", "foo")
	assert.True(t, IsConfigurationError(cfgErr))
	assert.Equal(t, `configuration error for A: no setting "foo"`, cfgErr.Error())

	testErr := NewTestError("no executable defined")
	assert.True(t, IsTestError(testErr))
	assert.False(t, IsConfigurationError(testErr))

	subErr := &SubmissionError{Adapter: "shell", Stderr: "queue full", Err: assert.AnError}
	assert.True(t, IsSubmissionError(subErr))
	assert.Contains(t, subErr.Error(), "queue full")
}
