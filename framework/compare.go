package framework

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-regress/action"
	"github.com/ethereum-optimism/infra/op-regress/dircache"
	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// definitionStems name files in a test directory that describe the test
// rather than hold reference results.
var definitionStems = []string{
	model.OptionsStem, model.EnvironmentStem, model.SuiteFileStem, InputStem,
	"config", "performance", "memory",
}

// Compare compares every result file the test produced with the reference
// file of the same stem in the test directory and moves the test to
// succeeded or failed.
type Compare struct{}

func (Compare) Name() string { return "Comparing" }

func (Compare) Call(_ context.Context, t *model.Node) (action.ControlFlow, error) {
	comparisons, err := CompareFiles(t)
	if err != nil {
		return action.Done, err
	}
	hosts := t.State().ExecutionHosts
	var different, created, missing []string
	for _, c := range comparisons {
		switch c.Status {
		case types.ComparisonDifferent:
			different = append(different, c.Stem)
		case types.ComparisonNew:
			created = append(created, c.Stem)
		case types.ComparisonMissing:
			missing = append(missing, c.Stem)
		}
	}
	if len(different)+len(created)+len(missing) == 0 {
		t.ChangeState(types.Succeeded(comparisons, hosts))
		return action.Done, nil
	}

	var brief string
	var free strings.Builder
	switch {
	case len(different) > 0:
		brief = strings.Join(different, ",") + " different"
	case len(created) > 0:
		brief = "new results"
	default:
		brief = "missing results"
	}
	if len(different) > 0 {
		fmt.Fprintf(&free, "Differences in %s\n", strings.Join(different, ", "))
	}
	if len(created) > 0 {
		fmt.Fprintf(&free, "New result in %s\n", strings.Join(created, ", "))
	}
	if len(missing) > 0 {
		fmt.Fprintf(&free, "Missing result in %s\n", strings.Join(missing, ", "))
	}
	t.ChangeState(types.Failed(brief, free.String(), comparisons, hosts))
	return action.Done, nil
}

// CompareFiles returns one comparison per stem found either among the
// produced files or the reference files, sorted by stem. Empty produced files
// without a reference are left out.
func CompareFiles(t *model.Node) ([]types.FileComparison, error) {
	stems, err := resultStems(t)
	if err != nil {
		return nil, err
	}
	strip := t.App.Config.Int("strip_ansi_output") != 0
	comparisons := make([]types.FileComparison, 0, len(stems))
	for _, stem := range stems {
		c := types.FileComparison{Stem: stem, ReferenceFile: t.App.FileWithStem(t.Dir, stem)}
		out := OutputFile(t, stem)
		if info, err := os.Stat(out); err == nil {
			if info.Size() == 0 && c.ReferenceFile == "" {
				continue
			}
			c.OutputFile = out
		}
		switch {
		case c.OutputFile == "":
			c.Status = types.ComparisonMissing
		case c.ReferenceFile == "":
			c.Status = types.ComparisonNew
		default:
			equal, err := sameContent(c.ReferenceFile, c.OutputFile, strip)
			if err != nil {
				return nil, err
			}
			c.Status = types.ComparisonDifferent
			if equal {
				c.Status = types.ComparisonEqual
			}
		}
		comparisons = append(comparisons, c)
	}
	return comparisons, nil
}

func resultStems(t *model.Node) ([]string, error) {
	var stems []string
	add := func(stem string) {
		if stem != "" && !slices.Contains(definitionStems, stem) && !slices.Contains(stems, stem) {
			stems = append(stems, stem)
		}
	}

	entries, err := os.ReadDir(t.WriteDirectory())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read write directory: %w", err)
	}
	suffix := "." + t.App.Name
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			add(strings.TrimSuffix(e.Name(), suffix))
		}
	}

	// reference files must name the application to count as results
	app := t.App.Name
	for _, stem := range t.App.Cache(t.Dir).FindAllStems(func(vs dircache.VersionSet) bool { return vs.Contains(app) }) {
		if files := t.App.FilesWithStem(t.Dir, stem, dircache.Strict); len(files) > 0 {
			add(stem)
		}
	}
	slices.Sort(stems)
	return stems, nil
}

func sameContent(reference, output string, strip bool) (bool, error) {
	ref, err := os.ReadFile(reference)
	if err != nil {
		return false, err
	}
	out, err := os.ReadFile(output)
	if err != nil {
		return false, err
	}
	if strip {
		out = []byte(stripansi.Strip(string(out)))
	}
	return bytes.Equal(ref, out), nil
}
