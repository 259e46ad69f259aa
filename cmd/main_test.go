package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	regress "github.com/ethereum-optimism/infra/op-regress"
	"github.com/ethereum-optimism/infra/op-regress/exitcodes"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitcodes.Success},
		{"interrupt", regress.NewKilledError(""), exitcodes.Killed},
		{"wrapped kill", fmt.Errorf("failed to start: %w", regress.NewKilledError("RUNLIMIT1")), exitcodes.Killed},
		{"runtime", regress.NewRuntimeError(errors.New("no applications")), exitcodes.RuntimeErr},
		{"other", errors.New("boom"), exitcodes.RuntimeErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestDescriptionListsScripts(t *testing.T) {
	d := description()
	assert.Contains(t, d, "default.CountTest")
	assert.Contains(t, d, "default.PrintTestTree")
}
