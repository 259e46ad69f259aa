// Package exitcodes defines the standard exit codes used by op-regress.
package exitcodes

// Exit code constants used by op-regress.
// Test failures never change the exit code; only the harness itself can fail:
//
// * Success (0): the run completed, whatever the test outcomes
// * Killed (1): the run was interrupted by a signal
// * RuntimeErr (2): the harness could not start or failed outside any test
const (
	Success    = 0 // Run completed
	Killed     = 1 // Killed by a signal
	RuntimeErr = 2 // Runtime errors
)
