package types

// Kill reasons broadcast with notify_kill_processes. The empty reason is an
// explicit interrupt.
const (
	KillReasonInterrupt = ""
	KillReasonRunLimit1 = "RUNLIMIT1"
	KillReasonRunLimit2 = "RUNLIMIT2"
	KillReasonCPULimit  = "CPULIMIT"
	KillReasonTimeout   = "TIMEOUT"
)

// IsTimeLimit reports whether the reason comes from a resource limit, in which
// case killed jobs are given time to report their final state.
func IsTimeLimit(reason string) bool {
	switch reason {
	case KillReasonRunLimit1, KillReasonRunLimit2, KillReasonCPULimit:
		return true
	}
	return false
}

func KillBriefText(reason string) string {
	switch reason {
	case KillReasonRunLimit1, KillReasonRunLimit2:
		return "RUNLIMIT"
	case KillReasonCPULimit:
		return "CPULIMIT"
	case KillReasonTimeout:
		return "TIMEOUT"
	}
	return "killed"
}

// DescribeKillReason returns the free text used for tests killed with reason
func DescribeKillReason(reason string) string {
	switch reason {
	case KillReasonRunLimit1, KillReasonRunLimit2:
		return "Test exceeded maximum wallclock time allowed"
	case KillReasonCPULimit:
		return "Test exceeded maximum cpu time allowed"
	case KillReasonTimeout:
		return "Test exceeded its configured kill_timeout"
	}
	return "Test killed explicitly"
}
