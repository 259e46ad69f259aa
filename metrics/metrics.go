package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/infra/op-regress/types"
)

const (
	MetricsNamespace = "regress"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	testsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_total",
		Help:      "Count of completed tests by outcome",
	}, []string{
		"app",
		"category",
	})

	lifecycleChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "lifecycle_changes_total",
		Help:      "Count of published lifecycle changes",
	}, []string{
		"app",
		"change",
	})

	gridSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "grid_submissions_total",
		Help:      "Count of grid job submissions",
	}, []string{
		"app",
		"result",
	})

	gridJobsSubmitted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "grid_jobs_submitted",
		Help:      "Number of grid jobs currently holding a capacity slot",
	})

	gridReuseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "grid_reuse_total",
		Help:      "Count of slave reuse attempts",
	}, []string{
		"result",
	})

	actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "action_duration_seconds",
		Help:      "Duration of single action calls",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{
		"action",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the last complete run",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordTest(app string, category types.Category) {
	if !category.IsValid() {
		log.Error("RecordTest - invalid category", "category", category)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "tests_total",
			"app", app,
			"category", category)
	}
	testsTotal.WithLabelValues(app, string(category)).Inc()
}

func RecordLifecycleChange(app string, change string) {
	lifecycleChangesTotal.WithLabelValues(app, change).Inc()
}

func RecordSubmission(app string, err error) {
	result := "submitted"
	if err != nil {
		result = "failed"
	}
	gridSubmissionsTotal.WithLabelValues(app, result).Inc()
}

func SetJobsSubmitted(n int) {
	gridJobsSubmitted.Set(float64(n))
}

func RecordReuse(reused bool) {
	result := "none"
	if reused {
		result = "reused"
	}
	gridReuseTotal.WithLabelValues(result).Inc()
}

func RecordActionDuration(action string, d time.Duration) {
	actionDuration.WithLabelValues(action).Observe(d.Seconds())
}

func RecordRun(runID string, d time.Duration) {
	if Debug {
		log.Debug("metric set",
			"m", "run_duration_seconds",
			"run_id", runID,
			"duration", d)
	}
	runDuration.WithLabelValues(runID).Set(d.Seconds())
}
