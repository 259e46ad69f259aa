package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Category identifies the variant of a TestState
type Category string

const (
	CategoryNotStarted Category = "not_started"
	CategoryPending    Category = "pending"
	CategoryRunning    Category = "running"
	CategorySuccess    Category = "success"
	CategoryFailure    Category = "failure"
	CategoryUnrunnable Category = "unrunnable"
	CategoryKilled     Category = "killed"
	CategoryCancelled  Category = "cancelled"
	CategoryAbandoned  Category = "abandoned"
	CategoryMarked     Category = "marked"
)

var knownCategories = []Category{
	CategoryNotStarted, CategoryPending, CategoryRunning, CategorySuccess, CategoryFailure,
	CategoryUnrunnable, CategoryKilled, CategoryCancelled, CategoryAbandoned, CategoryMarked,
}

// IsValid reports whether c is one of the known categories
func (c Category) IsValid() bool {
	return slices.Contains(knownCategories, c)
}

// Lifecycle change tags carried by published states.
const (
	ChangeStart         = "start"
	ChangeBecomePending = "become pending"
	ChangeComplete      = "complete"
	ChangeSaved         = "saved"
	ChangeMarked        = "marked"
	ChangeUnmarked      = "unmarked"
	ChangeRecalculated  = "recalculated"
)

// ComparisonStatus is the outcome of comparing one produced file with its reference
type ComparisonStatus string

const (
	ComparisonEqual     ComparisonStatus = "equal"
	ComparisonDifferent ComparisonStatus = "different"
	ComparisonNew       ComparisonStatus = "new"
	ComparisonMissing   ComparisonStatus = "missing"
)

// FileComparison records the result of comparing a single output stem
type FileComparison struct {
	Stem          string           `json:"stem" yaml:"stem"`
	ReferenceFile string           `json:"reference_file,omitempty" yaml:"reference_file,omitempty"`
	OutputFile    string           `json:"output_file,omitempty" yaml:"output_file,omitempty"`
	Status        ComparisonStatus `json:"status" yaml:"status"`
}

// TestState is the published lifecycle state of a test case.
// A TestState is never modified after it has been handed to the model;
// every transition builds a new value.
type TestState struct {
	Category        Category         `json:"category" yaml:"category"`
	BriefText       string           `json:"brief_text,omitempty" yaml:"brief_text,omitempty"`
	FreeText        string           `json:"free_text,omitempty" yaml:"free_text,omitempty"`
	Started         bool             `json:"started" yaml:"started"`
	Completed       bool             `json:"completed" yaml:"completed"`
	Abandon         bool             `json:"abandon,omitempty" yaml:"abandon,omitempty"`
	ExecutionHosts  []string         `json:"execution_hosts,omitempty" yaml:"execution_hosts,omitempty"`
	LifecycleChange string           `json:"lifecycle_change,omitempty" yaml:"lifecycle_change,omitempty"`
	KillReason      string           `json:"kill_reason,omitempty" yaml:"kill_reason,omitempty"`
	Comparisons     []FileComparison `json:"comparisons,omitempty" yaml:"comparisons,omitempty"`
	Previous        *TestState       `json:"previous,omitempty" yaml:"previous,omitempty"`
}

func NotStarted() *TestState {
	return &TestState{Category: CategoryNotStarted}
}

// Pending is the state of a test submitted to a grid queue that has not yet started
func Pending(queueName string) *TestState {
	return &TestState{
		Category:        CategoryPending,
		BriefText:       "PEND",
		FreeText:        fmt.Sprintf("Job pending in %s", queueName),
		LifecycleChange: ChangeBecomePending,
	}
}

func Running(hosts []string) *TestState {
	return &TestState{
		Category:        CategoryRunning,
		BriefText:       "RUN (" + strings.Join(hosts, ",") + ")",
		FreeText:        "Running on " + strings.Join(hosts, ","),
		Started:         true,
		ExecutionHosts:  slices.Clone(hosts),
		LifecycleChange: ChangeStart,
	}
}

func Succeeded(comparisons []FileComparison, hosts []string) *TestState {
	return &TestState{
		Category:       CategorySuccess,
		Started:        true,
		Completed:      true,
		ExecutionHosts: slices.Clone(hosts),
		Comparisons:    slices.Clone(comparisons),
	}
}

func Failed(brief, freeText string, comparisons []FileComparison, hosts []string) *TestState {
	return &TestState{
		Category:       CategoryFailure,
		BriefText:      brief,
		FreeText:       freeText,
		Started:        true,
		Completed:      true,
		ExecutionHosts: slices.Clone(hosts),
		Comparisons:    slices.Clone(comparisons),
	}
}

// Unrunnable marks a test that could not be run. The remaining actions of the
// pipeline are abandoned.
func Unrunnable(freeText, brief string, hosts []string) *TestState {
	if brief == "" {
		brief = "UNRUNNABLE"
	}
	return &TestState{
		Category:       CategoryUnrunnable,
		BriefText:      brief,
		FreeText:       freeText,
		Started:        true,
		Completed:      true,
		Abandon:        true,
		ExecutionHosts: slices.Clone(hosts),
	}
}

func Killed(reason, freeText string, hosts []string) *TestState {
	return &TestState{
		Category:       CategoryKilled,
		BriefText:      KillBriefText(reason),
		FreeText:       freeText,
		Started:        true,
		Completed:      true,
		Abandon:        true,
		ExecutionHosts: slices.Clone(hosts),
		KillReason:     reason,
	}
}

func Cancelled(freeText string) *TestState {
	if freeText == "" {
		freeText = "Test run was cancelled before it had started"
	}
	return &TestState{
		Category:  CategoryCancelled,
		BriefText: "cancelled",
		FreeText:  freeText,
		Completed: true,
		Abandon:   true,
	}
}

// CancelledPending is the state of a grid job deleted before it started running
func CancelledPending(jobID, queueName string, at time.Time) *TestState {
	s := Cancelled(fmt.Sprintf("Test job %s was cancelled (while still pending in %s) at %s",
		jobID, queueName, at.Format("15:04")))
	s.BriefText = "cancelled pending job at " + at.Format("15:04")
	return s
}

func Abandoned(freeText, brief string) *TestState {
	if brief == "" {
		brief = "abandoned"
	}
	return &TestState{
		Category:  CategoryAbandoned,
		BriefText: brief,
		FreeText:  freeText,
		Started:   true,
		Completed: true,
		Abandon:   true,
	}
}

// Mark wraps a completed state with a user annotation. Unmark returns the
// wrapped state unchanged.
func Mark(prev *TestState, brief, freeText string) (*TestState, error) {
	if prev == nil || !prev.IsComplete() {
		return nil, fmt.Errorf("cannot mark a test that has not completed")
	}
	return &TestState{
		Category:        CategoryMarked,
		BriefText:       brief,
		FreeText:        freeText + "\n\nORIGINAL STATE:\nTest " + prev.Describe() + "\n " + prev.FreeText,
		Started:         prev.Started,
		Completed:       true,
		ExecutionHosts:  slices.Clone(prev.ExecutionHosts),
		LifecycleChange: ChangeMarked,
		Comparisons:     slices.Clone(prev.Comparisons),
		Previous:        prev,
	}, nil
}

// Unmark returns the exact state that was wrapped by Mark.
func Unmark(s *TestState) (*TestState, error) {
	if s == nil || s.Category != CategoryMarked || s.Previous == nil {
		return nil, fmt.Errorf("cannot unmark a test that is not marked")
	}
	return s.Previous, nil
}

// Save records new comparisons on a completed state, keeping its category.
func Save(s *TestState, comparisons []FileComparison) (*TestState, error) {
	if s == nil || !s.IsComplete() {
		return nil, fmt.Errorf("cannot save a test that has not completed")
	}
	saved := s.WithLifecycleChange(ChangeSaved)
	saved.Comparisons = slices.Clone(comparisons)
	return saved, nil
}

func (s *TestState) IsComplete() bool {
	return s != nil && s.Completed
}

func (s *TestState) HasStarted() bool {
	return s != nil && (s.Started || s.Completed)
}

func (s *TestState) HasSucceeded() bool {
	return s != nil && s.Category == CategorySuccess
}

// ShouldAbandon tells the runner to skip the remaining actions of the pipeline,
// except those that ask to be called during abandonment.
func (s *TestState) ShouldAbandon() bool {
	return s != nil && (s.Abandon || s.LifecycleChange == ChangeComplete)
}

// Outcome returns the category that decides the result of the test; marked
// states report the category they wrap.
func (s *TestState) Outcome() Category {
	for s != nil && s.Category == CategoryMarked && s.Previous != nil {
		s = s.Previous
	}
	if s == nil {
		return CategoryNotStarted
	}
	return s.Category
}

// WithLifecycleChange returns a copy of s carrying a different lifecycle change.
func (s *TestState) WithLifecycleChange(change string) *TestState {
	c := *s
	c.ExecutionHosts = slices.Clone(s.ExecutionHosts)
	c.Comparisons = slices.Clone(s.Comparisons)
	c.LifecycleChange = change
	return &c
}

// Describe returns the one-word description used in text output
func (s *TestState) Describe() string {
	if s == nil {
		return "not started"
	}
	switch s.Category {
	case CategoryNotStarted:
		return "not started"
	case CategoryPending:
		return "pending"
	case CategoryRunning:
		return "running"
	case CategorySuccess:
		return "succeeded"
	case CategoryFailure:
		return "FAILED"
	case CategoryUnrunnable:
		return "unrunnable"
	case CategoryKilled:
		return "killed"
	case CategoryCancelled:
		return "cancelled"
	case CategoryAbandoned:
		return "abandoned"
	case CategoryMarked:
		return "marked as " + s.BriefText
	}
	return string(s.Category)
}

func (s *TestState) String() string {
	if s == nil {
		return "<nil>"
	}
	if s.BriefText != "" {
		return fmt.Sprintf("%s (%s)", s.Category, s.BriefText)
	}
	return string(s.Category)
}
