package responder

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/model"
)

// TextResponder writes one line per completed test
type TextResponder struct {
	prefix string

	mu sync.Mutex
	w  io.Writer
}

func NewTextResponder(prefix string, w io.Writer) *TextResponder {
	return &TextResponder{prefix: prefix, w: w}
}

func (r *TextResponder) NotifyComplete(t *model.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, r.prefix+CompletionLine(t))
}

// CompletionLine describes the final state of t on a single line
func CompletionLine(t *model.Node) string {
	s := t.State()
	line := fmt.Sprintf("%s test %s %s", t.App.Description(), t.UniqueName(), s.Describe())
	if free := flatten(s.FreeText); free != "" && !s.HasSucceeded() {
		line += " : " + free
	}
	return line
}

func flatten(text string) string {
	var parts []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, " | ")
}

// StatusLogger logs status and kill notifications
type StatusLogger struct {
	log log.Logger
}

func NewStatusLogger(logger log.Logger) *StatusLogger {
	if logger == nil {
		logger = log.New()
	}
	return &StatusLogger{log: logger.New("component", "status")}
}

func (r *StatusLogger) NotifyStatus(text string) {
	r.log.Info(text)
}

func (r *StatusLogger) NotifyKillProcesses(reason string) {
	r.log.Warn("Killing running tests", "reason", reason)
}

func (r *StatusLogger) NotifyAllComplete() {
	r.log.Info("All tests complete")
}
