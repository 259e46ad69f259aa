package model

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-regress/config"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// writeTree creates files under root; names ending in "/" are directories.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			require.NoError(t, os.MkdirAll(p, 0755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func testApp(name string, versions ...string) *Application {
	app := &Application{Name: name, FullName: name, Versions: versions, log: log.New("app", name)}
	app.Config = config.New(app.Description(), nil)
	setCoreDefaults(app.Config)
	return app
}

type recordedEvent struct {
	kind   string
	test   string
	change string
	state  *types.TestState
}

type recordingObserver struct {
	events []recordedEvent
}

func (r *recordingObserver) NotifyAdd(t *Node, initial bool) {
	r.events = append(r.events, recordedEvent{kind: "add", test: t.RelPath})
}

func (r *recordingObserver) NotifyRemove(t *Node) {
	r.events = append(r.events, recordedEvent{kind: "remove", test: t.RelPath})
}

func (r *recordingObserver) NotifyLifecycleChange(t *Node, s *types.TestState, change string) {
	r.events = append(r.events, recordedEvent{kind: "lifecycle", test: t.RelPath, change: change, state: s})
}

func (r *recordingObserver) NotifyComplete(t *Node) {
	r.events = append(r.events, recordedEvent{kind: "complete", test: t.RelPath})
}

func (r *recordingObserver) kinds() []string {
	var kinds []string
	for _, e := range r.events {
		if e.change != "" {
			kinds = append(kinds, e.kind+":"+e.change)
		} else {
			kinds = append(kinds, e.kind)
		}
	}
	return kinds
}

func relPaths(nodes []*Node) []string {
	paths := make([]string, len(nodes))
	for i, n := range nodes {
		paths[i] = n.RelPath
	}
	return paths
}
