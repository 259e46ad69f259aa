package slave

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/model"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// TransferResponder copies the write directory of each completed test from
// the slave's local scratch area to the master's write directory. It must be
// subscribed ahead of the SocketResponder so the files are in place before
// the master hears about the result.
type TransferResponder struct {
	target func(app *model.Application) string
	log    log.Logger
}

// NewTransferResponder copies into target(app), which names the master's
// write directory of app.
func NewTransferResponder(target func(app *model.Application) string, logger log.Logger) *TransferResponder {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	return &TransferResponder{target: target, log: logger.New("component", "transfer")}
}

func (r *TransferResponder) NotifyLifecycleChange(t *model.Node, state *types.TestState, change string) {
	if change != types.ChangeComplete || t.App.Config.Int("slave_copy_write_directory") == 0 {
		return
	}
	if err := r.Transfer(t); err != nil {
		r.log.Error("Failed to copy write directory to master", "test", t.Key(), "err", err)
	}
}

// Transfer replaces the master's copy of the test write directory with the local one
func (r *TransferResponder) Transfer(t *model.Node) error {
	root := r.target(t.App)
	if root == "" || filepath.Clean(root) == filepath.Clean(t.App.WriteDirectory()) {
		return nil
	}
	src := t.WriteDirectory()
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(root, filepath.FromSlash(t.RelPath))
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	r.log.Debug("Copied write directory", "test", t.Key(), "to", dst)
	return nil
}
