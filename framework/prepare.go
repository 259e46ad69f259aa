package framework

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ethereum-optimism/infra/op-regress/action"
	"github.com/ethereum-optimism/infra/op-regress/model"
)

// PrepareWriteDirectory creates the write directory of each test and copies
// the copy_test_path data into it. A path is looked up in the test directory
// first and then in each suite directory above it.
type PrepareWriteDirectory struct{}

func (PrepareWriteDirectory) Name() string { return "Preparing write directory" }

func (PrepareWriteDirectory) SetUpApplication(_ context.Context, app *model.Application) error {
	return app.SetUpWriteDirectory()
}

func (PrepareWriteDirectory) Call(_ context.Context, t *model.Node) (action.ControlFlow, error) {
	dir := t.WriteDirectory()
	if err := os.RemoveAll(dir); err != nil {
		return action.Done, fmt.Errorf("failed to clear write directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return action.Done, fmt.Errorf("failed to create write directory: %w", err)
	}
	env := t.Environment()
	for _, name := range t.App.Config.List("copy_test_path") {
		name = os.Expand(name, func(k string) string { return env[k] })
		src := findTestData(t, name)
		if src == "" {
			continue
		}
		if err := copyPath(src, filepath.Join(dir, filepath.Base(name))); err != nil {
			return action.Done, fmt.Errorf("failed to copy test data %s: %w", name, err)
		}
	}
	return action.Done, nil
}

func findTestData(t *model.Node, name string) string {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err == nil {
			return name
		}
		return ""
	}
	dirs := []string{t.Dir}
	ancestors := t.Ancestors()
	for i := len(ancestors) - 1; i >= 0; i-- {
		dirs = append(dirs, ancestors[i].Dir)
	}
	for _, dir := range dirs {
		if path := t.App.FileWithStem(dir, name); path != "" {
			return path
		}
		if path := filepath.Join(dir, name); exists(path) {
			return path
		}
	}
	return ""
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.CopyFS(dst, os.DirFS(src))
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
