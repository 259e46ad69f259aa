package model

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/config"
	"github.com/ethereum-optimism/infra/op-regress/dircache"
)

// Clean modes for write directories after a run
const (
	CleanNone      = "none"
	CleanSucceeded = "succeeded"
	CleanAll       = "all"
)

// Application is a configured system under test: a short name plus an
// ordered list of version tags. It is immutable once constructed except for
// its extras.
type Application struct {
	Name     string
	FullName string
	Versions []string
	Dir      string
	Config   *config.Store

	writeDir string
	registry *dircache.Registry
	log      log.Logger

	// Extras are sibling applications with one extra version appended
	Extras []*Application
}

// VersionSuffix returns ".v1.v2" for versions [v1 v2], or "".
func (a *Application) VersionSuffix() string {
	if len(a.Versions) == 0 {
		return ""
	}
	return "." + strings.Join(a.Versions, ".")
}

func (a *Application) FullVersion() string {
	return strings.Join(a.Versions, ".")
}

// Description is the short name with its versions, as used on the wire
// between master and slave.
func (a *Application) Description() string {
	return a.Name + a.VersionSuffix()
}

func (a *Application) String() string {
	return a.Description()
}

func (a *Application) WriteDirectory() string {
	return a.writeDir
}

// Logger returns the root logger for applications built without one
func (a *Application) Logger() log.Logger {
	if a.log == nil {
		return log.New()
	}
	return a.log
}

func (a *Application) BaseVersions() []string {
	var base []string
	for _, v := range append([]string{config.DefaultKey}, a.Versions...) {
		for _, b := range a.Config.CompositeList("base_version", v) {
			if !slices.Contains(base, b) && !slices.Contains(a.Versions, b) {
				base = append(base, b)
			}
		}
	}
	return base
}

// Resolver returns the version resolver used for every file lookup of the application
func (a *Application) Resolver() dircache.Resolver {
	return dircache.Resolver{
		App:           a.Name,
		Versions:      slices.Clone(a.Versions),
		BaseVersions:  a.BaseVersions(),
		ExtraVersions: a.Config.List("extra_version"),
		Priority: func(v string) int {
			if _, ok := a.Config.Composite("version_priority", v); !ok {
				return dircache.DefaultPriority
			}
			return a.Config.CompositeInt("version_priority", v)
		},
	}
}

// Cache returns the snapshot of dir
func (a *Application) Cache(dir string) *dircache.Cache {
	return a.registry.Get(dir)
}

func (a *Application) FilesWithStem(dir, stem string, mode dircache.Mode) []dircache.File {
	return a.Resolver().FilesWithStem([]*dircache.Cache{a.Cache(dir)}, stem, mode)
}

// FileWithStem returns the best ranked file for stem in dir, or "".
func (a *Application) FileWithStem(dir, stem string) string {
	return a.Resolver().FileWithStem([]*dircache.Cache{a.Cache(dir)}, stem)
}

// AllApplications returns a followed by its extras
func (a *Application) AllApplications() []*Application {
	return append([]*Application{a}, a.Extras...)
}

// CleanWriteDirectory removes scratch output according to mode. With
// CleanSucceeded only the directories of tests that succeeded are removed.
func (a *Application) CleanWriteDirectory(mode string, tests []*Node) error {
	switch mode {
	case CleanAll:
		a.Logger().Debug("Removing write directory", "dir", a.writeDir)
		return os.RemoveAll(a.writeDir)
	case CleanSucceeded:
		for _, t := range tests {
			if t.App != a || !t.State().HasSucceeded() {
				continue
			}
			if err := os.RemoveAll(t.WriteDirectory()); err != nil {
				return err
			}
		}
		// drop the application directory once nothing is left in it
		entries, err := os.ReadDir(a.writeDir)
		if err == nil && len(entries) == 0 {
			return os.Remove(a.writeDir)
		}
	}
	return nil
}

// SetUpWriteDirectory creates the application write directory
func (a *Application) SetUpWriteDirectory() error {
	return os.MkdirAll(a.writeDir, 0755)
}

func (a *Application) relWriteDir(relPath string) string {
	return filepath.Join(a.writeDir, filepath.FromSlash(relPath))
}
