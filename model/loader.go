package model

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-regress/config"
	"github.com/ethereum-optimism/infra/op-regress/dircache"
	"github.com/ethereum-optimism/infra/op-regress/types"
)

// AppSelection names one application and optionally its versions, as given
// by "-a name.v1.v2".
type AppSelection struct {
	Name     string
	Versions []string
}

// ParseAppSelection parses "A.v1,B" into its selections
func ParseAppSelection(arg string) []AppSelection {
	var sel []AppSelection
	for _, part := range splitList(arg) {
		tags := strings.Split(part, ".")
		sel = append(sel, AppSelection{Name: tags[0], Versions: nonEmpty(tags[1:])})
	}
	return sel
}

// ParseVersions parses "v1.v2,v3" into the version chains [[v1 v2] [v3]]
func ParseVersions(arg string) [][]string {
	var chains [][]string
	for _, part := range splitList(arg) {
		chains = append(chains, nonEmpty(strings.Split(part, ".")))
	}
	return chains
}

func splitList(arg string) []string {
	var parts []string
	for _, p := range strings.Split(arg, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func nonEmpty(tags []string) []string {
	return slices.DeleteFunc(slices.Clone(tags), func(s string) bool { return s == "" })
}

// LoadOptions controls application discovery
type LoadOptions struct {
	Roots     []string
	Selection []AppSelection
	Versions  [][]string
	Copies    int
	TmpRoot   string
	RunTag    string
	Registry  *dircache.Registry
	// Defaults registers configuration defaults before the strict config pass
	Defaults func(app string, store *config.Store)
	// ExtraVersions returns the extra versions to build siblings for
	ExtraVersions func(app *Application) []string
	// WriteDir replaces the write directory of an application when it returns a path
	WriteDir func(app *Application) string
	Log      log.Logger
}

// LoadApplications discovers every selected application under the roots.
// Applications with configuration errors are skipped and their errors
// returned alongside the applications that loaded.
func LoadApplications(opts LoadOptions) ([]*Application, []error) {
	if opts.Log == nil {
		opts.Log = log.New()
	}
	if opts.Registry == nil {
		reg, err := dircache.NewRegistry(0, opts.Log)
		if err != nil {
			return nil, []error{err}
		}
		opts.Registry = reg
	}
	var apps []*Application
	var errs []error
	for _, root := range opts.Roots {
		names, err := discoverAppNames(root)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to scan root %s: %w", root, err))
			continue
		}
		for _, name := range names {
			for _, versions := range versionChains(name, opts) {
				app, err := NewApplication(name, root, versions, opts)
				if err != nil {
					opts.Log.Error("Skipping application", "app", name, "versions", versions, "err", err)
					errs = append(errs, err)
					continue
				}
				apps = append(apps, app)
			}
		}
	}
	return apps, errs
}

func discoverAppNames(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stem, vs := dircache.SplitStem(e.Name())
		if stem != "config" || len(vs) == 0 {
			continue
		}
		// config.<app> or config.<app>.<version>...; the app name is the first tag
		parts := strings.Split(e.Name(), ".")
		if name := parts[1]; !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func versionChains(name string, opts LoadOptions) [][]string {
	var chains [][]string
	if len(opts.Selection) > 0 {
		for _, sel := range opts.Selection {
			if sel.Name == name {
				chains = append(chains, sel.Versions)
			}
		}
		if len(chains) == 0 {
			return nil
		}
	} else {
		chains = [][]string{nil}
	}
	if len(opts.Versions) > 0 {
		var combined [][]string
		for _, c := range chains {
			for _, v := range opts.Versions {
				combined = append(combined, append(slices.Clone(c), v...))
			}
		}
		chains = combined
	}
	if opts.Copies > 1 {
		var copies [][]string
		for _, c := range chains {
			for i := 1; i <= opts.Copies; i++ {
				copies = append(copies, append(slices.Clone(c), fmt.Sprintf("copy_%d", i)))
			}
		}
		chains = copies
	}
	return chains
}

// NewApplication reads the configuration of one application/version
// combination in two passes and allocates its write directory.
func NewApplication(name, root string, versions []string, opts LoadOptions) (*Application, error) {
	if opts.Registry == nil {
		reg, err := dircache.NewRegistry(0, opts.Log)
		if err != nil {
			return nil, err
		}
		opts.Registry = reg
	}
	logger := opts.Log
	if logger == nil {
		logger = log.New()
	}
	app, err := newApplication(name, root, versions, opts, logger)
	if err != nil {
		return nil, err
	}
	if opts.ExtraVersions == nil {
		return app, nil
	}
	var seen []string
	for _, extra := range opts.ExtraVersions(app) {
		if slices.Contains(seen, extra) || slices.Contains(versions, extra) {
			app.Logger().Debug("Ignoring duplicate extra version", "version", extra)
			continue
		}
		seen = append(seen, extra)
		sibling, err := newApplication(name, root, append(slices.Clone(versions), extra), opts, logger)
		if err != nil {
			return nil, err
		}
		app.Extras = append(app.Extras, sibling)
	}
	return app, nil
}

func newApplication(name, root string, versions []string, opts LoadOptions, logger log.Logger) (*Application, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, types.NewConfigurationError(name, "cannot resolve root directory: %w", err)
	}
	app := &Application{
		Name:     name,
		Versions: slices.Clone(versions),
		Dir:      root,
		registry: opts.Registry,
		log:      logger.New("app", name+versionSuffix(versions)),
	}

	// bootstrap pass: learn base versions before ranking config files
	app.Config = config.New(app.Description(), logger)
	setCoreDefaults(app.Config)
	bootstrapFiles := configFiles(app, root)
	if len(bootstrapFiles) == 0 {
		return nil, types.NewConfigurationError(app.Description(), "no config file found in %s", root)
	}
	if err := app.Config.ReadFiles(bootstrapFiles, config.Bootstrap); err != nil {
		return nil, err
	}

	store := config.New(app.Description(), logger)
	setCoreDefaults(store)
	if opts.Defaults != nil {
		opts.Defaults(name, store)
	}
	files := configFiles(app, root)
	app.Config = store
	if err := store.ReadFiles(files, config.Strict); err != nil {
		return nil, err
	}

	app.FullName = store.String("full_name")
	if app.FullName == "" {
		app.FullName = name
	}
	tmp := opts.TmpRoot
	if tmp == "" {
		tmp = os.TempDir()
	}
	app.writeDir = filepath.Join(tmp, app.Description()+"."+opts.RunTag)
	if opts.WriteDir != nil {
		if dir := opts.WriteDir(app); dir != "" {
			app.writeDir = dir
		}
	}
	app.Logger().Debug("Loaded application", "dir", root, "writeDir", app.writeDir, "configFiles", files)
	return app, nil
}

// configFiles returns the config files for app, least specific first so
// that more specific files override.
func configFiles(app *Application, root string) []string {
	files := app.FilesWithStem(root, "config", dircache.Strict)
	paths := make([]string, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		// a bare "config" file belongs to no application
		if !files[i].Versions.Contains(app.Name) {
			continue
		}
		paths = append(paths, files[i].Path)
	}
	return paths
}

func versionSuffix(versions []string) string {
	if len(versions) == 0 {
		return ""
	}
	return "." + strings.Join(versions, ".")
}

// setCoreDefaults registers the settings the test model itself reads.
func setCoreDefaults(store *config.Store) {
	store.SetDefault("full_name", "")
	store.SetDefault("base_version", map[string]any{config.DefaultKey: []string{}})
	store.SetDefault("extra_version", []string{})
	store.SetDefault("version_priority", map[string]any{config.DefaultKey: dircache.DefaultPriority})
	store.SetDefault("auto_sort_test_suites", 0)
	store.SetDefault("executable", "")
	store.SetDefault("interpreter", "")
	store.SetDefault("kill_timeout", 0)
	store.SetDefault("copy_test_path", []string{})
	store.SetDefault("max_concurrent_tests", 1)
	store.SetDefault("strip_ansi_output", 0)
	store.SetDefault("queue_system_module", "")
	store.SetDefault("queue_system_max_capacity", 0)
	store.SetDefault("queue_system_max_reruns", 0)
	store.SetDefault("queue_system_processes", 1)
	store.SetDefault("queue_system_resource", []string{})
	store.SetDefault("slave_copy_write_directory", 0)
}
