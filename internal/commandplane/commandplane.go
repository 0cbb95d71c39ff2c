// Package commandplane implements the CommandPlane (§4.I): discovery,
// load, validate, hot-reload, and registry of command modules, grounded on
// original_source's core/plugins.py PluginLoader state machine and on
// r3e-network-service_layer's system/tee/script_engine.go for the
// goja-isolated execution model Go substitutes for Python's importlib.
package commandplane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edgefleetops/fleetcore/internal/config"
	"github.com/rs/zerolog/log"
)

// State is a module's position in the discovery -> load -> (loaded ⇆
// reloading) -> unload -> gone state machine from spec.md §4.I.
type State string

const (
	StateDiscovered State = "discovered"
	StateLoading    State = "loading"
	StateLoaded     State = "loaded"
	StateReloading  State = "reloading"
	StateUnloading  State = "unloading"
	StateFailed     State = "failed"
	StateGone       State = "gone"
)

// Metadata describes a command module, matching PluginMetadata's fields.
type Metadata struct {
	Name         string
	Version      string
	Description  string
	Author       string
	Dependencies []string
	Commands     []string
}

// Param describes one argument a command accepts.
type Param struct {
	Name     string
	Type     string
	Required bool
}

// Command is one named operation a module exposes to the registry.
type Command struct {
	ModuleName string
	Name       string
	Help       string
	Params     []Param
	run        func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Run invokes the command's JS-side handler synchronously. ctx is not
// passed to the handler and no deadline is applied to the call.
func (c *Command) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	return c.run(ctx, args)
}

// Module is the loaded, Go-side handle to one command module's isolated
// goja.Runtime, its metadata, and its exported commands.
type Module struct {
	Name     string
	FilePath string
	Metadata Metadata
	State    State
	LoadedAt time.Time

	runtime *moduleRuntime
}

// LoadResult records the outcome of one load attempt, matching
// PluginLoadResult.
type LoadResult struct {
	Success  bool
	Module   *Module
	Error    error
	LoadTime time.Duration
}

// Plane owns the module registry, the discovery directory, and (when
// enabled) the hot-reload filesystem watcher.
type Plane struct {
	cfg    config.PluginConfig
	appCfg any // passed verbatim into each module's initialize(config)

	mu           sync.RWMutex
	modules      map[string]*Module // name -> module
	fileToModule map[string]string  // absolute file path -> module name
	loadOrder    []string           // names, in load order, for reverse-order shutdown
	commands     map[string]*Command

	watcher *watcher
}

// New constructs a Plane bound to cfg's directory. appCfg is whatever value
// should be exposed as the `config` argument to each module's initialize
// hook; callers typically pass their resolved *config.Schema.
func New(cfg config.PluginConfig, appCfg any) *Plane {
	return &Plane{
		cfg:          cfg,
		appCfg:       appCfg,
		modules:      make(map[string]*Module),
		fileToModule: make(map[string]string),
		commands:     make(map[string]*Command),
	}
}

// Start discovers and loads every module under the configured directory,
// then starts the hot-reload watcher if auto_reload is enabled.
func (p *Plane) Start(ctx context.Context) ([]LoadResult, error) {
	if err := os.MkdirAll(p.cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("commandplane: create plugins directory: %w", err)
	}

	results, err := p.LoadAll(ctx)
	if err != nil {
		return results, err
	}

	if p.cfg.AutoReload {
		w, werr := newWatcher(p)
		if werr != nil {
			log.Error().Err(werr).Msg("commandplane: hot-reload watcher failed to start")
		} else {
			p.watcher = w
		}
	}
	return results, nil
}

// Shutdown unloads every module in reverse order of loading and stops the
// watcher, matching PluginLoader.stop.
func (p *Plane) Shutdown() {
	if p.watcher != nil {
		p.watcher.Close()
	}

	p.mu.Lock()
	order := append([]string(nil), p.loadOrder...)
	p.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		p.unload(order[i])
	}
}

// LoadAll discovers every top-level .js file under the plugins directory
// (ignoring names starting with "_") and loads each, tolerating individual
// failures so one bad module never blocks the rest (spec.md §4.I's
// error-isolation invariant).
func (p *Plane) LoadAll(ctx context.Context) ([]LoadResult, error) {
	entries, err := os.ReadDir(p.cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("commandplane: read plugins directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".js") || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		files = append(files, filepath.Join(p.cfg.Directory, e.Name()))
	}
	sort.Strings(files)

	results := make([]LoadResult, 0, len(files))
	var successes, failures int
	for _, f := range files {
		res := p.LoadFromFile(ctx, f)
		results = append(results, res)
		if res.Success {
			successes++
		} else {
			failures++
		}
	}
	log.Info().Int("total", len(results)).Int("successful", successes).Int("failed", failures).Msg("command modules loaded")
	return results, nil
}

// LoadFromFile loads (or, if already loaded, unloads-then-loads) the
// module at path, matching PluginLoader.load_plugin_from_file.
func (p *Plane) LoadFromFile(ctx context.Context, path string) LoadResult {
	start := time.Now()
	name := moduleName(p.cfg.Directory, path)

	p.mu.RLock()
	_, alreadyLoaded := p.modules[name]
	p.mu.RUnlock()
	if alreadyLoaded {
		p.unload(name)
	}

	loadCtx, cancel := context.WithTimeout(ctx, p.cfg.LoadTimeout.D())
	defer cancel()

	rt, meta, cmds, err := loadModuleRuntime(loadCtx, path)
	if err != nil {
		log.Error().Err(err).Str("file", path).Dur("load_time", time.Since(start)).Msg("command module load failed")
		return LoadResult{Success: false, Error: err, LoadTime: time.Since(start)}
	}

	mod := &Module{
		Name:     name,
		FilePath: path,
		Metadata: meta,
		State:    StateLoading,
		runtime:  rt,
	}

	if err := rt.initialize(loadCtx, p.appCfg); err != nil {
		log.Error().Err(err).Str("module", name).Msg("command module initialize failed")
		mod.State = StateFailed
		return LoadResult{Success: false, Module: mod, Error: err, LoadTime: time.Since(start)}
	}

	p.mu.Lock()
	p.modules[name] = mod
	p.fileToModule[path] = name
	p.loadOrder = append(p.loadOrder, name)
	for _, c := range cmds {
		c.ModuleName = name
		p.commands[c.Name] = c
	}
	p.mu.Unlock()

	mod.State = StateLoaded
	mod.LoadedAt = time.Now().UTC()

	log.Info().
		Str("module", name).
		Str("version", meta.Version).
		Dur("load_time", time.Since(start)).
		Int("commands", len(cmds)).
		Msg("command module loaded")

	return LoadResult{Success: true, Module: mod, LoadTime: time.Since(start)}
}

// ReloadFromFile unloads the module previously associated with path (if
// any), then loads it fresh, matching PluginLoader.reload_plugin_from_file.
// The old module's cleanup runs before the new module's initialize, per
// spec.md §4.I's hot-reload ordering invariant.
func (p *Plane) ReloadFromFile(ctx context.Context, path string) LoadResult {
	p.mu.RLock()
	name, tracked := p.fileToModule[path]
	p.mu.RUnlock()
	if tracked {
		if mod, ok := p.moduleByName(name); ok {
			mod.State = StateReloading
		}
		p.unload(name)
	}
	return p.LoadFromFile(ctx, path)
}

// UnloadFromFile unloads whatever module path currently maps to, reporting
// whether a module was actually unloaded.
func (p *Plane) UnloadFromFile(path string) bool {
	p.mu.RLock()
	name, ok := p.fileToModule[path]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	p.unload(name)
	p.mu.Lock()
	delete(p.fileToModule, path)
	p.mu.Unlock()
	return true
}

func (p *Plane) unload(name string) {
	p.mu.Lock()
	mod, ok := p.modules[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	mod.State = StateUnloading
	for cmdName, c := range p.commands {
		if c.ModuleName == name {
			delete(p.commands, cmdName)
		}
	}
	delete(p.modules, name)
	p.loadOrder = removeString(p.loadOrder, name)
	p.mu.Unlock()

	if err := mod.runtime.cleanup(context.Background()); err != nil {
		log.Error().Err(err).Str("module", name).Msg("command module cleanup failed")
	}
	mod.State = StateGone
	log.Info().Str("module", name).Msg("command module unloaded")
}

func (p *Plane) moduleByName(name string) (*Module, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.modules[name]
	return m, ok
}

// Modules returns a snapshot of every currently loaded module.
func (p *Plane) Modules() []*Module {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Module, 0, len(p.modules))
	for _, m := range p.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Command looks up a registered command by name.
func (p *Plane) Command(name string) (*Command, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.commands[name]
	return c, ok
}

// Commands returns every registered command, sorted by name.
func (p *Plane) Commands() []*Command {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Command, 0, len(p.commands))
	for _, c := range p.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// moduleName derives a logical module name from a file path relative to
// dir, mirroring load_plugin_from_file's dotted relative-path convention
// (minus the .py/.js extension).
func moduleName(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	rel = strings.ReplaceAll(rel, string(filepath.Separator), ".")
	return rel
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
