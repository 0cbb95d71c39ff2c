package commandplane

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgefleetops/fleetcore/internal/config"
)

const pingModule = `
module.exports = {
	metadata: {
		name: "ping",
		version: "1.2.0",
		description: "health check commands",
	},
	commands: {
		ping: {
			help: "replies with pong",
			run: function(ctx, args) {
				return { reply: "pong", echoed: args.message };
			},
		},
	},
};
`

const lifecycleModule = `
var initialized = false;
module.exports = {
	metadata: { name: "lifecycle" },
	commands: {
		status: {
			run: function(ctx, args) {
				return { initialized: initialized };
			},
		},
	},
	initialize: function(cfg) {
		initialized = true;
	},
	cleanup: function() {
		initialized = false;
	},
};
`

const noExportsModule = `var x = 1;`

const noNameModule = `
module.exports = {
	metadata: {},
	commands: { noop: { run: function() { return {}; } } },
};
`

func testPlane(t *testing.T, extraCfg ...func(*config.PluginConfig)) (*Plane, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.PluginConfig{
		Directory:      dir,
		MaxLoadRetries: 3,
		LoadTimeout:    config.Duration(2 * time.Second),
		ReloadDelay:    config.Duration(20 * time.Millisecond),
	}
	for _, f := range extraCfg {
		f(&cfg)
	}
	return New(cfg, map[string]any{"env": "test"}), dir
}

func writeModule(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	return path
}

func TestPlaneStartLoadsEveryModuleInDirectory(t *testing.T) {
	plane, dir := testPlane(t)
	writeModule(t, dir, "ping.js", pingModule)
	writeModule(t, dir, "lifecycle.js", lifecycleModule)

	results, err := plane.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("module %v failed to load: %v", r.Module, r.Error)
		}
	}
	t.Cleanup(plane.Shutdown)

	mods := plane.Modules()
	if len(mods) != 2 {
		t.Fatalf("Modules() = %d, want 2", len(mods))
	}
}

func TestPlaneLoadFromFileRegistersCommands(t *testing.T) {
	plane, dir := testPlane(t)
	path := writeModule(t, dir, "ping.js", pingModule)

	res := plane.LoadFromFile(context.Background(), path)
	if !res.Success {
		t.Fatalf("LoadFromFile failed: %v", res.Error)
	}
	t.Cleanup(plane.Shutdown)

	cmd, ok := plane.Command("ping")
	if !ok {
		t.Fatal("expected ping command to be registered")
	}

	out, err := cmd.Run(context.Background(), map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out["reply"] != "pong" {
		t.Errorf("reply = %v, want pong", out["reply"])
	}
	if out["echoed"] != "hi" {
		t.Errorf("echoed = %v, want hi", out["echoed"])
	}
}

func TestPlaneLoadFromFileRunsInitialize(t *testing.T) {
	plane, dir := testPlane(t)
	path := writeModule(t, dir, "lifecycle.js", lifecycleModule)

	res := plane.LoadFromFile(context.Background(), path)
	if !res.Success {
		t.Fatalf("LoadFromFile failed: %v", res.Error)
	}
	t.Cleanup(plane.Shutdown)

	cmd, _ := plane.Command("status")
	out, err := cmd.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out["initialized"] != true {
		t.Errorf("initialized = %v, want true after initialize() ran", out["initialized"])
	}
}

func TestPlaneLoadFromFileRejectsMissingExports(t *testing.T) {
	plane, dir := testPlane(t)
	path := writeModule(t, dir, "broken.js", noExportsModule)

	res := plane.LoadFromFile(context.Background(), path)
	if res.Success {
		t.Fatal("expected load failure for a module with no module.exports")
	}
	if res.Error != ErrNoModuleClasses {
		t.Errorf("Error = %v, want ErrNoModuleClasses", res.Error)
	}
}

func TestPlaneLoadFromFileRejectsMissingName(t *testing.T) {
	plane, dir := testPlane(t)
	path := writeModule(t, dir, "noname.js", noNameModule)

	res := plane.LoadFromFile(context.Background(), path)
	if res.Success {
		t.Fatal("expected load failure for a module whose metadata.name is empty")
	}
}

func TestPlaneLoadAllIsolatesFailures(t *testing.T) {
	plane, dir := testPlane(t)
	writeModule(t, dir, "ping.js", pingModule)
	writeModule(t, dir, "broken.js", noExportsModule)
	writeModule(t, dir, "_ignored.js", pingModule)

	results, err := plane.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (underscore-prefixed file skipped)", len(results))
	}
	t.Cleanup(plane.Shutdown)

	var successes int
	for _, r := range results {
		if r.Success {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
	if _, ok := plane.Command("ping"); !ok {
		t.Error("expected the good module's command to still register despite the other module's failure")
	}
}

func TestPlaneReloadFromFileReinitializes(t *testing.T) {
	plane, dir := testPlane(t)
	path := writeModule(t, dir, "lifecycle.js", lifecycleModule)

	if res := plane.LoadFromFile(context.Background(), path); !res.Success {
		t.Fatalf("initial load failed: %v", res.Error)
	}
	t.Cleanup(plane.Shutdown)

	res := plane.ReloadFromFile(context.Background(), path)
	if !res.Success {
		t.Fatalf("ReloadFromFile failed: %v", res.Error)
	}

	mods := plane.Modules()
	if len(mods) != 1 {
		t.Fatalf("Modules() after reload = %d, want 1 (no duplicate)", len(mods))
	}
	if mods[0].State != StateLoaded {
		t.Errorf("state after reload = %v, want %v", mods[0].State, StateLoaded)
	}
}

func TestPlaneUnloadFromFileRemovesModuleAndCommands(t *testing.T) {
	plane, dir := testPlane(t)
	path := writeModule(t, dir, "ping.js", pingModule)
	plane.LoadFromFile(context.Background(), path)
	t.Cleanup(plane.Shutdown)

	if !plane.UnloadFromFile(path) {
		t.Fatal("expected UnloadFromFile to report true for a loaded module")
	}
	if plane.UnloadFromFile(path) {
		t.Error("expected a second UnloadFromFile for the same path to report false")
	}
	if _, ok := plane.Command("ping"); ok {
		t.Error("expected ping command to be deregistered after unload")
	}
	if len(plane.Modules()) != 0 {
		t.Error("expected no modules after unload")
	}
}

func TestPlaneShutdownUnloadsRunningModules(t *testing.T) {
	plane, dir := testPlane(t)
	pathA := writeModule(t, dir, "a_lifecycle.js", lifecycleModule)
	plane.LoadFromFile(context.Background(), pathA)

	cmd, _ := plane.Command("status")
	out, _ := cmd.Run(context.Background(), nil)
	if out["initialized"] != true {
		t.Fatal("expected module to report initialized before shutdown")
	}

	plane.Shutdown()

	if len(plane.Modules()) != 0 {
		t.Error("expected no modules after Shutdown")
	}
}

func TestPlaneStartEnablesHotReloadWatcher(t *testing.T) {
	plane, dir := testPlane(t, func(c *config.PluginConfig) { c.AutoReload = true })
	results, err := plane.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no modules in an empty directory, got %d", len(results))
	}
	t.Cleanup(plane.Shutdown)

	writeModule(t, dir, "ping.js", pingModule)

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, ok := plane.Command("ping"); ok {
			return
		}
		select {
		case <-tick.C:
		case <-deadline:
			t.Fatal("expected hot-reload watcher to pick up a newly created module")
		}
	}
}

func TestModuleNameDerivesFromRelativePath(t *testing.T) {
	if got := moduleName("/plugins", "/plugins/ping.js"); got != "ping" {
		t.Errorf("moduleName = %q, want ping", got)
	}
	if got := moduleName("/plugins", "/plugins/sub/device.js"); got != "sub.device" {
		t.Errorf("moduleName = %q, want sub.device", got)
	}
}
