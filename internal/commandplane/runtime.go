package commandplane

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ErrNoModuleClasses is returned when a file's module.exports is missing or
// malformed, matching original_source's PluginError("No plugin classes
// found...") — spec.md §4.I names this failure NoModuleClasses.
var ErrNoModuleClasses = errors.New("commandplane: module.exports missing or malformed")

// moduleRuntime wraps one command module's isolated goja.Runtime plus the
// parsed module.exports object, providing the Go-side initialize/cleanup/
// command-dispatch surface a Module needs.
type moduleRuntime struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	exports *goja.Object
}

// loadModuleRuntime executes file's JS body in a fresh goja.Runtime (one
// runtime per module, matching script_engine.go's per-execution
// goja.New()), reads module.exports, and returns the module's metadata and
// commands. The caller is responsible for subsequently calling initialize.
func loadModuleRuntime(ctx context.Context, path string) (*moduleRuntime, Metadata, []*Command, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, Metadata{}, nil, fmt.Errorf("commandplane: read %s: %w", path, err)
	}

	vm := goja.New()
	module := vm.NewObject()
	exportsObj := vm.NewObject()
	_ = module.Set("exports", exportsObj)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exportsObj)

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	done := make(chan error, 1)
	go func() {
		_, runErr := vm.RunString(string(src))
		done <- runErr
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, Metadata{}, nil, fmt.Errorf("commandplane: execute %s: %w", path, err)
		}
	case <-ctx.Done():
		vm.Interrupt("load timeout exceeded")
		<-done
		return nil, Metadata{}, nil, fmt.Errorf("commandplane: load %s: %w", path, ctx.Err())
	}

	exportsVal := module.Get("exports")
	if exportsVal == nil || goja.IsUndefined(exportsVal) || goja.IsNull(exportsVal) {
		return nil, Metadata{}, nil, ErrNoModuleClasses
	}
	exports, ok := exportsVal.(*goja.Object)
	if !ok {
		return nil, Metadata{}, nil, ErrNoModuleClasses
	}

	meta, err := parseMetadata(exports)
	if err != nil {
		return nil, Metadata{}, nil, err
	}

	cmds, err := parseCommands(vm, exports)
	if err != nil {
		return nil, Metadata{}, nil, err
	}
	if len(cmds) == 0 && len(meta.Commands) == 0 {
		return nil, Metadata{}, nil, ErrNoModuleClasses
	}

	rt := &moduleRuntime{vm: vm, exports: exports}
	return rt, meta, cmds, nil
}

func parseMetadata(exports *goja.Object) (Metadata, error) {
	metaVal := exports.Get("metadata")
	if metaVal == nil || goja.IsUndefined(metaVal) || goja.IsNull(metaVal) {
		return Metadata{}, ErrNoModuleClasses
	}
	metaObj, ok := metaVal.(*goja.Object)
	if !ok {
		return Metadata{}, ErrNoModuleClasses
	}

	meta := Metadata{
		Name:    stringField(metaObj, "name"),
		Version: stringFieldOr(metaObj, "version", "1.0.0"),
		Description: stringField(metaObj, "description"),
		Author:      stringField(metaObj, "author"),
	}
	if meta.Name == "" {
		return Metadata{}, fmt.Errorf("commandplane: module.exports.metadata.name is required")
	}
	meta.Dependencies = stringSliceField(metaObj, "dependencies")
	meta.Commands = stringSliceField(metaObj, "commands")
	return meta, nil
}

func parseCommands(vm *goja.Runtime, exports *goja.Object) ([]*Command, error) {
	cmdsVal := exports.Get("commands")
	if cmdsVal == nil || goja.IsUndefined(cmdsVal) || goja.IsNull(cmdsVal) {
		return nil, nil
	}
	cmdsObj, ok := cmdsVal.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("commandplane: module.exports.commands must be an object")
	}

	var out []*Command
	for _, name := range cmdsObj.Keys() {
		entryVal := cmdsObj.Get(name)
		entry, ok := entryVal.(*goja.Object)
		if !ok {
			continue
		}
		runVal := entry.Get("run")
		runFn, ok := goja.AssertFunction(runVal)
		if !ok {
			continue
		}

		cmdName := name
		help := stringField(entry, "help")
		params := parseParams(entry)

		out = append(out, &Command{
			Name:   cmdName,
			Help:   help,
			Params: params,
			run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				argsVal := vm.ToValue(args)
				resultVal, err := runFn(goja.Undefined(), vm.ToValue(nil), argsVal)
				if err != nil {
					return nil, fmt.Errorf("commandplane: command %q: %w", cmdName, err)
				}
				return exportToMap(resultVal), nil
			},
		})
	}
	return out, nil
}

func parseParams(entry *goja.Object) []Param {
	paramsVal := entry.Get("params")
	paramsObj, ok := paramsVal.(*goja.Object)
	if !ok {
		return nil
	}
	arr, ok := paramsObj.Export().([]any)
	if !ok {
		return nil
	}
	var out []Param
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p := Param{}
		if v, ok := m["name"].(string); ok {
			p.Name = v
		}
		if v, ok := m["type"].(string); ok {
			p.Type = v
		}
		if v, ok := m["required"].(bool); ok {
			p.Required = v
		}
		out = append(out, p)
	}
	return out
}

// initialize invokes module.exports.initialize(config) if present, bounded
// by a context timeout via goja.Interrupt the same way loadModuleRuntime's
// script execution is.
func (r *moduleRuntime) initialize(ctx context.Context, appCfg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	initVal := r.exports.Get("initialize")
	fn, ok := goja.AssertFunction(initVal)
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := fn(goja.Undefined(), r.vm.ToValue(appCfg))
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		r.vm.Interrupt("initialize timeout exceeded")
		<-done
		return ctx.Err()
	}
}

// cleanup invokes module.exports.cleanup() if present, tolerating its
// absence the way Plugin.cleanup defaults to a no-op base implementation.
func (r *moduleRuntime) cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleanupVal := r.exports.Get("cleanup")
	fn, ok := goja.AssertFunction(cleanupVal)
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := fn(goja.Undefined())
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		r.vm.Interrupt("cleanup timeout exceeded")
		<-done
		return fmt.Errorf("commandplane: cleanup timed out")
	}
}

func stringField(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func stringFieldOr(obj *goja.Object, key, fallback string) string {
	s := stringField(obj, key)
	if s == "" {
		return fallback
	}
	return s
}

func stringSliceField(obj *goja.Object, key string) []string {
	v := obj.Get(key)
	arrObj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	exported, ok := arrObj.Export().([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(exported))
	for _, item := range exported {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func exportToMap(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if m, ok := v.Export().(map[string]any); ok {
		return m
	}
	return map[string]any{"result": v.Export()}
}
