// Package plugin implements skald's Plugin Registry: a process-wide list of
// named command handlers, each optionally owning auxiliary listening ports,
// outbound HTTPS managers, and periodic timers, following a
// register-before-start, enable/disable, tick-driven lifecycle.
package plugin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/skald-db/skald/pkg/command"
)

// Handler is a named command handler a plugin contributes: a single call
// that handles a command entirely on its own, without the database
// engine's Peek/Process/Commit phases (pkg/dbengine) or its storage.
type Handler func(ctx context.Context, cmd *command.Command) error

// AuxPort describes an auxiliary listening port a plugin owns. The
// Lifecycle Controller opens and closes these alongside the main command
// port.
type AuxPort struct {
	Name    string
	Address string
	Serve   func(ctx context.Context, address string) error
}

// HTTPSManager is the interface the Sync Coordinator drives once per tick:
// register readiness interest, then hand back whatever became ready.
// skald's core treats it as an opaque collaborator; concrete managers live
// inside plugins.
type HTTPSManager interface {
	// RegisterInterest is called once per coordinator tick so the manager
	// can signal what it is waiting on.
	RegisterInterest(ctx context.Context) error
	// PollReady delivers readiness notifications back to the manager and
	// reports whether any outstanding request completed this tick.
	PollReady(ctx context.Context) (completed bool, err error)
}

// Timer is a periodic plugin hook, checked once per Sync Coordinator tick
// (Registry.TickTimers) and fired when due.
type Timer interface {
	// Due reports whether the timer's interval has elapsed.
	Due() bool
	// Fire runs the timer's action and resets its interval.
	Fire(ctx context.Context) error
}

// Plugin is the interface every registered plugin implements.
type Plugin interface {
	Name() string
	Enabled() bool
	SetEnabled(bool)

	// Handlers returns the named command handlers this plugin provides,
	// keyed by command method name (e.g. "anycommand").
	Handlers() map[string]Handler

	// AuxiliaryPorts returns this plugin's auxiliary listening ports.
	// It is read through Registry.AuxiliaryPorts each time the Lifecycle
	// Controller opens the ports.
	AuxiliaryPorts() []AuxPort

	// HTTPSManagers returns this plugin's outbound HTTPS managers, ticked
	// once per Sync Coordinator iteration.
	HTTPSManagers() []HTTPSManager

	// Timers returns this plugin's periodic timers.
	Timers() []Timer
}

// BasePlugin provides the Enabled/SetEnabled bookkeeping and empty defaults
// for the optional parts of Plugin, so concrete plugins only implement what
// they actually use.
type BasePlugin struct {
	name    string
	enabled atomic.Bool
}

// NewBasePlugin constructs a BasePlugin with the given name, enabled by
// default (plugins are enabled unless explicitly excluded from the
// `plugins` configuration option).
func NewBasePlugin(name string) BasePlugin {
	b := BasePlugin{name: name}
	b.enabled.Store(true)
	return b
}

func (b *BasePlugin) Name() string             { return b.name }
func (b *BasePlugin) Enabled() bool            { return b.enabled.Load() }
func (b *BasePlugin) SetEnabled(v bool)        { b.enabled.Store(v) }
func (b *BasePlugin) Handlers() map[string]Handler { return nil }
func (b *BasePlugin) AuxiliaryPorts() []AuxPort    { return nil }
func (b *BasePlugin) HTTPSManagers() []HTTPSManager { return nil }
func (b *BasePlugin) Timers() []Timer                { return nil }

// Registry is skald's process-wide Plugin Registry. It is populated before
// node start via Register; after Freeze is called (at node start) its
// membership is immutable, though individual plugins may still be enabled
// or disabled.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string // registration order, for deterministic status output
	frozen  bool
}

// NewRegistry constructs an empty, unfrozen Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin to the registry. It is fatal to register a plugin
// after Freeze, and fatal to reference an unknown plugin name in
// configuration once the registry is frozen — callers should surface
// ErrUnknownPlugin from EnableOnly in that case and abort startup.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("plugin: registry frozen, cannot register %q", p.Name())
	}
	if _, exists := r.plugins[p.Name()]; exists {
		return fmt.Errorf("plugin: %q already registered", p.Name())
	}
	r.plugins[p.Name()] = p
	r.order = append(r.order, p.Name())
	return nil
}

// Freeze locks membership. Called once, at node start.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// ErrUnknownPlugin is returned by EnableOnly when a name in the `plugins`
// configuration option does not match any registered plugin. This is
// fatal: startup must abort.
var ErrUnknownPlugin = fmt.Errorf("plugin: unknown plugin name")

// EnableOnly disables every registered plugin, then enables exactly those
// named (the `plugins` configuration option, a comma-separated list). It
// returns ErrUnknownPlugin, wrapped with the offending name, if any name
// does not match a registered plugin.
func (r *Registry) EnableOnly(names []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		p.SetEnabled(false)
	}
	for _, name := range names {
		p, ok := r.plugins[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		}
		p.SetEnabled(true)
	}
	return nil
}

// Get returns the plugin registered under name, if any.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// All returns every registered plugin in registration order.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name])
	}
	return out
}

// Enabled returns every enabled plugin, in registration order.
func (r *Registry) Enabled() []Plugin {
	var out []Plugin
	for _, p := range r.All() {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	return out
}

// ResolveHandler looks up the handler for a command's method name across
// all enabled plugins, returning the first match in registration order.
func (r *Registry) ResolveHandler(methodName string) (Handler, bool) {
	for _, p := range r.Enabled() {
		if h, ok := p.Handlers()[methodName]; ok {
			return h, true
		}
	}
	return nil, false
}

// AuxiliaryPorts collects every enabled plugin's auxiliary ports as of this
// call. The result is not cached: the Lifecycle Controller calls it each
// time it opens the ports, so a plugin enabled or disabled after node start
// changes which ports the next opening starts.
func (r *Registry) AuxiliaryPorts() []AuxPort {
	var out []AuxPort
	for _, p := range r.Enabled() {
		out = append(out, p.AuxiliaryPorts()...)
	}
	return out
}

// TickHTTPSManagers drives RegisterInterest/PollReady for every enabled
// plugin's HTTPS managers, once per Sync Coordinator tick.
func (r *Registry) TickHTTPSManagers(ctx context.Context) error {
	for _, p := range r.Enabled() {
		for _, m := range p.HTTPSManagers() {
			if err := m.RegisterInterest(ctx); err != nil {
				return err
			}
		}
	}
	for _, p := range r.Enabled() {
		for _, m := range p.HTTPSManagers() {
			if _, err := m.PollReady(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// TickTimers fires every enabled plugin's due timers.
func (r *Registry) TickTimers(ctx context.Context) {
	for _, p := range r.Enabled() {
		for _, t := range p.Timers() {
			if t.Due() {
				_ = t.Fire(ctx)
			}
		}
	}
}

// StatusRecord is the per-plugin JSON shape the `Status: status` command
// reports.
type StatusRecord struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// StatusRecords returns a StatusRecord per registered plugin, in
// registration order, for the `Status: status` body.
func (r *Registry) StatusRecords() []StatusRecord {
	all := r.All()
	out := make([]StatusRecord, 0, len(all))
	for _, p := range all {
		out = append(out, StatusRecord{Name: p.Name(), Enabled: p.Enabled()})
	}
	return out
}
