// Package config loads and validates the declarative plan that drives the
// supervision core. A plan is immutable once loaded; partial loads are not
// permitted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/pupteam/pup/internal/cronexpr"
	"github.com/pupteam/pup/internal/logger"
)

// DefaultFileName is looked up in the working directory when no --config flag
// is given.
const DefaultFileName = "pup.json"

// Defaults applied when the corresponding field is absent.
const (
	DefaultRestartDelayMs     = 10000
	DefaultTerminateTimeoutMs = 30000
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ConfigError is fatal at load time; the core does not start.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

func errf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// RestartPolicy selects what happens after a child exits on its own.
type RestartPolicy string

const (
	RestartNever   RestartPolicy = "never"
	RestartAlways  RestartPolicy = "always"
	RestartOnError RestartPolicy = "on-error"
)

// ProcessSpec declares one logical process.
type ProcessSpec struct {
	ID                 string            `json:"id" mapstructure:"id"`
	Cmd                []string          `json:"cmd" mapstructure:"cmd"`
	Cwd                string            `json:"cwd" mapstructure:"cwd"`
	Env                map[string]string `json:"env" mapstructure:"env"`
	Autostart          bool              `json:"autostart" mapstructure:"autostart"`
	Cron               string            `json:"cron" mapstructure:"cron"`
	Watch              []string          `json:"watch" mapstructure:"watch"`
	Restart            RestartPolicy     `json:"restart" mapstructure:"restart"`
	RestartDelayMs     *int              `json:"restartDelayMs" mapstructure:"restartDelayMs"`
	RestartLimit       *int              `json:"restartLimit" mapstructure:"restartLimit"`
	TerminateTimeoutMs *int              `json:"terminateTimeoutMs" mapstructure:"terminateTimeoutMs"`
	Instances          int               `json:"instances" mapstructure:"instances"`
	Path               string            `json:"path" mapstructure:"path"`
	Port               int               `json:"port" mapstructure:"port"`
	Listen             string            `json:"listen" mapstructure:"listen"`
}

// RestartDelay returns the wall-clock pause between an exit and the next
// spawn attempt.
func (p *ProcessSpec) RestartDelay() time.Duration {
	if p.RestartDelayMs == nil {
		return DefaultRestartDelayMs * time.Millisecond
	}
	return time.Duration(*p.RestartDelayMs) * time.Millisecond
}

// TerminateTimeout returns how long a graceful stop may take before the child
// is force-killed.
func (p *ProcessSpec) TerminateTimeout() time.Duration {
	if p.TerminateTimeoutMs == nil {
		return DefaultTerminateTimeoutMs * time.Millisecond
	}
	return time.Duration(*p.TerminateTimeoutMs) * time.Millisecond
}

// ServerConfig enables the optional gin control API.
type ServerConfig struct {
	Listen   string `json:"listen" mapstructure:"listen"`
	BasePath string `json:"basePath" mapstructure:"basePath"`
}

// MetricsConfig enables the optional Prometheus endpoint.
type MetricsConfig struct {
	Listen string `json:"listen" mapstructure:"listen"`
}

// EventLogConfig selects a lifecycle-event sink by DSN.
type EventLogConfig struct {
	DSN string `json:"dsn" mapstructure:"dsn"`
}

// raw mirrors the on-disk document exactly; unknown keys are rejected.
type raw struct {
	Logger    logger.SinkConfig `mapstructure:"logger"`
	LogLevel  string            `mapstructure:"logLevel"`
	Cwd       string            `mapstructure:"cwd"`
	Env       map[string]string `mapstructure:"env"`
	IPC       string            `mapstructure:"ipc"`
	Server    *ServerConfig     `mapstructure:"server"`
	Metrics   *MetricsConfig    `mapstructure:"metrics"`
	EventLog  *EventLogConfig   `mapstructure:"eventlog"`
	Processes []ProcessSpec     `mapstructure:"processes"`
}

// Plan is the validated, immutable configuration consumed by the core.
type Plan struct {
	Dir       string // directory of the config file; relative paths resolve here
	Logger    logger.SinkConfig
	LogLevel  string
	Cwd       string // default working directory for processes without one
	Env       map[string]string
	IPCPath   string
	Server    *ServerConfig
	Metrics   *MetricsConfig
	EventLog  *EventLogConfig
	Processes []ProcessSpec
}

// Load reads, decodes, and validates the config file at path.
func Load(path string) (*Plan, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errf("resolve %s: %w", path, err)
	}
	doc, err := readDocument(abs)
	if err != nil {
		return nil, err
	}

	var r raw
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "mapstructure",
		ErrorUnused: true,
		Result:      &r,
	})
	if err != nil {
		return nil, errf("decoder: %w", err)
	}
	if err := dec.Decode(doc); err != nil {
		return nil, errf("decode %s: %w", abs, err)
	}

	plan := &Plan{
		Dir:       filepath.Dir(abs),
		Logger:    r.Logger,
		LogLevel:  r.LogLevel,
		Env:       r.Env,
		Server:    r.Server,
		Metrics:   r.Metrics,
		EventLog:  r.EventLog,
		Processes: r.Processes,
	}
	plan.Logger.Stdout = plan.resolve(plan.Logger.Stdout)
	plan.Logger.Dir = plan.resolve(plan.Logger.Dir)
	plan.Cwd = plan.resolve(r.Cwd)

	ipc := r.IPC
	if ipc == "" {
		ipc = filepath.Join(".pup", "pup.sock")
	}
	plan.IPCPath = plan.resolve(ipc)

	for i := range plan.Processes {
		p := &plan.Processes[i]
		if p.Instances == 0 {
			p.Instances = 1
		}
		if p.Restart == "" {
			p.Restart = RestartNever
		}
		if p.Cwd == "" {
			p.Cwd = plan.Cwd
		} else {
			p.Cwd = plan.resolve(p.Cwd)
		}
		for j, w := range p.Watch {
			p.Watch[j] = plan.resolve(w)
		}
		if err := validateSpec(p); err != nil {
			return nil, err
		}
	}
	if err := validateIDs(plan.Processes); err != nil {
		return nil, err
	}
	return plan, nil
}

// readDocument parses the file into a generic map. JSON is decoded directly
// so env keys keep their case; TOML/YAML go through viper (which treats keys
// case-insensitively).
func readDocument(abs string) (map[string]any, error) {
	if strings.EqualFold(filepath.Ext(abs), ".json") {
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, errf("read %s: %w", abs, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errf("parse %s: %w", abs, err)
		}
		return doc, nil
	}
	v := viper.New()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return nil, errf("read %s: %w", abs, err)
	}
	return v.AllSettings(), nil
}

// resolve maps a relative path onto the config file directory. Empty stays
// empty and absolute paths pass through.
func (p *Plan) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(filepath.Join(p.Dir, path))
}

// MaxTerminateTimeout is the global shutdown grace period.
func (p *Plan) MaxTerminateTimeout() time.Duration {
	max := time.Duration(0)
	for i := range p.Processes {
		if d := p.Processes[i].TerminateTimeout(); d > max {
			max = d
		}
	}
	return max
}

// MergedEnv builds the full child environment: OS environment, plan-level
// overrides, then per-process overrides, later wins. extra entries (the
// injected PUP_* variables) win over everything.
func (p *Plan) MergedEnv(spec *ProcessSpec, extra map[string]string) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range p.Env {
		env[k] = v
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func validateSpec(p *ProcessSpec) error {
	if !idPattern.MatchString(p.ID) {
		return errf("process id %q: must match %s", p.ID, idPattern.String())
	}
	if len(p.Cmd) == 0 || strings.TrimSpace(p.Cmd[0]) == "" {
		return errf("process %q: cmd requires at least the executable", p.ID)
	}
	switch p.Restart {
	case RestartNever, RestartAlways, RestartOnError:
	default:
		return errf("process %q: unknown restart policy %q", p.ID, p.Restart)
	}
	if p.RestartDelayMs != nil && *p.RestartDelayMs < 0 {
		return errf("process %q: restartDelayMs must be >= 0", p.ID)
	}
	if p.RestartLimit != nil && *p.RestartLimit < 0 {
		return errf("process %q: restartLimit must be >= 0", p.ID)
	}
	if p.TerminateTimeoutMs != nil && *p.TerminateTimeoutMs < 0 {
		return errf("process %q: terminateTimeoutMs must be >= 0", p.ID)
	}
	if p.Instances < 1 {
		return errf("process %q: instances must be >= 1", p.ID)
	}
	if p.Cron != "" {
		if _, err := cronexpr.Parse(p.Cron); err != nil {
			return errf("process %q: %w", p.ID, err)
		}
	}
	if p.Path != "" && p.Port == 0 {
		return errf("process %q: path-based balancing requires port", p.ID)
	}
	if p.Path != "" && p.Listen == "" {
		return errf("process %q: path-based balancing requires listen", p.ID)
	}
	if p.Path != "" && !strings.HasPrefix(p.Path, "/") {
		return errf("process %q: path must start with /", p.ID)
	}
	return nil
}

func validateIDs(specs []ProcessSpec) error {
	seen := make(map[string]struct{}, len(specs))
	for i := range specs {
		id := specs[i].ID
		if _, dup := seen[id]; dup {
			return errf("duplicate process id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
