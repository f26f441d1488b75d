// Package provision prepares the isolated interpreter environment a project runs in.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/loykin/appmaker/internal/env"
	"github.com/loykin/appmaker/internal/metrics"
	"github.com/loykin/appmaker/internal/problem"
)

// Defaults for generated PySide6 programs.
const (
	DefaultHostPython     = "python3"
	DefaultVenvDir        = ".venv"
	DefaultToolkitPackage = "PySide6"
	DefaultManifest       = "requirements.txt"
)

// Kind identifies the provisioning step that failed.
type Kind string

const (
	KindCreate       Kind = "environment_creation"
	KindToolkit      Kind = "dependency_install"
	KindRequirements Kind = "requirements_install"
)

// Error is returned when a provisioning step fails; it is fatal for the run.
type Error struct {
	Kind   Kind
	Output string // combined output of the failing command
	Err    error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s failed: %v: %s", e.Kind, e.Err, e.Output)
	}
	return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ProblemType maps the failing step onto the recorded problem type.
func (e *Error) ProblemType() problem.Type {
	switch e.Kind {
	case KindCreate:
		return problem.TypeEnvironmentCreation
	case KindToolkit:
		return problem.TypeDependencyInstall
	default:
		return problem.TypeRequirementsInstall
	}
}

// Config selects interpreter, toolkit and manifest names.
type Config struct {
	HostPython     string `mapstructure:"host_python"`
	VenvDir        string `mapstructure:"venv_dir"`
	ToolkitPackage string `mapstructure:"toolkit_package"` // pip name
	ToolkitModule  string `mapstructure:"toolkit_module"`  // import name; defaults to ToolkitPackage
	Manifest       string `mapstructure:"manifest"`
}

func (c Config) withDefaults() Config {
	if c.HostPython == "" {
		c.HostPython = DefaultHostPython
	}
	if c.VenvDir == "" {
		c.VenvDir = DefaultVenvDir
	}
	if c.ToolkitPackage == "" {
		c.ToolkitPackage = DefaultToolkitPackage
	}
	if c.ToolkitModule == "" {
		c.ToolkitModule = c.ToolkitPackage
	}
	if c.Manifest == "" {
		c.Manifest = DefaultManifest
	}
	return c
}

// Environment is a provisioned interpreter ready to launch a program.
type Environment struct {
	Interpreter string
	Dir         string   // root of the isolated environment
	Vars        []string // complete environment for the child, K=V
}

// Reporter receives user-facing progress lines.
type Reporter interface {
	Add(msg string, args ...any)
}

// Provisioner creates the isolated environment lazily and installs dependencies.
type Provisioner struct {
	cfg    Config
	run    CommandRunner
	env    *env.Env
	report Reporter
	log    *slog.Logger
}

type Option func(*Provisioner)

func WithRunner(r CommandRunner) Option  { return func(p *Provisioner) { p.run = r } }
func WithEnv(e *env.Env) Option          { return func(p *Provisioner) { p.env = e } }
func WithReporter(r Reporter) Option     { return func(p *Provisioner) { p.report = r } }
func WithLogger(l *slog.Logger) Option   { return func(p *Provisioner) { p.log = l } }

func New(cfg Config, opts ...Option) *Provisioner {
	p := &Provisioner{cfg: cfg.withDefaults(), run: ExecRunner{}, env: env.New(), log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	if p.report == nil {
		p.report = logReporter{p.log}
	}
	return p
}

// Manifest returns the dependency manifest file name projects may carry.
func (p *Provisioner) Manifest() string { return p.cfg.Manifest }

// Interpreter returns the path of the environment's interpreter for projectDir.
func (p *Provisioner) Interpreter(projectDir string) string {
	venv := filepath.Join(projectDir, p.cfg.VenvDir)
	if runtime.GOOS == "windows" {
		return filepath.Join(venv, "Scripts", "python.exe")
	}
	return filepath.Join(venv, "bin", "python")
}

// Ensure guarantees the project's environment exists with the toolkit and the
// manifest's packages installed. On an already provisioned environment it only
// performs the toolkit importability check.
func (p *Provisioner) Ensure(ctx context.Context, projectDir string) (Environment, error) {
	venv := filepath.Join(projectDir, p.cfg.VenvDir)
	py := p.Interpreter(projectDir)
	e := p.childEnv(venv)
	vars := e.Merge(nil)

	if _, err := os.Stat(py); err != nil {
		p.report.Add("virtual environment not found, creating", "path", venv)
		start := time.Now()
		out, err := p.run.Run(ctx, projectDir, p.env.Merge(nil), p.cfg.HostPython, "-m", "venv", venv)
		metrics.ObserveProvision("create", time.Since(start).Seconds())
		if err != nil {
			return Environment{}, &Error{Kind: KindCreate, Output: out, Err: err}
		}
		p.report.Add("virtual environment created", "path", venv)
	}

	if _, err := p.run.Run(ctx, projectDir, vars, py, "-c", "import "+p.cfg.ToolkitModule); err != nil {
		p.report.Add("toolkit not importable, installing", "package", p.cfg.ToolkitPackage)
		start := time.Now()
		out, err := p.run.Run(ctx, projectDir, vars, py, "-m", "pip", "install", p.cfg.ToolkitPackage)
		metrics.ObserveProvision("toolkit", time.Since(start).Seconds())
		if err != nil {
			return Environment{}, &Error{Kind: KindToolkit, Output: out, Err: err}
		}
		p.report.Add("toolkit installed", "package", p.cfg.ToolkitPackage)
	}

	manifest := filepath.Join(projectDir, p.cfg.Manifest)
	if _, err := os.Stat(manifest); err == nil {
		p.report.Add("installing project requirements", "manifest", p.cfg.Manifest)
		start := time.Now()
		out, err := p.run.Run(ctx, projectDir, vars, py, "-m", "pip", "install", "-r", manifest)
		metrics.ObserveProvision("requirements", time.Since(start).Seconds())
		if err != nil {
			return Environment{}, &Error{Kind: KindRequirements, Output: out, Err: err}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Environment{}, &Error{Kind: KindRequirements, Err: err}
	}

	return Environment{Interpreter: py, Dir: venv, Vars: vars}, nil
}

func (p *Provisioner) childEnv(venv string) *env.Env {
	bin := filepath.Join(venv, "bin")
	if runtime.GOOS == "windows" {
		bin = filepath.Join(venv, "Scripts")
	}
	return p.env.
		WithSet("VIRTUAL_ENV", venv).
		WithSet("PYTHONUNBUFFERED", "1").
		WithSet("PIP_DISABLE_PIP_VERSION_CHECK", "1").
		WithPathPrefix(bin)
}

type logReporter struct{ l *slog.Logger }

func (r logReporter) Add(msg string, args ...any) { r.l.Info(msg, args...) }
