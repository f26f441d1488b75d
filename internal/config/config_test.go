package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := Default()
	if c.Server.Listen != d.Server.Listen || c.Projects.Dir != d.Projects.Dir {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.Runner.Supervisor.GracePeriod != 2*time.Second || c.Runner.Supervisor.StopTimeout != 5*time.Second {
		t.Fatalf("runner defaults: %+v", c.Runner.Supervisor)
	}
	if c.Runner.Provision.ToolkitPackage != "PySide6" || c.Runner.Provision.Manifest != "requirements.txt" {
		t.Fatalf("provision defaults: %+v", c.Runner.Provision)
	}
	if !c.Metrics.Enabled || c.Metrics.Usage.Interval != 5*time.Second {
		t.Fatalf("metrics defaults: %+v", c.Metrics)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	p := writeFile(t, dir, "appmaker.toml", `
env = ["QT_QPA_PLATFORM=offscreen"]

[server]
listen = "0.0.0.0:9000"
cors = { origins = ["http://example.test"] }

[projects]
dir = "/srv/projects"

[runner]
grace_period = "3s"
stop_timeout = "10s"
host_python = "python3.12"
toolkit_package = "PyQt6"
manifest = "deps.txt"
output_tail = 500

[llm]
default = "deepseek"
timeout = "90s"

[llm.providers.deepseek]
api_key = "sk-x"
models = ["deepseek-chat"]

[log]
level = "debug"
dir = "/var/log/appmaker"

[history]
dsns = ["sqlite:///tmp/h.db"]

[metrics]
enabled = false
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.Listen != "0.0.0.0:9000" || len(c.Server.CORS.Origins) != 1 {
		t.Fatalf("server: %+v", c.Server)
	}
	if c.Server.BasePath != "/api" {
		t.Fatalf("base path default lost: %q", c.Server.BasePath)
	}
	if c.Projects.Dir != "/srv/projects" {
		t.Fatalf("projects: %+v", c.Projects)
	}
	r := c.Runner
	if r.Supervisor.GracePeriod != 3*time.Second || r.Supervisor.StopTimeout != 10*time.Second || r.Supervisor.OutputTail != 500 {
		t.Fatalf("supervisor: %+v", r.Supervisor)
	}
	if r.Provision.HostPython != "python3.12" || r.Provision.ToolkitPackage != "PyQt6" || r.Provision.Manifest != "deps.txt" {
		t.Fatalf("provision: %+v", r.Provision)
	}
	if c.LLM.Default != "deepseek" || c.LLM.Timeout != 90*time.Second {
		t.Fatalf("llm: %+v", c.LLM)
	}
	if got := c.LLM.Providers["deepseek"]; got.APIKey != "sk-x" || len(got.Models) != 1 {
		t.Fatalf("provider: %+v", got)
	}
	if c.Log.Level != "debug" || c.Log.Dir != "/var/log/appmaker" {
		t.Fatalf("log: %+v", c.Log)
	}
	if len(c.History.DSNs) != 1 || c.Metrics.Enabled {
		t.Fatalf("history/metrics: %+v %+v", c.History, c.Metrics)
	}
	if len(c.Env) != 1 || c.Env[0] != "QT_QPA_PLATFORM=offscreen" {
		t.Fatalf("env: %v", c.Env)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APPMAKER_SERVER_LISTEN", "127.0.0.1:7777")
	t.Setenv("APPMAKER_RUNNER_GRACE_PERIOD", "4s")
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Server.Listen != "127.0.0.1:7777" {
		t.Fatalf("listen = %s", c.Server.Listen)
	}
	if c.Runner.Supervisor.GracePeriod != 4*time.Second {
		t.Fatalf("grace = %s", c.Runner.Supervisor.GracePeriod)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	p := writeFile(t, dir, "bad.toml", "[runner]\nsource_ext = \"py\"\n")
	if _, err := Load(p); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("APPMAKER_TEST_PRESET", "from-env")
	writeFile(t, dir, ".env", "# keys\nexport APPMAKER_TEST_FILE=\"quoted\"\nAPPMAKER_TEST_PRESET=from-file\n")
	t.Cleanup(func() { _ = os.Unsetenv("APPMAKER_TEST_FILE") })
	if _, err := Load(""); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("APPMAKER_TEST_FILE"); got != "quoted" {
		t.Fatalf("APPMAKER_TEST_FILE = %q", got)
	}
	if got := os.Getenv("APPMAKER_TEST_PRESET"); got != "from-env" {
		t.Fatalf("APPMAKER_TEST_PRESET = %q", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "keys.env", "A=1\n#comment\nB='two'\nbroken\n")
	pairs, err := LoadEnvFile(p)
	if err != nil {
		t.Fatal(err)
	}
	m := map[string]bool{}
	for _, kv := range pairs {
		m[kv] = true
	}
	if len(pairs) != 2 || !m["A=1"] || !m["B=two"] {
		t.Fatalf("pairs = %v", pairs)
	}
}

func TestChildEnv(t *testing.T) {
	t.Setenv("APPMAKER_CHILD_BASE", "b")
	c := Default()
	c.Env = []string{"X=1", "APPMAKER_CHILD_BASE=over"}
	got := map[string]bool{}
	for _, kv := range c.ChildEnv() {
		got[kv] = true
	}
	if !got["X=1"] || !got["APPMAKER_CHILD_BASE=over"] {
		t.Fatal("env list must override the OS environment")
	}
	c.UseOSEnv = false
	if n := len(c.ChildEnv()); n != 2 {
		t.Fatalf("len = %d", n)
	}
}
