package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "rox.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "demo"
version = "0.1.0"
entry = "scripts/start.lox"

[runtime]
frame-limit = 512

[gc]
initial-threshold = 4096
growth-factor = 3
stress = true

[debug]
trace-execution = true
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Project.Name != "demo" {
		t.Errorf("Name = %q", m.Project.Name)
	}
	if m.Runtime.FrameLimit != 512 {
		t.Errorf("FrameLimit = %d", m.Runtime.FrameLimit)
	}
	if m.GC.InitialThreshold != 4096 || m.GC.GrowthFactor != 3 || !m.GC.Stress {
		t.Errorf("GC config = %+v", m.GC)
	}
	if !m.Debug.TraceExecution {
		t.Error("TraceExecution not set")
	}
	if m.Dir == "" || !filepath.IsAbs(m.Dir) {
		t.Errorf("Dir = %q, want absolute", m.Dir)
	}
	if m.EntryPath() != filepath.Join(m.Dir, "scripts/start.lox") {
		t.Errorf("EntryPath = %q", m.EntryPath())
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Project.Entry != "main.lox" {
		t.Errorf("Entry = %q, want default", m.Project.Entry)
	}
	if m.Runtime.FrameLimit != 256 {
		t.Errorf("FrameLimit = %d, want default 256", m.Runtime.FrameLimit)
	}
	if m.GC.InitialThreshold != 1024*1024 {
		t.Errorf("InitialThreshold = %d, want default", m.GC.InitialThreshold)
	}
	if m.GC.GrowthFactor != 2 {
		t.Errorf("GrowthFactor = %d, want default 2", m.GC.GrowthFactor)
	}
	if m.GC.Stress || m.Debug.TraceExecution {
		t.Error("boolean flags should default to false")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error loading from a directory without rox.toml")
	}
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[project\nname=")
	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `
[project]
name = "found"
`)
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("manifest not found from nested directory")
	}
	if m.Project.Name != "found" {
		t.Errorf("Name = %q", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("expected nil manifest, got %+v", m)
	}
}

func TestDefault(t *testing.T) {
	m := Default()
	if m.Runtime.FrameLimit != 256 || m.GC.GrowthFactor != 2 {
		t.Errorf("defaults not applied: %+v", m)
	}
	if m.EntryPath() != "main.lox" {
		t.Errorf("EntryPath = %q", m.EntryPath())
	}
}
