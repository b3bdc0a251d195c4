package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad_FlatScalars(t *testing.T) {
	path := writeConfig(t, `
queue_dir: /var/opt/audisp/data
queue_num_priorities: 8
queue_max_fs_pct: 10.5
use_syslog: true
empty_key:
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.GetString("queue_dir"); got != "/var/opt/audisp/data" {
		t.Errorf("queue_dir = %q", got)
	}
	if n, err := cfg.GetUint64("queue_num_priorities"); err != nil || n != 8 {
		t.Errorf("queue_num_priorities = %d, %v", n, err)
	}
	if f, err := cfg.GetDouble("queue_max_fs_pct"); err != nil || f != 10.5 {
		t.Errorf("queue_max_fs_pct = %f, %v", f, err)
	}
	if b, err := cfg.GetBool("use_syslog"); err != nil || !b {
		t.Errorf("use_syslog = %v, %v", b, err)
	}
	if !cfg.HasKey("empty_key") {
		t.Errorf("empty_key not preserved")
	}
	if cfg.HasKey("missing") {
		t.Errorf("missing key reported present")
	}
}

func TestLoad_RejectsNestedValues(t *testing.T) {
	path := writeConfig(t, "nested:\n  a: 1\n")
	if _, err := Load(path); err == nil {
		t.Errorf("nested config accepted")
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("AUDISP_TEST_DIR", "/tmp/audisp-test")
	path := writeConfig(t, "data_dir: ${AUDISP_TEST_DIR}/data\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.GetString("data_dir"); got != "/tmp/audisp-test/data" {
		t.Errorf("data_dir = %q", got)
	}
}

func TestGetOrDefaults(t *testing.T) {
	cfg := New(map[string]string{"present": "42"})

	if got := cfg.GetStringOr("absent", "fallback"); got != "fallback" {
		t.Errorf("GetStringOr = %q", got)
	}
	if n, err := cfg.GetUint64Or("absent", 7); err != nil || n != 7 {
		t.Errorf("GetUint64Or = %d, %v", n, err)
	}
	if n, err := cfg.GetUint64Or("present", 7); err != nil || n != 42 {
		t.Errorf("GetUint64Or(present) = %d, %v", n, err)
	}
	if b, err := cfg.GetBoolOr("absent", true); err != nil || !b {
		t.Errorf("GetBoolOr = %v, %v", b, err)
	}
}

func TestGetBool_Spellings(t *testing.T) {
	cfg := New(map[string]string{
		"t1": "true", "t2": "yes", "t3": "ON", "t4": "1",
		"f1": "false", "f2": "no", "f3": "Off", "f4": "0",
		"bad": "maybe",
	})
	for _, k := range []string{"t1", "t2", "t3", "t4"} {
		if b, err := cfg.GetBool(k); err != nil || !b {
			t.Errorf("GetBool(%s) = %v, %v", k, b, err)
		}
	}
	for _, k := range []string{"f1", "f2", "f3", "f4"} {
		if b, err := cfg.GetBool(k); err != nil || b {
			t.Errorf("GetBool(%s) = %v, %v", k, b, err)
		}
	}
	if _, err := cfg.GetBool("bad"); err == nil {
		t.Errorf("GetBool(bad) accepted")
	}
}

func TestParseDirList(t *testing.T) {
	dirs, err := ParseDirList("/var/run/audisp:/opt/sockets/")
	if err != nil {
		t.Fatalf("ParseDirList() error = %v", err)
	}
	want := []string{"/var/run/audisp/", "/opt/sockets/"}
	if len(dirs) != len(want) {
		t.Fatalf("got %d dirs, want %d", len(dirs), len(want))
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("dir %d = %q, want %q", i, dirs[i], want[i])
		}
	}

	if _, err := ParseDirList("relative/path"); err == nil {
		t.Errorf("relative path accepted")
	}
	if _, err := ParseDirList("/ok:x"); err == nil {
		t.Errorf("short segment accepted")
	}
}
