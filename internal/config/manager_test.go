package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseStrict(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		path := writeFile(t, "config.json", `{
			"logging": {"level": "debug", "console": true},
			"storage": {"driver": "sqlite", "path": "./x.db"},
			"engine": {"sync_interval": "1m"}
		}`)
		cfg, err := NewManager(path).Parse()
		if err != nil {
			t.Fatalf("Parse error: %v", err)
		}
		if cfg.Logging.Level != "debug" {
			t.Fatalf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
		}
		if cfg.Engine.SyncInterval != "1m" {
			t.Fatalf("Engine.SyncInterval = %q, want %q", cfg.Engine.SyncInterval, "1m")
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		path := writeFile(t, "config.json", `{"loging": {"level": "info"}}`)
		if _, err := NewManager(path).Parse(); err == nil {
			t.Fatal("Parse accepted unknown field")
		}
	})

	t.Run("trailing data rejected", func(t *testing.T) {
		path := writeFile(t, "config.json", `{"logging": {"level": "info"}} {"extra": 1}`)
		if _, err := NewManager(path).Parse(); err == nil {
			t.Fatal("Parse accepted trailing data")
		}
	})
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", strings.Join([]string{
		"logging:",
		"  level: warn",
		"storage:",
		"  driver: file",
		"  path: ./jobs.json",
	}, "\n"))
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("Storage.Driver = %q, want %q", cfg.Storage.Driver, "file")
	}
}

func TestLoadCommitsSnapshot(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewManager(path)

	if got := m.Get(); got != nil {
		t.Fatalf("Get before Load = %+v, want nil", got)
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get = %p, want the loaded snapshot %p", got, cfg)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch := m.Subscribe(1)

	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second) // full buffer: first is shed, second lands

	select {
	case got := <-ch:
		if got != second {
			t.Fatalf("received %q, want newest snapshot %q", got.Logging.Level, second.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected second delivery: %+v", got)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(&Config{})
}

func TestHashConfig(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "info"}}
	c := &Config{Logging: LoggingConfig{Level: "debug"}}

	if hashConfig(a) != hashConfig(b) {
		t.Fatal("equal configs hash differently")
	}
	if hashConfig(a) == hashConfig(c) {
		t.Fatal("different configs hash the same")
	}
	if hashConfig(nil) != 0 {
		t.Fatalf("hashConfig(nil) = %d, want 0", hashConfig(nil))
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"5s", 5 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"-1s", 0, true},
		{"bogus", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseDurationField(%q) error = nil, want error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDurationField(%q) error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}

	if got, err := ParseDurationOrDefault("test.field", "", 7*time.Second); err != nil || got != 7*time.Second {
		t.Fatalf("ParseDurationOrDefault empty = (%v, %v), want (7s, nil)", got, err)
	}
	if got, err := ParseDurationOrDefault("test.field", "2s", 7*time.Second); err != nil || got != 2*time.Second {
		t.Fatalf("ParseDurationOrDefault set = (%v, %v), want (2s, nil)", got, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Notify:  &NotifyConfig{Enabled: true, URL: "https://old.example/hook"},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Notify:  &NotifyConfig{Enabled: true, URL: "https://new.example/hook"},
	}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"logging", "notify"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}

	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported sections %v", changed)
	}
}
