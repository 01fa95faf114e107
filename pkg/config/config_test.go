package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Storage.Backend != "badger" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Client.MaxDuration != 600*time.Second || cfg.Client.WarnBefore != 60*time.Second {
		t.Errorf("client limits = %s / %s", cfg.Client.MaxDuration, cfg.Client.WarnBefore)
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.QueueSize != 100 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if len(cfg.Server.AllowOrigins) != 1 || cfg.Server.AllowOrigins[0] != "*" {
		t.Errorf("origins = %v", cfg.Server.AllowOrigins)
	}
}

func TestLoadEnvFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	envFile := filepath.Join(dir, "test.env")
	content := "STORAGE_BACKEND=sqlite\nPIPELINE_WORKERS=2\nSERVER_ALLOW_ORIGINS=http://a.test,http://b.test\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// godotenv writes straight into the process environment.
	t.Cleanup(func() {
		os.Unsetenv("STORAGE_BACKEND")
		os.Unsetenv("SERVER_ALLOW_ORIGINS")
	})
	t.Setenv("CLIENT_MAX_DURATION", "120s")
	t.Setenv("CLIENT_WARN_BEFORE", "30s")
	// Process environment wins over the file.
	t.Setenv("PIPELINE_WORKERS", "8")

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("workers = %d", cfg.Pipeline.Workers)
	}
	if cfg.Client.MaxDuration != 2*time.Minute {
		t.Errorf("max duration = %s", cfg.Client.MaxDuration)
	}
	if len(cfg.Server.AllowOrigins) != 2 {
		t.Errorf("origins = %v", cfg.Server.AllowOrigins)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	chdir(t, t.TempDir())
	if _, err := Load("does-not-exist.env"); err != nil {
		t.Fatalf("a missing env file should be ignored: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage:  StorageConfig{Backend: "memory"},
			Pipeline: PipelineConfig{Workers: 1, QueueSize: 1},
			Client:   ClientConfig{MaxDuration: time.Minute, WarnBefore: 10 * time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }, true},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }, true},
		{"no queue", func(c *Config) { c.Pipeline.QueueSize = 0 }, true},
		{"warning after limit", func(c *Config) { c.Client.WarnBefore = time.Minute }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test,
// equivalent to testing.T.Chdir on newer toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("Chdir back: %v", err)
		}
	})
}
