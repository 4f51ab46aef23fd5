package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/flowstate-io/flowstate/internal/testutil"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Lock.TTL != 2*time.Minute {
		t.Errorf("Lock.TTL = %v, want 2m", cfg.Lock.TTL)
	}
	if cfg.Lock.Timeout != 10*time.Second {
		t.Errorf("Lock.Timeout = %v, want 10s", cfg.Lock.Timeout)
	}
	if cfg.Backup.Retention != 5 {
		t.Errorf("Backup.Retention = %d, want 5", cfg.Backup.Retention)
	}
	if cfg.Checkpoint.Retention != 10 {
		t.Errorf("Checkpoint.Retention = %d, want 10", cfg.Checkpoint.Retention)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	content := `
lock:
  ttl: 30s
backup:
  retention: 2
  prune_schedule: "0 3 * * *"
checkpoint:
  retention: 4
  track:
    - deploy.yaml
archive:
  bucket: pipeline-archives
  region: eu-west-1
`
	testutil.WriteFile(t, filepath.Join(dir, FileName), []byte(content))

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Lock.TTL != 30*time.Second {
		t.Errorf("Lock.TTL = %v, want 30s", cfg.Lock.TTL)
	}
	t.Run("unset fields keep defaults", func(t *testing.T) {
		if cfg.Lock.Timeout != 10*time.Second {
			t.Errorf("Lock.Timeout = %v, want default 10s", cfg.Lock.Timeout)
		}
	})
	if cfg.Backup.Retention != 2 {
		t.Errorf("Backup.Retention = %d, want 2", cfg.Backup.Retention)
	}
	if cfg.Backup.PruneSchedule != "0 3 * * *" {
		t.Errorf("PruneSchedule = %q", cfg.Backup.PruneSchedule)
	}
	if len(cfg.Checkpoint.Track) != 1 || cfg.Checkpoint.Track[0] != "deploy.yaml" {
		t.Errorf("Track = %v, want [deploy.yaml]", cfg.Checkpoint.Track)
	}
	if cfg.Archive.Bucket != "pipeline-archives" {
		t.Errorf("Archive.Bucket = %q", cfg.Archive.Bucket)
	}
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(dir, FileName), []byte("lock: [broken"))
	if _, err := Load(dir); err == nil {
		t.Error("Load accepted malformed YAML")
	}
}

func TestPaths(t *testing.T) {
	cfg := Default("/work/.taskmaster")
	cases := []struct {
		got, want string
	}{
		{cfg.StatePath(), "/work/.taskmaster/state.json"},
		{cfg.LockDir(), "/work/.taskmaster/locks"},
		{cfg.BackupDir(), "/work/.taskmaster/backups"},
		{cfg.CheckpointDir(), "/work/.taskmaster/checkpoints"},
		{cfg.SignalDir(), "/work/.taskmaster/signals"},
		{cfg.LogPath(), "/work/.taskmaster/pipeline.log"},
		{cfg.MetricsPath(), "/work/.taskmaster/metrics.prom"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("path = %q, want %q", tc.got, tc.want)
		}
	}
}
