package state

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flowstate-io/flowstate/internal/fault"
	"github.com/flowstate-io/flowstate/internal/testutil"
)

func TestMigrateFromV1(t *testing.T) {
	s := testStore(t)
	mustInit(t, s)

	// The original flat script schema: snake_case keys, signals as a
	// bare list of names.
	v1 := []byte(`{
		"version": 1,
		"phase": "phase4",
		"completed_tasks": ["setup", "deps"],
		"signals": ["install-done", "build-done"],
		"last_action": "build"
	}`)
	testutil.WriteFile(t, s.Path(), v1)

	doc, err := s.Read()
	if err != nil {
		t.Fatalf("Read v1 document: %v", err)
	}

	if doc.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", doc.SchemaVersion, CurrentSchemaVersion)
	}
	if doc.Phase != "phase4" {
		t.Errorf("Phase = %q, want phase4", doc.Phase)
	}
	if !doc.TaskCompleted("setup") || !doc.TaskCompleted("deps") {
		t.Errorf("CompletedTasks = %v, want setup and deps", doc.CompletedTasks)
	}
	for _, name := range []string{"install-done", "build-done"} {
		if _, ok := doc.Signals[name]; !ok {
			t.Errorf("signal %q lost in migration", name)
		}
	}
	if doc.LastActivation != "build" {
		t.Errorf("LastActivation = %q, want build", doc.LastActivation)
	}
	if doc.Degraded == nil {
		t.Error("degraded map not seeded")
	}

	t.Run("migrate pins the upgrade to disk", func(t *testing.T) {
		if _, err := s.Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		data, err := s.ReadRaw()
		if err != nil {
			t.Fatal(err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatal(err)
		}
		if v, _ := raw["schemaVersion"].(float64); int(v) != CurrentSchemaVersion {
			t.Errorf("on-disk schemaVersion = %v, want %d", raw["schemaVersion"], CurrentSchemaVersion)
		}
		if _, ok := raw["completed_tasks"]; ok {
			t.Error("snake_case key survived the persisted migration")
		}
	})
}

func TestMigrateFromV2(t *testing.T) {
	s := testStore(t)
	mustInit(t, s)

	v2 := []byte(`{
		"schemaVersion": 2,
		"phase": "phase6",
		"completedTasks": [],
		"signals": {"deploy": "2026-01-01T00:00:00Z"},
		"last_action": "deploy",
		"metadata": {"installedAt": "2026-01-01T00:00:00Z", "updatedAt": "2026-01-01T00:00:00Z"}
	}`)
	testutil.WriteFile(t, s.Path(), v2)

	doc, err := s.Read()
	if err != nil {
		t.Fatalf("Read v2 document: %v", err)
	}
	if doc.LastActivation != "deploy" {
		t.Errorf("LastActivation = %q, want deploy", doc.LastActivation)
	}
	if doc.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", doc.SchemaVersion, CurrentSchemaVersion)
	}
}

func TestMigrateRejections(t *testing.T) {
	t.Run("missing version is corrupt", func(t *testing.T) {
		_, err := migrate(map[string]any{"phase": "x"})
		if !fault.IsKind(err, fault.StateCorrupt) {
			t.Errorf("err = %v, want state_corrupt", err)
		}
	})

	t.Run("future version is a migration failure", func(t *testing.T) {
		_, err := migrate(map[string]any{"schemaVersion": float64(99)})
		if !fault.IsKind(err, fault.MigrationFailed) {
			t.Errorf("err = %v, want migration_failed", err)
		}
	})

	t.Run("current version is untouched", func(t *testing.T) {
		raw := map[string]any{"schemaVersion": float64(CurrentSchemaVersion), "phase": "p"}
		out, err := migrate(raw)
		if err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if out["phase"] != "p" {
			t.Errorf("phase = %v, want p", out["phase"])
		}
	})
}
