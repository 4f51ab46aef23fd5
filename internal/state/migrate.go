package state

import (
	"time"

	"github.com/flowstate-io/flowstate/internal/fault"
)

// A migration is a pure rewrite from schema version From to From+1.
// The chain is applied in order on read; the upgraded form is persisted by
// the next successful write (or an explicit migrate operation).
type migration struct {
	From  int
	Notes string
	Apply func(map[string]any) (map[string]any, error)
}

var migrations = []migration{
	{
		From:  1,
		Notes: "signal name list becomes a name-to-timestamp map; metadata block introduced",
		Apply: migrateV1,
	},
	{
		From:  2,
		Notes: "last_action renamed to lastActivation; degraded feature map introduced",
		Apply: migrateV2,
	},
}

// migrate upgrades raw document JSON to the current schema version,
// applying each step exactly once in order.
func migrate(raw map[string]any) (map[string]any, error) {
	version, ok := docVersion(raw)
	if !ok {
		return nil, fault.Newf("state.migrate", fault.StateCorrupt, "document has no schema version")
	}
	if version > CurrentSchemaVersion {
		return nil, fault.Newf("state.migrate", fault.MigrationFailed,
			"document version %d is newer than supported version %d", version, CurrentSchemaVersion)
	}
	for version < CurrentSchemaVersion {
		step, ok := migrationFrom(version)
		if !ok {
			return nil, fault.Newf("state.migrate", fault.MigrationFailed,
				"no migration from version %d", version)
		}
		next, err := step.Apply(raw)
		if err != nil {
			return nil, fault.Newf("state.migrate", fault.MigrationFailed,
				"migrating from version %d: %v", version, err)
		}
		version++
		next["schemaVersion"] = version
		raw = next
	}
	return raw, nil
}

func migrationFrom(version int) (migration, bool) {
	for _, m := range migrations {
		if m.From == version {
			return m, true
		}
	}
	return migration{}, false
}

func docVersion(raw map[string]any) (int, bool) {
	for _, key := range []string{"schemaVersion", "version"} {
		if v, ok := raw[key]; ok {
			if f, ok := v.(float64); ok {
				return int(f), true
			}
		}
	}
	return 0, false
}

// epoch stands in for timestamps the old schema never recorded. Pure
// migrations take no clock.
var epoch = time.Unix(0, 0).UTC().Format(time.RFC3339)

// migrateV1 upgrades the original flat script schema: snake_case keys,
// signals stored as a bare list of names.
func migrateV1(raw map[string]any) (map[string]any, error) {
	out := map[string]any{}

	out["phase"] = stringOr(raw, "phase", PhasePreInit)

	tasks := []any{}
	if v, ok := raw["completed_tasks"].([]any); ok {
		tasks = v
	} else if v, ok := raw["completedTasks"].([]any); ok {
		tasks = v
	}
	out["completedTasks"] = tasks

	signals := map[string]any{}
	switch v := raw["signals"].(type) {
	case []any:
		for _, name := range v {
			if s, ok := name.(string); ok {
				signals[s] = epoch
			}
		}
	case map[string]any:
		signals = v
	}
	out["signals"] = signals

	if v, ok := raw["last_action"]; ok {
		out["last_action"] = v
	}

	out["metadata"] = map[string]any{
		"installedAt": epoch,
		"updatedAt":   epoch,
	}
	return out, nil
}

// migrateV2 renames last_action and seeds the degraded feature map.
func migrateV2(raw map[string]any) (map[string]any, error) {
	if v, ok := raw["last_action"]; ok {
		if _, exists := raw["lastActivation"]; !exists {
			raw["lastActivation"] = v
		}
		delete(raw, "last_action")
	}
	if _, ok := raw["degraded"]; !ok {
		raw["degraded"] = map[string]any{}
	}
	return raw, nil
}

func stringOr(raw map[string]any, key, fallback string) string {
	if v, ok := raw[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
