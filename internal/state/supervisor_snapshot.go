package state

import (
	"context"
	"encoding/json"
	"strings"
)

const SupervisorSnapshotKey = "supervisor:last_snapshot"

// SupervisorSnapshot carries loop accounting across restarts so cycle sequence numbers
// stay unique in the journal.
type SupervisorSnapshot struct {
	LastSequence int64  `json:"last_sequence"`
	Balanced     int64  `json:"balanced"`
	Imbalanced   int64  `json:"imbalanced"`
	Aborted      int64  `json:"aborted"`
	Residual     string `json:"residual"`
	Halted       bool   `json:"halted"`
	HaltReason   string `json:"halt_reason,omitempty"`
	UpdatedAtMS  int64  `json:"updated_at_ms"`
}

func LoadSupervisorSnapshot(ctx context.Context, store Store) (SupervisorSnapshot, bool, error) {
	if store == nil {
		return SupervisorSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, SupervisorSnapshotKey)
	if err != nil {
		return SupervisorSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return SupervisorSnapshot{}, false, nil
	}
	var snapshot SupervisorSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return SupervisorSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveSupervisorSnapshot(ctx context.Context, store Store, snapshot SupervisorSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, SupervisorSnapshotKey, string(payload))
}
