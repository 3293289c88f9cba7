// Package backupstate reads and writes the counter-state side file that
// travels alongside a backup (spec §6.4): one record per sequence kind,
// at minimum {kind, persisted_value}, restored by installing
// next := persisted + safety_margin on the restored database exactly as
// on a normal cold start.
package backupstate

import (
	"encoding/json"
	"os"

	"github.com/boutros/triplestore/internal/seq"
)

// FileName is the conventional side-file name under a backup root.
const FileName = ".counter_state"

type record struct {
	Kind      seq.Kind `json:"kind"`
	Persisted uint64   `json:"persisted_value"`
}

// Write serialises states to path.
func Write(path string, states []seq.State) error {
	recs := make([]record, len(states))
	for i, s := range states {
		recs[i] = record{Kind: s.Kind, Persisted: s.Persisted}
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Read loads states from path. A missing file is tolerated (legacy
// backup): it returns a nil slice and no error, so the allocator
// initialises as if from empty state.
func Read(path string) ([]seq.State, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recs []record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, err
	}
	states := make([]seq.State, len(recs))
	for i, r := range recs {
		states[i] = seq.State{Kind: r.Kind, Persisted: r.Persisted}
	}
	return states, nil
}
