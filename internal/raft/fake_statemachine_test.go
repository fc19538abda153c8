package raft

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// fakeStateMachine records applied commands and round-trips them through a
// JSON image file, so snapshot install paths can be driven end to end.
type fakeStateMachine struct {
	mu      sync.Mutex
	applied [][]byte
}

// fakeImage is the on-disk form produced by fakeImageWriter.
type fakeImage struct {
	Meta    *SnapshotMeta `json:"meta"`
	Applied [][]byte      `json:"applied"`
}

func newFakeStateMachine() *fakeStateMachine {
	return &fakeStateMachine{}
}

func (f *fakeStateMachine) Apply(cmd []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(cmd))
	copy(cp, cmd)
	f.applied = append(f.applied, cp)
	return []byte("OK"), nil
}

func (f *fakeStateMachine) Fork() ImageWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make([][]byte, len(f.applied))
	copy(snapshot, f.applied)
	return &fakeImageWriter{applied: snapshot}
}

func (f *fakeStateMachine) LoadImage(path string) (*SnapshotMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var img fakeImage
	if err := json.Unmarshal(raw, &img); err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	if img.Meta == nil {
		return nil, fmt.Errorf("image %s has no metadata", path)
	}

	f.mu.Lock()
	f.applied = img.Applied
	f.mu.Unlock()

	meta := img.Meta.Clone()
	meta.Loaded = true
	return meta, nil
}

func (f *fakeStateMachine) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *fakeStateMachine) lastApplied() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return nil
	}
	return f.applied[len(f.applied)-1]
}

func (f *fakeStateMachine) hasApplied(cmd []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.applied {
		if string(a) == string(cmd) {
			return true
		}
	}
	return false
}

type fakeImageWriter struct {
	applied [][]byte
}

func (w *fakeImageWriter) WriteTo(path string, meta *SnapshotMeta) error {
	raw, err := json.Marshal(fakeImage{Meta: meta, Applied: w.applied})
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
