package raft

// SnapshotMember records one cluster member's configuration as known at
// snapshot time.
type SnapshotMember struct {
	ID     uint64 `json:"id"`
	Addr   string `json:"addr"`
	Voting bool   `json:"voting"`
	Active bool   `json:"active"`
}

// SnapshotMeta is the single logical snapshot-metadata record for the cluster.
// LastAppliedTerm/Index track every applied entry in real time; the record is
// serialized into the dataset image on save and reloaded (Loaded=true) when
// the image is loaded.
type SnapshotMeta struct {
	Loaded           bool             `json:"-"`
	DBID             string           `json:"dbid"`
	LastAppliedTerm  uint64           `json:"last_applied_term"`
	LastAppliedIndex uint64           `json:"last_applied_index"`
	Members          []SnapshotMember `json:"members"`
}

func (m *SnapshotMeta) Clone() *SnapshotMeta {
	c := *m
	c.Members = make([]SnapshotMember, len(m.Members))
	copy(c.Members, m.Members)
	return &c
}

func (m *SnapshotMeta) upsertMember(member SnapshotMember) {
	for i := range m.Members {
		if m.Members[i].ID == member.ID {
			m.Members[i] = member
			return
		}
	}
	m.Members = append(m.Members, member)
}

func (m *SnapshotMeta) removeMember(id uint64) {
	for i := range m.Members {
		if m.Members[i].ID == id {
			m.Members = append(m.Members[:i], m.Members[i+1:]...)
			return
		}
	}
}

func (m *SnapshotMeta) memberAddr(id uint64) string {
	for i := range m.Members {
		if m.Members[i].ID == id {
			return m.Members[i].Addr
		}
	}
	return ""
}

// StateMachine is the narrow interface the engine needs from the host dataset.
// Apply and Fork are called only from the processing goroutine; the ImageWriter
// returned by Fork may be driven from a background goroutine.
type StateMachine interface {
	Apply(cmd []byte) ([]byte, error)

	// Fork takes a point-in-time copy of the dataset, cheap enough to call
	// on the processing goroutine.
	Fork() ImageWriter

	// LoadImage replaces the dataset from an on-disk image and returns the
	// snapshot metadata stored inside it, with Loaded set.
	LoadImage(path string) (*SnapshotMeta, error)
}

type ImageWriter interface {
	WriteTo(path string, meta *SnapshotMeta) error
}
