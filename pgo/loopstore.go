package pgo

import (
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/meridianrobotics/swarmpgo/spatialmath"
	"github.com/meridianrobotics/swarmpgo/utils"
)

// LoopEdge is a relative-pose measurement between two keyframes, immutable
// after creation. ID is assigned on insertion into a LoopStore.
type LoopEdge struct {
	ID                       int64
	KeyframeIDA, KeyframeIDB int64
	AgentA, AgentB           int
	RelativePose             spatialmath.Pose
	// SqrtInfo is the 4×4 or 6×6 square-root information of the measurement.
	SqrtInfo *mat.Dense
}

// Interagent reports whether the edge spans two agents.
func (e LoopEdge) Interagent() bool { return e.AgentA != e.AgentB }

// Covariance returns (SqrtInfoᵀ·SqrtInfo)⁺, the measurement covariance.
func (e LoopEdge) Covariance() *mat.Dense {
	n, _ := e.SqrtInfo.Dims()
	info := mat.NewDense(n, n, nil)
	info.Mul(e.SqrtInfo.T(), e.SqrtInfo)
	return utils.PseudoInverse(info)
}

// LoopStore is the append-only store of loop-closure edges. Edges receive
// monotonically increasing ids in insertion order.
type LoopStore struct {
	mu    sync.Mutex
	loops []LoopEdge
}

// NewLoopStore returns an empty store.
func NewLoopStore() *LoopStore {
	return &LoopStore{}
}

// Add appends an edge and returns its assigned id.
func (s *LoopStore) Add(edge LoopEdge) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	edge.ID = int64(len(s.loops))
	s.loops = append(s.loops, edge)
	return edge.ID
}

// All returns a copy of the stored edges in insertion order.
func (s *LoopStore) All() []LoopEdge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LoopEdge, len(s.loops))
	copy(out, s.loops)
	return out
}

// Len returns the number of stored edges.
func (s *LoopStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}
