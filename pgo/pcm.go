package pgo

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
	"github.com/meridianrobotics/swarmpgo/state"
	"github.com/meridianrobotics/swarmpgo/utils"
)

// PCMRejection rejects loop outliers by pairwise consistency: two loops are
// consistent when the transform discrepancy around the cycle they form with
// the ego-motion trajectories is within a Mahalanobis threshold of zero, and
// the inlier set is the maximum clique of mutually consistent loops.
type PCMRejection struct {
	state     *state.GraphState
	threshold float64
	is4DoF    bool
	logger    logging.Logger
}

// NewPCMRejection returns a rejector with the given Mahalanobis distance
// threshold.
func NewPCMRejection(st *state.GraphState, threshold float64, is4DoF bool, logger logging.Logger) *PCMRejection {
	return &PCMRejection{state: st, threshold: threshold, is4DoF: is4DoF, logger: logger}
}

type agentPair struct{ low, high int }

func pairOf(e LoopEdge) agentPair {
	if e.AgentA <= e.AgentB {
		return agentPair{e.AgentA, e.AgentB}
	}
	return agentPair{e.AgentB, e.AgentA}
}

// oriented returns the edge with its a-side on pair.low.
func oriented(e LoopEdge, pair agentPair) LoopEdge {
	if e.AgentA == pair.low {
		return e
	}
	e.AgentA, e.AgentB = e.AgentB, e.AgentA
	e.KeyframeIDA, e.KeyframeIDB = e.KeyframeIDB, e.KeyframeIDA
	e.RelativePose = e.RelativePose.Invert()
	return e
}

// OutlierRejection returns the inlier subset of loops, preserving input
// order. It is a fixed point: running it on its own output changes nothing.
func (p *PCMRejection) OutlierRejection(loops []LoopEdge) []LoopEdge {
	groups := map[agentPair][]int{}
	for i, loop := range loops {
		groups[pairOf(loop)] = append(groups[pairOf(loop)], i)
	}

	keep := map[int]bool{}
	for pair, idxs := range groups {
		if len(idxs) == 1 {
			keep[idxs[0]] = true
			continue
		}
		adj := make([][]bool, len(idxs))
		for i := range adj {
			adj[i] = make([]bool, len(idxs))
		}
		for i := 0; i < len(idxs); i++ {
			for j := i + 1; j < len(idxs); j++ {
				ok := p.consistent(oriented(loops[idxs[i]], pair), oriented(loops[idxs[j]], pair))
				adj[i][j], adj[j][i] = ok, ok
			}
		}
		clique := maximumClique(adj)
		if len(clique) < len(idxs) {
			p.logger.Infof("pcm: agents (%d,%d): keeping %d of %d loops", pair.low, pair.high, len(clique), len(idxs))
		}
		for _, i := range clique {
			keep[idxs[i]] = true
		}
	}

	out := make([]LoopEdge, 0, len(keep))
	for i, loop := range loops {
		if keep[i] {
			out = append(out, loop)
		}
	}
	return out
}

// consistent tests the cycle a1→b1→b2→a2→a1 formed by two oriented loops
// and the ego-motion on both sides.
func (p *PCMRejection) consistent(l1, l2 LoopEdge) bool {
	egoA := p.state.EgoTrajectory(l1.AgentA)
	egoB := p.state.EgoTrajectory(l1.AgentB)
	if egoA == nil || egoB == nil {
		return false
	}
	tA, okA := egoA.RelativePose(l1.KeyframeIDA, l2.KeyframeIDA)
	tB, okB := egoB.RelativePose(l1.KeyframeIDB, l2.KeyframeIDB)
	if !okA || !okB {
		return false
	}
	// L1·T_b1b2 should equal T_a1a2·L2.
	err := l1.RelativePose.Invert().Compose(tA).Compose(l2.RelativePose).Compose(tB.Invert())

	var e []float64
	if p.is4DoF {
		e = []float64{err.Pos.X, err.Pos.Y, err.Pos.Z, spatialmath.WrapAngle(err.Yaw())}
	} else {
		w := spatialmath.LogSO3(err.Att)
		e = []float64{err.Pos.X, err.Pos.Y, err.Pos.Z, w.X, w.Y, w.Z}
	}
	n := len(e)

	var cov mat.Dense
	cov.Add(l1.Covariance(), l2.Covariance())
	infoCombined := utils.PseudoInverse(&cov)

	ev := mat.NewVecDense(n, e)
	tmp := mat.NewVecDense(n, nil)
	tmp.MulVec(infoCombined, ev)
	d2 := mat.Dot(ev, tmp)
	return d2 < p.threshold*p.threshold
}

// maximumClique returns the vertices of a maximum clique of the adjacency
// matrix, found by Bron-Kerbosch with pivoting.
func maximumClique(adj [][]bool) []int {
	n := len(adj)
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	var best []int
	var expand func(r, p, x []int)
	expand = func(r, p, x []int) {
		if len(p) == 0 && len(x) == 0 {
			if len(r) > len(best) {
				best = append([]int{}, r...)
			}
			return
		}
		if len(r)+len(p) <= len(best) {
			return
		}
		// Pivot on the vertex with most candidates covered.
		pivot, bestCover := -1, -1
		for _, u := range append(append([]int{}, p...), x...) {
			cover := 0
			for _, v := range p {
				if adj[u][v] {
					cover++
				}
			}
			if cover > bestCover {
				pivot, bestCover = u, cover
			}
		}
		candidates := make([]int, 0, len(p))
		for _, v := range p {
			if pivot < 0 || !adj[pivot][v] {
				candidates = append(candidates, v)
			}
		}
		for _, v := range candidates {
			var np, nx []int
			for _, w := range p {
				if adj[v][w] {
					np = append(np, w)
				}
			}
			for _, w := range x {
				if adj[v][w] {
					nx = append(nx, w)
				}
			}
			rv := append(append([]int{}, r...), v)
			expand(rv, np, nx)
			for i, w := range p {
				if w == v {
					p = append(p[:i], p[i+1:]...)
					break
				}
			}
			x = append(x, v)
		}
	}
	expand(nil, all, nil)
	sort.Ints(best)
	return best
}
