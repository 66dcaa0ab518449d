package pgo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/meridianrobotics/swarmpgo/state"
)

// writeG2O writes the used frames and loops in g2o format: VERTEX_SE3:QUAT
// and EDGE_SE3:QUAT records. With useRaw set, vertices carry the raw
// ego-motion poses instead of the optimized estimates.
func writeG2O(w io.Writer, frames []*state.Frame, loops []LoopEdge, useRaw bool) error {
	bw := bufio.NewWriter(w)
	for _, frame := range frames {
		pose := frame.Odom
		if useRaw {
			pose = frame.InitialEgoPose
		}
		q := pose.Att
		if _, err := fmt.Fprintf(bw, "VERTEX_SE3:QUAT %d %.6f %.6f %.6f %.6f %.6f %.6f %.6f\n",
			frame.ID, pose.Pos.X, pose.Pos.Y, pose.Pos.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return err
		}
	}
	for _, loop := range loops {
		rel := loop.RelativePose
		q := rel.Att
		if _, err := fmt.Fprintf(bw, "EDGE_SE3:QUAT %d %d %.6f %.6f %.6f %.6f %.6f %.6f %.6f",
			loop.KeyframeIDA, loop.KeyframeIDB,
			rel.Pos.X, rel.Pos.Y, rel.Pos.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return err
		}
		if err := writeUpperTriangularInfo(bw, loop); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// writeUpperTriangularInfo appends the 21 upper-triangular entries of the
// 6×6 information matrix. A 4×4 square-root information is embedded into the
// (x, y, z, yaw) rows with the unconstrained axes left at zero.
func writeUpperTriangularInfo(w io.Writer, loop LoopEdge) error {
	var info [6][6]float64
	n, _ := loop.SqrtInfo.Dims()
	// information = sqrtInfoᵀ·sqrtInfo
	idx := func(i int) int {
		if n == 4 && i == 3 {
			return 5 // yaw occupies the rotation-z slot
		}
		return i
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := 0.0
			for k := 0; k < n; k++ {
				v += loop.SqrtInfo.At(k, i) * loop.SqrtInfo.At(k, j)
			}
			info[idx(i)][idx(j)] = v
		}
	}
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			if _, err := fmt.Fprintf(w, " %.6f", info[i][j]); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

// saveG2O writes the frames and loops used by the last solve to the
// configured path.
func (e *Engine) saveG2O() error {
	frames := make([]*state.Frame, 0, len(e.usedFrames))
	for frameID := range e.usedFrames {
		if frame := e.state.FrameByID(frameID); frame != nil {
			frames = append(frames, frame)
		}
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].ID < frames[j].ID })

	f, err := os.Create(e.config.G2OOutputPath)
	if err != nil {
		return errors.Wrapf(err, "creating g2o output %q", e.config.G2OOutputPath)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	e.logger.Debugf("[pgo@%d] writing %d frames and %d loops to %s",
		e.config.SelfID, len(frames), len(e.usedLoops), e.config.G2OOutputPath)
	err = writeG2O(f, frames, e.usedLoops, e.config.G2OUseRawData)
	return err
}
