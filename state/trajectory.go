package state

import (
	"time"

	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

// TrajectoryElement is one sample of an agent trajectory.
type TrajectoryElement struct {
	Stamp   time.Time
	Pose    spatialmath.Pose
	FrameID int64
}

// Trajectory is a time-ordered sequence of poses for one agent.
type Trajectory struct {
	DroneID  int
	elements []TrajectoryElement
	byFrame  map[int64]int
}

// NewTrajectory returns an empty trajectory for the given agent.
func NewTrajectory(droneID int) *Trajectory {
	return &Trajectory{DroneID: droneID, byFrame: map[int64]int{}}
}

// Push appends a sample.
func (tr *Trajectory) Push(stamp time.Time, pose spatialmath.Pose, frameID int64) {
	tr.byFrame[frameID] = len(tr.elements)
	tr.elements = append(tr.elements, TrajectoryElement{Stamp: stamp, Pose: pose, FrameID: frameID})
}

// Len returns the number of samples.
func (tr *Trajectory) Len() int { return len(tr.elements) }

// At returns the i-th sample.
func (tr *Trajectory) At(i int) TrajectoryElement { return tr.elements[i] }

// Last returns the most recent sample.
func (tr *Trajectory) Last() TrajectoryElement { return tr.elements[len(tr.elements)-1] }

// PoseByFrame returns the pose recorded for frameID.
func (tr *Trajectory) PoseByFrame(frameID int64) (spatialmath.Pose, bool) {
	i, ok := tr.byFrame[frameID]
	if !ok {
		return spatialmath.Pose{}, false
	}
	return tr.elements[i].Pose, true
}

// RelativePose returns the recorded motion from frameA to frameB.
func (tr *Trajectory) RelativePose(frameA, frameB int64) (spatialmath.Pose, bool) {
	a, okA := tr.PoseByFrame(frameA)
	b, okB := tr.PoseByFrame(frameB)
	if !okA || !okB {
		return spatialmath.Pose{}, false
	}
	return spatialmath.Delta(a, b), true
}
