// Package state owns the mutable registry of frames, landmarks, extrinsics
// and time-offset parameters the optimizer works on, including the raw
// parameter storage handed to the solver. Blocks are allocated once per id
// and never relocated, so their addresses stay valid for the lifetime of any
// residual referencing them.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/meridianrobotics/swarmpgo/factor"
	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

// Frame is one keyframe of an agent trajectory.
type Frame struct {
	ID               int64
	DroneID          int
	ReferenceFrameID int
	Stamp            time.Time
	// InitialEgoPose is the odometry snapshot at capture time, expressed in
	// the frame named by ReferenceFrameID.
	InitialEgoPose spatialmath.Pose
	// Odom is the current estimate, mutated by the solver.
	Odom spatialmath.Pose
}

// GraphState is the thread-safe registry of graph variables.
type GraphState struct {
	mu       sync.RWMutex
	poseDOF  int
	realtime bool
	logger   logging.Logger

	frames      map[int64]*Frame
	droneFrames map[int][]*Frame

	poses        map[int64][]float64
	speedBias    map[int64][]float64
	extrinsics   map[int64][]float64
	landmarks    map[int64][]float64
	landmarkBase map[int64]int64
	tds          map[int64][]float64

	egoTrajs map[int]*Trajectory
}

// NewGraphState returns an empty graph state for the given pose DoF (4 or 6).
// With realtime set, newly added frames are initialized by propagating the
// last estimate with the ego-motion delta.
func NewGraphState(poseDOF int, realtime bool, logger logging.Logger) *GraphState {
	if poseDOF != 4 && poseDOF != 6 {
		panic(errors.Errorf("unsupported pose DoF %d", poseDOF))
	}
	return &GraphState{
		poseDOF:      poseDOF,
		realtime:     realtime,
		logger:       logger,
		frames:       map[int64]*Frame{},
		droneFrames:  map[int][]*Frame{},
		poses:        map[int64][]float64{},
		speedBias:    map[int64][]float64{},
		extrinsics:   map[int64][]float64{},
		landmarks:    map[int64][]float64{},
		landmarkBase: map[int64]int64{},
		tds:          map[int64][]float64{},
		egoTrajs:     map[int]*Trajectory{},
	}
}

// PoseDOF returns 4 or 6.
func (s *GraphState) PoseDOF() int { return s.poseDOF }

// AddFrame registers a frame and allocates its pose block. Duplicate ids are
// rejected. In realtime mode, if the agent already has frames, the new
// frame's estimate is the last estimate composed with the ego-motion delta
// since the last frame.
func (s *GraphState) AddFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[f.ID]; ok {
		return errors.Errorf("frame %d already exists", f.ID)
	}
	if prev := s.droneFrames[f.DroneID]; s.realtime && len(prev) > 0 {
		last := prev[len(prev)-1]
		f.Odom = last.Odom.Compose(spatialmath.Delta(last.InitialEgoPose, f.InitialEgoPose))
	}
	frame := f
	s.frames[f.ID] = &frame
	s.droneFrames[f.DroneID] = append(s.droneFrames[f.DroneID], &frame)

	block := make([]float64, s.poseBlockSize())
	s.writePose(block, frame.Odom)
	s.poses[f.ID] = block

	traj, ok := s.egoTrajs[f.DroneID]
	if !ok {
		traj = NewTrajectory(f.DroneID)
		s.egoTrajs[f.DroneID] = traj
	}
	traj.Push(f.Stamp, f.InitialEgoPose, f.ID)
	return nil
}

func (s *GraphState) poseBlockSize() int {
	if s.poseDOF == 4 {
		return factor.Pose4Size
	}
	return factor.PoseSize
}

func (s *GraphState) writePose(block []float64, pose spatialmath.Pose) {
	if s.poseDOF == 4 {
		pose.ToArray4(block)
	} else {
		pose.ToArray7(block)
	}
}

func (s *GraphState) readPose(block []float64) spatialmath.Pose {
	if s.poseDOF == 4 {
		return spatialmath.FromArray4(block)
	}
	return spatialmath.FromArray7(block)
}

// AddLandmark registers a landmark parameter (inverse depth or xyz) observed
// first from baseFrameID.
func (s *GraphState) AddLandmark(id, baseFrameID int64, value []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.landmarks[id]; ok {
		return errors.Errorf("landmark %d already exists", id)
	}
	block := make([]float64, len(value))
	copy(block, value)
	s.landmarks[id] = block
	s.landmarkBase[id] = baseFrameID
	return nil
}

// AddCamera registers a camera extrinsic.
func (s *GraphState) AddCamera(cameraID int64, ext spatialmath.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	block := make([]float64, factor.ExtrinsicSize)
	ext.ToArray7(block)
	s.extrinsics[cameraID] = block
	s.tds[cameraID] = make([]float64, factor.TdSize)
}

// PoseState returns the raw pose block for a frame, or nil if unknown.
func (s *GraphState) PoseState(frameID int64) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.poses[frameID]
}

// SpeedBiasState returns the raw speed-bias block for a frame, allocating it
// on first use; nil if the frame is unknown.
func (s *GraphState) SpeedBiasState(frameID int64) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[frameID]; !ok {
		return nil
	}
	block, ok := s.speedBias[frameID]
	if !ok {
		block = make([]float64, factor.SpeedBiasSize)
		s.speedBias[frameID] = block
	}
	return block
}

// ExtrinsicState returns the raw extrinsic block for a camera, or nil.
func (s *GraphState) ExtrinsicState(cameraID int64) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extrinsics[cameraID]
}

// LandmarkState returns the raw landmark block, or nil.
func (s *GraphState) LandmarkState(landmarkID int64) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.landmarks[landmarkID]
}

// TdState returns the raw time-offset block for a camera, or nil.
func (s *GraphState) TdState(cameraID int64) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tds[cameraID]
}

// LandmarkBaseFrame returns the frame a landmark is parameterized in.
func (s *GraphState) LandmarkBaseFrame(landmarkID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.landmarkBase[landmarkID]
}

// HasFrame reports whether the frame is registered.
func (s *GraphState) HasFrame(frameID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.frames[frameID]
	return ok
}

// FrameByID returns the frame with the given id, or nil.
func (s *GraphState) FrameByID(frameID int64) *Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames[frameID]
}

// Frames returns the agent's frames in insertion order.
func (s *GraphState) Frames(droneID int) []*Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Frame, len(s.droneFrames[droneID]))
	copy(out, s.droneFrames[droneID])
	return out
}

// HeadID returns the id of the agent's first frame, or -1 if it has none.
func (s *GraphState) HeadID(droneID int) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frames := s.droneFrames[droneID]
	if len(frames) == 0 {
		return -1
	}
	return frames[0].ID
}

// Size returns the number of frames the agent has.
func (s *GraphState) Size(droneID int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.droneFrames[droneID])
}

// AvailableDrones returns the ids of all agents with frames, ascending.
func (s *GraphState) AvailableDrones() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.droneFrames))
	for id := range s.droneFrames {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// EgoTrajectory returns the agent's ego-motion trajectory, or nil.
func (s *GraphState) EgoTrajectory(droneID int) *Trajectory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.egoTrajs[droneID]
}

// SyncFromState re-packs the raw parameter blocks mutated by the solver into
// the typed frame poses.
func (s *GraphState) SyncFromState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, frame := range s.frames {
		frame.Odom = s.readPose(s.poses[id])
	}
}

// SetFramePose overwrites a frame's estimate and its raw block. Used by the
// rotation initializer to write initializations back.
func (s *GraphState) SetFramePose(frameID int64, pose spatialmath.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame, ok := s.frames[frameID]
	if !ok {
		return
	}
	frame.Odom = pose
	s.writePose(s.poses[frameID], pose)
}
