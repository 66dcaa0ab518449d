package state

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

func TestAddFrameDuplicateRejected(t *testing.T) {
	s := NewGraphState(6, false, logging.NewTestLogger(t))
	test.That(t, s.AddFrame(Frame{ID: 1, DroneID: 0}), test.ShouldBeNil)
	test.That(t, s.AddFrame(Frame{ID: 1, DroneID: 0}), test.ShouldNotBeNil)
	test.That(t, s.Size(0), test.ShouldEqual, 1)
}

func TestRealtimePropagation(t *testing.T) {
	s := NewGraphState(6, true, logging.NewTestLogger(t))

	ego1 := spatialmath.NewPoseFromYaw(r3.Vector{X: 1}, 0.3)
	test.That(t, s.AddFrame(Frame{ID: 1, DroneID: 0, InitialEgoPose: ego1, Odom: ego1}), test.ShouldBeNil)

	// Pretend the solver moved frame 1.
	solved := spatialmath.NewPoseFromYaw(r3.Vector{X: 5, Y: 2}, 0.3)
	s.SetFramePose(1, solved)

	ego2 := spatialmath.NewPoseFromYaw(r3.Vector{X: 2}, 0.3)
	test.That(t, s.AddFrame(Frame{ID: 2, DroneID: 0, InitialEgoPose: ego2, Odom: ego2}), test.ShouldBeNil)

	want := solved.Compose(spatialmath.Delta(ego1, ego2))
	got := s.FrameByID(2).Odom
	test.That(t, got.AlmostEqual(want, 1e-9), test.ShouldBeTrue)
}

func TestPointerStableBlocks(t *testing.T) {
	s := NewGraphState(6, false, logging.NewTestLogger(t))
	test.That(t, s.AddFrame(Frame{ID: 1, DroneID: 0, Odom: spatialmath.NewZeroPose()}), test.ShouldBeNil)
	block := s.PoseState(1)
	test.That(t, s.AddFrame(Frame{ID: 2, DroneID: 0, Odom: spatialmath.NewZeroPose()}), test.ShouldBeNil)
	test.That(t, &s.PoseState(1)[0], test.ShouldEqual, &block[0])
}

func TestSyncFromState(t *testing.T) {
	s := NewGraphState(4, false, logging.NewTestLogger(t))
	test.That(t, s.AddFrame(Frame{ID: 1, DroneID: 0, Odom: spatialmath.NewZeroPose()}), test.ShouldBeNil)

	block := s.PoseState(1)
	block[0], block[3] = 2.5, 1.2
	s.SyncFromState()

	got := s.FrameByID(1).Odom
	test.That(t, got.Pos.X, test.ShouldAlmostEqual, 2.5)
	test.That(t, got.Yaw(), test.ShouldAlmostEqual, 1.2, 1e-12)
}

func TestTrajectoryRelativePose(t *testing.T) {
	tr := NewTrajectory(0)
	a := spatialmath.NewPoseFromYaw(r3.Vector{X: 1}, 0)
	b := spatialmath.NewPoseFromYaw(r3.Vector{X: 3, Y: 1}, 0.5)
	tr.Push(time.Unix(0, 0), a, 1)
	tr.Push(time.Unix(1, 0), b, 2)

	rel, ok := tr.RelativePose(1, 2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, rel.AlmostEqual(spatialmath.Delta(a, b), 1e-12), test.ShouldBeTrue)

	_, ok = tr.RelativePose(1, 99)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestAvailableDronesAndHead(t *testing.T) {
	s := NewGraphState(6, false, logging.NewTestLogger(t))
	test.That(t, s.AddFrame(Frame{ID: 10, DroneID: 2}), test.ShouldBeNil)
	test.That(t, s.AddFrame(Frame{ID: 11, DroneID: 0}), test.ShouldBeNil)
	test.That(t, s.AddFrame(Frame{ID: 12, DroneID: 2}), test.ShouldBeNil)

	test.That(t, s.AvailableDrones(), test.ShouldResemble, []int{0, 2})
	test.That(t, s.HeadID(2), test.ShouldEqual, 10)
	test.That(t, s.HeadID(5), test.ShouldEqual, -1)
}
