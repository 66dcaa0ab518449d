package pgo

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
	"github.com/meridianrobotics/swarmpgo/state"
	"github.com/meridianrobotics/swarmpgo/utils"
)

func TestWriteG2O(t *testing.T) {
	frames := []*state.Frame{
		{ID: 1, Odom: spatialmath.NewZeroPose(), InitialEgoPose: spatialmath.NewPose(r3.Vector{X: 9}, spatialmath.NewZeroPose().Att)},
		{ID: 2, Odom: spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.NewZeroPose().Att), InitialEgoPose: spatialmath.NewZeroPose()},
	}
	loops := []LoopEdge{
		{KeyframeIDA: 1, KeyframeIDB: 2,
			RelativePose: spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.NewZeroPose().Att),
			SqrtInfo:     utils.Identity(6)},
	}

	var buf bytes.Buffer
	test.That(t, writeG2O(&buf, frames, loops, false), test.ShouldBeNil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, len(lines), test.ShouldEqual, 3)
	test.That(t, strings.HasPrefix(lines[0], "VERTEX_SE3:QUAT 1 0.000000"), test.ShouldBeTrue)
	test.That(t, strings.HasPrefix(lines[1], "VERTEX_SE3:QUAT 2 1.000000"), test.ShouldBeTrue)
	test.That(t, strings.HasPrefix(lines[2], "EDGE_SE3:QUAT 1 2 1.000000"), test.ShouldBeTrue)
	// 21 upper-triangular information entries follow the edge pose.
	test.That(t, len(strings.Fields(lines[2])), test.ShouldEqual, 2+1+7+21)

	// Raw mode writes the ego-motion poses instead.
	buf.Reset()
	test.That(t, writeG2O(&buf, frames, loops, true), test.ShouldBeNil)
	lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, strings.HasPrefix(lines[0], "VERTEX_SE3:QUAT 1 9.000000"), test.ShouldBeTrue)
}

func TestEngineWritesG2O(t *testing.T) {
	cfg := testConfig(6)
	cfg.WriteG2O = true
	cfg.G2OOutputPath = filepath.Join(t.TempDir(), "pgo.g2o")
	e, err := New(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	addStaticFrame(t, e, 1, 0, spatialmath.NewZeroPose())
	addStaticFrame(t, e, 2, 0, spatialmath.NewZeroPose())
	e.AddLoop(translationLoop(1, 2, r3.Vector{X: 1}, 6), false)
	test.That(t, e.Solve(false), test.ShouldBeTrue)

	content, err := os.ReadFile(cfg.G2OOutputPath)
	test.That(t, err, test.ShouldBeNil)
	text := string(content)
	test.That(t, strings.Count(text, "VERTEX_SE3:QUAT"), test.ShouldEqual, 2)
	test.That(t, strings.Count(text, "EDGE_SE3:QUAT"), test.ShouldEqual, 1)
}
