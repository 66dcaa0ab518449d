package spatialmath

import "github.com/golang/geo/r3"

func r3VecFrom(s []float64) r3.Vector {
	return r3.Vector{X: s[0], Y: s[1], Z: s[2]}
}
