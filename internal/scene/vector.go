package scene

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Vec3 converts a wire triple, rejecting wrong lengths and non-finite values.
func Vec3(vals []float64) (mgl64.Vec3, error) {
	if len(vals) != 3 {
		return mgl64.Vec3{}, fmt.Errorf("want 3 components, got %d", len(vals))
	}
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return mgl64.Vec3{}, fmt.Errorf("component %d is not finite", i)
		}
	}
	return mgl64.Vec3{vals[0], vals[1], vals[2]}, nil
}
