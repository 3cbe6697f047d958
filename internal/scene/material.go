package scene

import (
	"fmt"

	"github.com/lucasb-eyer/go-colorful"
)

// Material is the surface state the twin engine can drive. Color values are
// stored in sRGB; blending happens in linear RGB.
type Material struct {
	Name              string
	Color             colorful.Color
	Emissive          colorful.Color
	EmissiveIntensity float64
}

// NewMaterial returns a material with the given base color.
func NewMaterial(name string, color colorful.Color) *Material {
	return &Material{
		Name:              name,
		Color:             color,
		EmissiveIntensity: 1,
	}
}

// Clone returns an independent copy of m.
func (m *Material) Clone() *Material {
	c := *m
	return &c
}

// ParseHex parses a "#RRGGBB" color. Shorthand and named colors are rejected.
func ParseHex(s string) (colorful.Color, error) {
	if len(s) != 7 || s[0] != '#' {
		return colorful.Color{}, fmt.Errorf("color %q: want #RRGGBB", s)
	}
	for _, r := range s[1:] {
		if !isHexDigit(r) {
			return colorful.Color{}, fmt.Errorf("color %q: invalid hex digit %q", s, r)
		}
	}
	return colorful.Hex(s)
}

// MustHex is ParseHex for literals known to be valid.
func MustHex(s string) colorful.Color {
	c, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return c
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
