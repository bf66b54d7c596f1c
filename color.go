// SPDX-License-Identifier: MIT

package tapo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// HSV is a hue/saturation pair as the Tapo lighting RPCs expect them: hue
// in [0,360), saturation in [0,100]. Brightness is not part of it; SetHSV
// takes it as a separate optional argument.
type HSV struct {
	Hue        int
	Saturation int
}

// namedColors resolves at least the set spec.md §4.8 requires to
// (hue, saturation) pairs, in the style of a lookup table rather than a
// generated one since the set is small and fixed.
var namedColors = map[string]HSV{
	"red":        {0, 100},
	"orange":     {30, 100},
	"yellow":     {60, 100},
	"green":      {120, 100},
	"cyan":       {180, 100},
	"blue":       {240, 100},
	"purple":     {270, 100},
	"magenta":    {300, 100},
	"pink":       {330, 50},
	"white":      {0, 0},
	"warm_white": {30, 20},
	"cool_white": {200, 20},
}

// ResolveColor accepts a named color (see namedColors), a "#RRGGBB" hex
// string, or a bare six-digit hex string, and returns its HSV
// representation.
func ResolveColor(s string) (HSV, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if hsv, ok := namedColors[key]; ok {
		return hsv, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 6 {
		if rgb, err := parseHexRGB(hex); err == nil {
			return RGBToHSV(rgb[0], rgb[1], rgb[2]), nil
		}
	}
	return HSV{}, NewError(KindInvalidRequest, "unrecognized color %q", s)
}

func parseHexRGB(hex string) ([3]uint8, error) {
	var out [3]uint8
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseUint(hex[i*2:i*2+2], 16, 8)
		if err != nil {
			return out, err
		}
		out[i] = uint8(v)
	}
	return out, nil
}

// RGBToHSV converts 8-bit RGB to (hue in [0,360), saturation in [0,100]),
// rounded to the nearest integer, via the standard max/min/diff algorithm.
// Value/brightness is intentionally dropped: Tapo bulbs track brightness
// as a separate field from hue/saturation.
func RGBToHSV(r, g, b uint8) HSV {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	max := math.Max(rf, math.Max(gf, bf))
	min := math.Min(rf, math.Min(gf, bf))
	delta := max - min

	var hue float64
	switch {
	case delta == 0:
		hue = 0
	case max == rf:
		hue = 60 * math.Mod((gf-bf)/delta, 6)
	case max == gf:
		hue = 60 * ((bf-rf)/delta + 2)
	default:
		hue = 60 * ((rf-gf)/delta + 4)
	}
	if hue < 0 {
		hue += 360
	}

	var sat float64
	if max > 0 {
		sat = delta / max
	}

	return HSV{
		Hue:        int(math.Round(hue)) % 360,
		Saturation: int(math.Round(sat * 100)),
	}
}

// FormatHex renders an RGB triple as a "#RRGGBB" string, the inverse
// projection ResolveColor accepts.
func FormatHex(r, g, b uint8) string {
	return fmt.Sprintf("#%02X%02X%02X", r, g, b)
}
