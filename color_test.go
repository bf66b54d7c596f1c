// SPDX-License-Identifier: MIT

package tapo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveColorNamed(t *testing.T) {
	hsv, err := ResolveColor("Red")
	require.NoError(t, err)
	assert.Equal(t, HSV{Hue: 0, Saturation: 100}, hsv)
}

func TestResolveColorHex(t *testing.T) {
	hsv, err := ResolveColor("#FF0000")
	require.NoError(t, err)
	assert.Equal(t, 0, hsv.Hue)
	assert.Equal(t, 100, hsv.Saturation)
}

func TestResolveColorUnrecognized(t *testing.T) {
	_, err := ResolveColor("not-a-color")
	require.Error(t, err)
	var tapoErr *Error
	require.ErrorAs(t, err, &tapoErr)
	assert.Equal(t, KindInvalidRequest, tapoErr.Kind)
}

func TestRGBToHSVPrimaries(t *testing.T) {
	assert.Equal(t, HSV{Hue: 0, Saturation: 100}, RGBToHSV(255, 0, 0))
	assert.Equal(t, HSV{Hue: 120, Saturation: 100}, RGBToHSV(0, 255, 0))
	assert.Equal(t, HSV{Hue: 240, Saturation: 100}, RGBToHSV(0, 0, 255))
}

func TestRGBToHSVGrayHasZeroSaturation(t *testing.T) {
	hsv := RGBToHSV(128, 128, 128)
	assert.Equal(t, 0, hsv.Saturation)
}

func TestFormatHexRoundTrip(t *testing.T) {
	s := FormatHex(255, 0, 128)
	assert.Equal(t, "#FF0080", s)
	hsv, err := ResolveColor(s)
	require.NoError(t, err)
	assert.Equal(t, RGBToHSV(255, 0, 128), hsv)
}
