// SPDX-License-Identifier: MIT

package tapo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitiesForModelPlug(t *testing.T) {
	caps, ok := CapabilitiesForModel("P100")
	assert.True(t, ok)
	assert.True(t, caps.Power)
	assert.False(t, caps.EnergyMonitoring)
}

func TestCapabilitiesForModelEnergyPlug(t *testing.T) {
	caps, ok := CapabilitiesForModel("P110(US)")
	assert.True(t, ok)
	assert.True(t, caps.EnergyMonitoring)
}

func TestCapabilitiesForModelFullColorBulb(t *testing.T) {
	caps, ok := CapabilitiesForModel("l530e")
	assert.True(t, ok)
	assert.True(t, caps.Color)
	assert.True(t, caps.ColorTemperature)
	assert.True(t, caps.LightEffects)
	assert.Equal(t, 2500, caps.MinColorTemp)
	assert.Equal(t, 6500, caps.MaxColorTemp)
}

func TestCapabilitiesForModelUnknown(t *testing.T) {
	_, ok := CapabilitiesForModel("totally-unknown-model")
	assert.False(t, ok)
}

func TestIsKasaStripModel(t *testing.T) {
	assert.True(t, isKasaStripModel("KP303(UK)"))
	assert.True(t, isKasaStripModel("kp400"))
	assert.False(t, isKasaStripModel("P300"))
	assert.False(t, isKasaStripModel("L530"))
}
