// SPDX-License-Identifier: MIT

package tapo

import "strings"

// Capabilities is the flags record spec.md §3/§4.8 computes purely from a
// device's model prefix.
type Capabilities struct {
	Power            bool
	Brightness       bool
	Color            bool
	ColorTemperature bool
	LightEffects     bool
	EnergyMonitoring bool
	ChildOutlets     bool
	MinBrightness    int
	MaxBrightness    int
	MinColorTemp     int
	MaxColorTemp     int
}

// familyRule maps a set of uppercased model prefixes to a Capabilities
// value, per the table in spec.md §4.8.
type familyRule struct {
	prefixes []string
	caps     Capabilities
}

var familyRules = []familyRule{
	{ // Basic plug
		prefixes: []string{"P100", "P105"},
		caps:     Capabilities{Power: true},
	},
	{ // Energy-monitoring plug
		prefixes: []string{"P110", "P110M", "P115"},
		caps:     Capabilities{Power: true, EnergyMonitoring: true},
	},
	{ // Multi-outlet strip (Tapo and Kasa prefixes share the flag set; KLAP
		// support for the Kasa variants is unverified, see DESIGN.md).
		prefixes: []string{"P300", "P304", "KP303", "KP400"},
		caps:     Capabilities{Power: true, ChildOutlets: true},
	},
	{ // Dimmable white bulb
		prefixes: []string{"L510", "L610"},
		caps:     Capabilities{Power: true, Brightness: true, MinBrightness: 1, MaxBrightness: 100},
	},
	{ // Tunable white bulb
		prefixes: []string{"L520"},
		caps: Capabilities{
			Power: true, Brightness: true, ColorTemperature: true,
			MinBrightness: 1, MaxBrightness: 100, MinColorTemp: 2500, MaxColorTemp: 6500,
		},
	},
	{ // Full-color bulb
		prefixes: []string{"L530", "L535", "L630"},
		caps: Capabilities{
			Power: true, Brightness: true, Color: true, ColorTemperature: true, LightEffects: true,
			MinBrightness: 1, MaxBrightness: 100, MinColorTemp: 2500, MaxColorTemp: 6500,
		},
	},
	{ // Light strip; L920/L930 add color temp + effects over L900.
		prefixes: []string{"L900"},
		caps:     Capabilities{Power: true, Brightness: true, Color: true, MinBrightness: 1, MaxBrightness: 100},
	},
	{
		prefixes: []string{"L920", "L930"},
		caps: Capabilities{
			Power: true, Brightness: true, Color: true, ColorTemperature: true, LightEffects: true,
			MinBrightness: 1, MaxBrightness: 100, MinColorTemp: 2500, MaxColorTemp: 6500,
		},
	},
}

// CapabilitiesForModel computes the capability flags for a model string.
// Unknown models return (Capabilities{}, false).
func CapabilitiesForModel(model string) (Capabilities, bool) {
	m := strings.ToUpper(strings.TrimSpace(model))
	for _, rule := range familyRules {
		for _, prefix := range rule.prefixes {
			if strings.HasPrefix(m, prefix) {
				return rule.caps, true
			}
		}
	}
	return Capabilities{}, false
}

// isKasaStripModel reports whether model is one of the Kasa-family strip
// models whose KLAP support spec.md §9 leaves unverified; DeviceFacade
// routes these exclusively through Passthrough (see DESIGN.md).
func isKasaStripModel(model string) bool {
	m := strings.ToUpper(strings.TrimSpace(model))
	return strings.HasPrefix(m, "KP303") || strings.HasPrefix(m, "KP400")
}
