package main

import "fmt"

// OrientationPreset is a selectable video rotation
type OrientationPreset struct {
	Value       int
	Name        string
	Description string
}

// Orientation presets in clockwise order
var OrientationPresets = []OrientationPreset{
	{Value: 0, Name: "0°", Description: "default"},
	{Value: 90, Name: "90°", Description: "portrait"},
	{Value: 180, Name: "180°", Description: "upside down"},
	{Value: 270, Name: "270°", Description: "portrait"},
}

// OrientationByValue finds an orientation preset by value
func OrientationByValue(value int) *OrientationPreset {
	for i := range OrientationPresets {
		if OrientationPresets[i].Value == value {
			return &OrientationPresets[i]
		}
	}
	return nil
}

// OrientationIndexForValue returns the index of the preset matching value,
// or 0 if not found
func OrientationIndexForValue(value int) int {
	for i, preset := range OrientationPresets {
		if preset.Value == value {
			return i
		}
	}
	return 0
}

func (p OrientationPreset) String() string {
	return fmt.Sprintf("%s (%s)", p.Name, p.Description)
}
