// Package geometry computes where a video frame lands inside a viewport.
package geometry

import "math"

// Size is a width/height pair in pixels
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether either dimension is not positive
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Rect is a letterboxed display rectangle plus the native size it was derived from
type Rect struct {
	X            int `json:"x"`
	Y            int `json:"y"`
	Width        int `json:"width"`
	Height       int `json:"height"`
	NativeWidth  int `json:"real_width"`
	NativeHeight int `json:"real_height"`
}

// Letterbox scales native to fit inside view keeping the aspect ratio and
// centers it. A zero native or view size yields an empty rect that still
// carries the native dimensions.
func Letterbox(native, view Size) Rect {
	rect := Rect{NativeWidth: native.Width, NativeHeight: native.Height}
	if native.Empty() || view.Empty() {
		return rect
	}

	nw, nh := float64(native.Width), float64(native.Height)
	vw, vh := float64(view.Width), float64(view.Height)
	ratio := math.Min(vw/nw, vh/nh)

	rect.X = round((vw - ratio*nw) / 2)
	rect.Y = round((vh - ratio*nh) / 2)
	rect.Width = round(ratio * nw)
	rect.Height = round(ratio * nh)
	return rect
}

// round rounds half up, which is what browsers do for layout math
func round(v float64) int {
	return int(math.Floor(v + 0.5))
}
