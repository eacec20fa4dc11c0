package stream

import (
	"fmt"

	"github.com/tomaslejdung/kvmview/pkg/geometry"
)

// Info is the last status a backend reported
type Info struct {
	Active bool
	Online bool
	Text   string
	Title  string
}

// FormatTitle builds the status line shown above the stream
func FormatTitle(name string, active, online bool, res geometry.Size, text string) string {
	title := name + " - "
	if active {
		if !online {
			title += "No video from host / "
		}
		title += fmt.Sprintf("%dx%d", res.Width, res.Height)
		if text != "" {
			title += " / " + text
		}
		return title
	}
	if text != "" {
		return title + text
	}
	return title + "No stream from PiKVM"
}
