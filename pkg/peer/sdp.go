package peer

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// enableStereo marks Opus as stereo in the first fmtp that enables in-band
// FEC. Receivers otherwise default to playing Opus as mono.
func enableStereo(raw string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("failed to parse sdp: %w", err)
	}

	patched := false
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for i, attr := range md.Attributes {
			if attr.Key != "fmtp" || strings.Contains(attr.Value, "stereo=") {
				continue
			}
			if strings.Contains(attr.Value, "useinbandfec=1") {
				md.Attributes[i].Value = strings.Replace(attr.Value, "useinbandfec=1", "useinbandfec=1;stereo=1", 1)
				patched = true
				break
			}
		}
		if patched {
			break
		}
	}
	if !patched {
		return raw, nil
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal sdp: %w", err)
	}
	return string(out), nil
}

// ICEServers returns the server list for an ICE hint. An empty hint means
// no servers at all, leaving host candidates only.
func ICEServers(hintURL string) []webrtc.ICEServer {
	if hintURL == "" {
		return []webrtc.ICEServer{}
	}
	return []webrtc.ICEServer{{URLs: []string{hintURL}}}
}
