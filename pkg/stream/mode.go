package stream

// ResolveMode walks realtime, elementary, fallback and returns the first
// tier at or below preferred that the device and the local client can run.
// An empty preferred mode means realtime.
func ResolveMode(preferred Mode, f Features, s Support) Mode {
	mode := preferred
	if mode == "" {
		mode = ModeRealtime
	}
	if mode == ModeRealtime && !(f.H264 && s.Realtime) {
		mode = ModeElementary
	}
	if mode == ModeElementary && !(f.H264 && s.Decoder) {
		mode = ModeFallback
	}
	return mode
}
