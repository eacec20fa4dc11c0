package peer

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const opusAnswer = "v=0\r\n" +
	"o=- 1 2 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=fmtp:96 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n"

func TestEnableStereo(t *testing.T) {
	out, err := enableStereo(opusAnswer)
	require.NoError(t, err)
	assert.Contains(t, out, "a=fmtp:111 minptime=10;useinbandfec=1;stereo=1")
	assert.Contains(t, out, "profile-level-id=42e01f")
	assert.Equal(t, 1, strings.Count(out, "stereo=1"))

	again, err := enableStereo(out)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(again, "stereo=1"))
}

func TestEnableStereoWithoutAudio(t *testing.T) {
	videoOnly := opusAnswer[:strings.Index(opusAnswer, "m=audio")]
	out, err := enableStereo(videoOnly)
	require.NoError(t, err)
	assert.Equal(t, videoOnly, out)
}

func TestICEServers(t *testing.T) {
	assert.Empty(t, ICEServers(""))
	assert.NotNil(t, ICEServers(""))

	servers := ICEServers("stun:stun.example.org:3478")
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, servers[0].URLs)
}

func TestAnswerPatchesOpusAndAddsMic(t *testing.T) {
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer offerer.Close()

	_, err = offerer.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
	require.NoError(t, err)
	_, err = offerer.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	require.NoError(t, err)

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-gathered

	conn, err := New(Config{GatherTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer conn.Close()

	mic, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	answer, err := conn.Answer(ctx, *offerer.LocalDescription(), MediaSpec{Audio: true, MicTracks: []webrtc.TrackLocal{mic}})
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "stereo=1")
	assert.Contains(t, answer.SDP, "a=sendrecv")
	assert.Contains(t, answer.SDP, "a=recvonly")

	require.NoError(t, offerer.SetRemoteDescription(answer))
	require.NoError(t, conn.RemoveLocalTracks())
}

func newCaptureTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "capture")
	require.NoError(t, err)
	return track
}

func TestRollbackUnansweredOffer(t *testing.T) {
	conn, err := New(Config{GatherTimeout: time.Second})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Nothing to undo while stable
	require.NoError(t, conn.Rollback())

	require.NoError(t, conn.AddLocalTracks([]webrtc.TrackLocal{newCaptureTrack(t)}))
	offer, err := conn.Offer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	_, err = conn.Offer(ctx)
	require.ErrorContains(t, err, "have-local-offer")

	require.NoError(t, conn.Rollback())
	assert.Equal(t, webrtc.SignalingStateStable, conn.pc.SignalingState())

	_, err = conn.Offer(ctx)
	require.NoError(t, err)
}

func TestRemoveLocalTracksKeepsFailedSenders(t *testing.T) {
	conn, err := New(Config{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.AddLocalTracks([]webrtc.TrackLocal{newCaptureTrack(t)}))

	// RemoveTrack fails on a closed PeerConnection
	require.NoError(t, conn.pc.Close())
	require.Error(t, conn.RemoveLocalTracks())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Len(t, conn.localSenders, 1)
}

func TestStatsStartEmpty(t *testing.T) {
	conn, err := New(Config{})
	require.NoError(t, err)
	defer conn.Close()

	stats := conn.Stats()
	assert.Zero(t, stats.BytesReceived)
	assert.Zero(t, stats.Frames)
	assert.Equal(t, "unknown", stats.ConnectionType)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
}

// writeIVF writes a minimal VP8 IVF file with the given number of frames
func writeIVF(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.ivf")

	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 64)
	binary.LittleEndian.PutUint16(header[14:], 48)
	binary.LittleEndian.PutUint32(header[16:], 30)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(frames))

	data := header
	for i := 0; i < frames; i++ {
		frame := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		data = append(data, fh...)
		data = append(data, frame...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFileCapturerIVF(t *testing.T) {
	c := &FileCapturer{Path: writeIVF(t, 3)}
	capture, err := c.Acquire(context.Background())
	require.NoError(t, err)

	tracks := capture.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[0].Kind())

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, capture.Close())
}

func TestFileCapturerErrors(t *testing.T) {
	_, err := (&FileCapturer{Path: "camera.mp4"}).Acquire(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedFile)

	_, err = (&FileCapturer{Path: filepath.Join(t.TempDir(), "missing.ivf")}).Acquire(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&FileCapturer{Path: writeIVF(t, 1)}).Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
