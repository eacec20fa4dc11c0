package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

// Capture is an acquired local media source
type Capture interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Capturer acquires local media sources
type Capturer interface {
	Acquire(ctx context.Context) (Capture, error)
}

// ErrUnsupportedFile is returned for capture files that are neither IVF nor Ogg
var ErrUnsupportedFile = errors.New("unsupported capture file")

// FileCapturer plays a media file in a loop as a local capture device.
// IVF files (VP8, VP9, AV1) produce a video track, Ogg Opus files an audio
// track.
type FileCapturer struct {
	Path          string
	LoggerFactory logging.LoggerFactory
}

// Acquire opens the file and starts pacing samples into a new track
func (c *FileCapturer) Acquire(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	factory := c.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	var (
		src   sampleSource
		track *webrtc.TrackLocalStaticSample
		err   error
	)
	switch strings.ToLower(filepath.Ext(c.Path)) {
	case ".ivf":
		src, track, err = openIVF(c.Path)
	case ".ogg", ".opus":
		src, track, err = openOgg(c.Path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, c.Path)
	}
	if err != nil {
		return nil, err
	}

	fc := &fileCapture{
		track: track,
		src:   src,
		log:   factory.NewLogger("capture"),
		done:  make(chan struct{}),
	}
	fc.wg.Add(1)
	go fc.run()
	return fc, nil
}

// sampleSource yields samples and rewinds at end of file
type sampleSource interface {
	next() (media.Sample, error)
	rewind() error
	close() error
}

type fileCapture struct {
	track *webrtc.TrackLocalStaticSample
	src   sampleSource
	log   logging.LeveledLogger

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (fc *fileCapture) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{fc.track}
}

func (fc *fileCapture) Close() error {
	fc.once.Do(func() { close(fc.done) })
	fc.wg.Wait()
	return fc.src.close()
}

func (fc *fileCapture) run() {
	defer fc.wg.Done()

	for {
		sample, err := fc.src.next()
		if errors.Is(err, io.EOF) {
			if err := fc.src.rewind(); err != nil {
				fc.log.Warnf("Failed to rewind capture file: %v", err)
				return
			}
			continue
		}
		if err != nil {
			fc.log.Warnf("Failed to read capture sample: %v", err)
			return
		}

		if err := fc.track.WriteSample(sample); err != nil {
			fc.log.Debugf("Failed to write sample: %v", err)
		}

		select {
		case <-fc.done:
			return
		case <-time.After(sample.Duration):
		}
	}
}

type ivfSource struct {
	path     string
	file     *os.File
	reader   *ivfreader.IVFReader
	duration time.Duration
}

func openIVF(path string) (*ivfSource, *webrtc.TrackLocalStaticSample, error) {
	s := &ivfSource{path: path}
	header, err := s.open()
	if err != nil {
		return nil, nil, err
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		s.close()
		return nil, nil, fmt.Errorf("%w: ivf fourcc %q", ErrUnsupportedFile, header.FourCC)
	}

	if header.TimebaseDenominator > 0 {
		s.duration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	if s.duration <= 0 {
		s.duration = time.Second / 30
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", "kvmview-capture")
	if err != nil {
		s.close()
		return nil, nil, fmt.Errorf("failed to create video track: %w", err)
	}
	return s, track, nil
}

func (s *ivfSource) open() (*ivfreader.IVFFileHeader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read ivf header: %w", err)
	}
	s.file = f
	s.reader = reader
	return header, nil
}

func (s *ivfSource) next() (media.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.duration}, nil
}

func (s *ivfSource) rewind() error {
	s.close()
	_, err := s.open()
	return err
}

func (s *ivfSource) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

type oggSource struct {
	path        string
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (*oggSource, *webrtc.TrackLocalStaticSample, error) {
	s := &oggSource{path: path}
	if err := s.open(); err != nil {
		return nil, nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "kvmview-mic")
	if err != nil {
		s.close()
		return nil, nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	return s, track, nil
}

func (s *oggSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read ogg header: %w", err)
	}
	s.file = f
	s.reader = reader
	s.lastGranule = 0
	return nil
}

func (s *oggSource) next() (media.Sample, error) {
	page, header, err := s.reader.ParseNextPage()
	if err != nil {
		return media.Sample{}, err
	}
	// Opus granule positions count 48 kHz samples
	count := header.GranulePosition - s.lastGranule
	s.lastGranule = header.GranulePosition
	return media.Sample{Data: page, Duration: time.Duration(count) * time.Second / 48000}, nil
}

func (s *oggSource) rewind() error {
	s.close()
	return s.open()
}

func (s *oggSource) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
