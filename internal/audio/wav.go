package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/kannadanudi/nudi-dictation/internal/protocol"
)

// WriteWAV encodes mono float32 samples as 16-bit PCM WAV.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buffer.Data[i] = int(math.Round(float64(s) * math.MaxInt16))
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// DecodeWAV reads an entire PCM WAV file and downmixes it to mono float32.
func DecodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read pcm: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	return downmix(buf.Data, channels, int(dec.BitDepth)), int(dec.SampleRate), nil
}

func downmix(data []int, channels, bitDepth int) []float32 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))
	frames := len(data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(data[i*channels+c])
		}
		out[i] = float32(sum / float64(channels) / scale)
	}
	return out
}

// WAVDevice replays a WAV file as if it were a live microphone.
type WAVDevice struct {
	Path string
	// Realtime paces delivery to the file's sample rate.
	Realtime bool
}

func (d *WAVDevice) Open(_ context.Context) (Stream, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, protocol.Wrap(protocol.KindPermissionDenied, err)
		}
		return nil, protocol.Wrap(protocol.KindDeviceUnavailable, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, protocol.Errorf(protocol.KindDeviceUnavailable, "%s is not a valid wav file", d.Path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, protocol.Wrap(protocol.KindDeviceUnavailable, fmt.Errorf("seek pcm: %w", err))
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	return &wavStream{
		file:     f,
		dec:      dec,
		channels: channels,
		bitDepth: int(dec.BitDepth),
		rate:     int(dec.SampleRate),
		realtime: d.Realtime,
		closed:   make(chan struct{}),
	}, nil
}

type wavStream struct {
	file     *os.File
	dec      *wav.Decoder
	channels int
	bitDepth int
	rate     int
	realtime bool
	next     time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *wavStream) SampleRate() int { return s.rate }

func (s *wavStream) ReadBlock(dst []float32) (int, error) {
	if s.realtime {
		if err := s.pace(len(dst)); err != nil {
			return 0, err
		}
	}
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: s.channels, SampleRate: s.rate},
		Data:   make([]int, len(dst)*s.channels),
	}
	n, err := s.dec.PCMBuffer(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, protocol.Wrap(protocol.KindDeviceUnavailable, err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	mono := downmix(buf.Data[:n], s.channels, s.bitDepth)
	copy(dst, mono)
	return len(mono), nil
}

func (s *wavStream) pace(samples int) error {
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	if wait := s.next.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.closed:
			return io.EOF
		}
	}
	s.next = s.next.Add(time.Duration(samples) * time.Second / time.Duration(s.rate))
	return nil
}

func (s *wavStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.file.Close()
	})
	return err
}
