package audio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kannadanudi/nudi-dictation/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// closeWait bounds how long Close waits for a killed recorder to exit.
const closeWait = 2 * time.Second

// ExecDevice captures from an external recorder that writes raw little-endian
// float32 mono PCM to stdout, e.g. `arecord -t raw -f FLOAT_LE -c 1 -r 44100`.
type ExecDevice struct {
	Command    string
	SampleRate int
}

// NewExecDevice validates the command line up front.
func NewExecDevice(command string, sampleRate int) (*ExecDevice, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("capture sample rate must be positive")
	}
	return &ExecDevice{Command: command, SampleRate: sampleRate}, nil
}

func (d *ExecDevice) Open(ctx context.Context) (Stream, error) {
	args, err := shellwords.NewParser().Parse(d.Command)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindDeviceUnavailable, fmt.Errorf("parse capture command: %w", err))
	}
	if len(args) == 0 {
		return nil, protocol.Errorf(protocol.KindDeviceUnavailable, "capture command is empty")
	}

	cmd := exec.Command(args[0], args[1:]...)
	// Grandchildren holding stderr open must not stall Wait.
	cmd.WaitDelay = closeWait
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, protocol.Wrap(protocol.KindDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyCaptureFailure(err, "")
	}

	reader := bufio.NewReaderSize(stdout, DefaultBlockSize*4)
	peeked := make(chan error, 1)
	go func() {
		_, err := reader.Peek(4)
		peeked <- err
	}()

	select {
	case err := <-peeked:
		if err != nil {
			waitErr := cmd.Wait()
			if waitErr == nil {
				waitErr = err
			}
			return nil, classifyCaptureFailure(waitErr, stderr.String())
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, protocol.Wrap(protocol.KindDeviceUnavailable, ctx.Err())
	}

	return &execStream{cmd: cmd, reader: reader, stderr: stderr, rate: d.SampleRate}, nil
}

type execStream struct {
	cmd    *exec.Cmd
	reader *bufio.Reader
	stderr *tailBuffer
	rate   int
	raw    []byte

	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
}

func (s *execStream) SampleRate() int { return s.rate }

func (s *execStream) ReadBlock(dst []float32) (int, error) {
	need := len(dst) * 4
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]
	read, err := io.ReadFull(s.reader, raw)
	n := read / 4
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	if err == nil {
		return n, nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		if waitErr := s.wait(); waitErr != nil {
			return n, classifyCaptureFailure(waitErr, s.stderr.String())
		}
		return n, io.EOF
	}
	return n, protocol.Wrap(protocol.KindDeviceUnavailable, err)
}

// Close kills the recorder and waits, up to closeWait, for it to exit so the
// device is free for the next session.
func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.cmd.Process.Kill()
		exited := make(chan struct{})
		go func() {
			_ = s.wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(closeWait):
		}
	})
	return nil
}

func (s *execStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// classifyCaptureFailure maps recorder failures onto capture error kinds.
func classifyCaptureFailure(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	if errors.Is(err, os.ErrPermission) ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not permitted") ||
		strings.Contains(msg, "not authorized") {
		return &protocol.Error{Kind: protocol.KindPermissionDenied, Err: withStderr(err, stderr)}
	}
	return &protocol.Error{Kind: protocol.KindDeviceUnavailable, Err: withStderr(err, stderr)}
}

func withStderr(err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, stderr)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
