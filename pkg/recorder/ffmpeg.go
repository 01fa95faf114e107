package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	ffmpegContentType = "audio/ogg"
	chunkSize         = 16 * 1024
	// startupGrace is how long Open waits for ffmpeg to fail before assuming
	// the device is live.
	startupGrace = 1500 * time.Millisecond
)

// stopGrace bounds how long ffmpeg gets to finalize before it is killed.
var stopGrace = 5 * time.Second

// FFmpegDevice captures the default microphone through an ffmpeg child
// process that streams Ogg/Opus to stdout.
type FFmpegDevice struct {
	Binary string
	// Input overrides the platform default input device name.
	Input string
}

func (d *FFmpegDevice) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "ffmpeg"
}

func (d *FFmpegDevice) inputArgs() ([]string, error) {
	switch runtime.GOOS {
	case "darwin":
		input := d.Input
		if input == "" {
			input = ":default"
		}
		return []string{"-f", "avfoundation", "-i", input}, nil
	case "linux":
		input := d.Input
		if input == "" {
			input = "default"
		}
		return []string{"-f", "pulse", "-i", input}, nil
	case "windows":
		input := d.Input
		if input == "" {
			input = "audio=default"
		}
		return []string{"-f", "dshow", "-i", input}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
	}
}

func (d *FFmpegDevice) Open(ctx context.Context) (Capture, error) {
	bin, err := exec.LookPath(d.binary())
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found", ErrUnsupportedPlatform)
	}
	input, err := d.inputArgs()
	if err != nil {
		return nil, err
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, input...)
	args = append(args,
		"-ac", "1",
		"-ar", "48000",
		"-c:a", "libopus",
		"-b:a", "32k",
		"-f", "ogg",
		"pipe:1",
	)

	c := &ffmpegCapture{
		bin:    bin,
		args:   args,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	seg, err := c.startSegmentLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(startupGrace)
	defer timer.Stop()
	select {
	case <-seg.started:
		return c, nil
	case <-timer.C:
		return c, nil
	case <-c.done:
		return nil, c.classify()
	case <-ctx.Done():
		c.Stop()
		c.Release()
		return nil, ctx.Err()
	}
}

// ffmpegCapture runs one ffmpeg process per active span. Pause lets the
// running process finish its Ogg stream and Resume starts the next one, so
// the blob is a sequence of complete chained streams.
type ffmpegCapture struct {
	bin    string
	args   []string
	stderr lockedBuffer

	chunks chan []byte
	done   chan struct{}

	mu       sync.Mutex
	seg      *segment
	stopping bool
	finished bool
	err      error
}

type segment struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	started   chan struct{}
	exited    chan struct{}
	startOnce sync.Once
	quitOnce  sync.Once
	pausing   bool
}

// startSegmentLocked launches ffmpeg for the next span. Not bound to a
// context: the process outlives the call that started it.
func (c *ffmpegCapture) startSegmentLocked() (*segment, error) {
	cmd := exec.Command(c.bin, c.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	cmd.Stderr = &c.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	seg := &segment{
		cmd:     cmd,
		stdin:   stdin,
		started: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	c.seg = seg
	go c.pump(seg, stdout)
	return seg, nil
}

func (c *ffmpegCapture) pump(seg *segment, stdout io.Reader) {
	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			seg.startOnce.Do(func() { close(seg.started) })
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.chunks <- chunk
		}
		if err != nil {
			break
		}
	}
	waitErr := seg.cmd.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == seg {
		c.seg = nil
	}
	close(seg.exited)
	switch {
	case c.stopping:
		c.finishLocked(nil)
	case seg.pausing:
		// Resume starts the next segment.
	case waitErr != nil:
		c.finishLocked(waitErr)
	default:
		c.finishLocked(errors.New("ffmpeg exited unexpectedly"))
	}
}

func (c *ffmpegCapture) finishLocked(err error) {
	if c.finished {
		return
	}
	c.finished = true
	c.err = err
	close(c.chunks)
	close(c.done)
}

// quit asks ffmpeg to finalize its output: "q" on stdin works on every
// platform, an interrupt is tried where stdin is gone. The process is
// killed if it has not exited after stopGrace.
func (s *segment) quit() error {
	var err error
	s.quitOnce.Do(func() {
		_, werr := io.WriteString(s.stdin, "q")
		s.stdin.Close()
		if werr != nil && runtime.GOOS != "windows" {
			err = s.cmd.Process.Signal(os.Interrupt)
			if errors.Is(err, os.ErrProcessDone) {
				err = nil
			}
		}
		go func() {
			select {
			case <-s.exited:
			case <-time.After(stopGrace):
				_ = s.cmd.Process.Kill()
			}
		}()
	})
	return err
}

func (c *ffmpegCapture) classify() error {
	msg := strings.ToLower(c.stderr.String())
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "not authorized"),
		strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(c.stderr.String()))
	case strings.Contains(msg, "unknown input format"):
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, strings.TrimSpace(c.stderr.String()))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Errorf("ffmpeg exited: %v: %s", c.err, strings.TrimSpace(c.stderr.String()))
}

func (c *ffmpegCapture) Chunks() <-chan []byte {
	return c.chunks
}

func (c *ffmpegCapture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return nil
	}
	return fmt.Errorf("%v: %s", c.err, strings.TrimSpace(c.stderr.String()))
}

func (c *ffmpegCapture) ContentType() string {
	return ffmpegContentType
}

// Pause ends the running segment and waits until its stream is complete.
func (c *ffmpegCapture) Pause() error {
	c.mu.Lock()
	seg := c.seg
	if seg == nil || c.stopping || c.finished {
		c.mu.Unlock()
		return errors.New("capture is not running")
	}
	seg.pausing = true
	c.mu.Unlock()

	err := seg.quit()
	<-seg.exited
	return err
}

// Resume starts a new segment on the same device.
func (c *ffmpegCapture) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping || c.finished {
		return errors.New("capture already ended")
	}
	if c.seg != nil {
		return nil
	}
	_, err := c.startSegmentLocked()
	return err
}

// Stop asks ffmpeg to finish the container; Chunks closes once it exits.
func (c *ffmpegCapture) Stop() error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	seg := c.seg
	if seg == nil {
		c.finishLocked(nil)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return seg.quit()
}

// Release kills ffmpeg if it is still holding the device.
func (c *ffmpegCapture) Release() error {
	select {
	case <-c.done:
		return nil
	case <-time.After(2 * time.Second):
	}
	c.mu.Lock()
	seg := c.seg
	c.mu.Unlock()
	if seg == nil {
		return nil
	}
	err := seg.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
