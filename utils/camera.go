package utils

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const megabyte = 1024 * 1024

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// DeviceError reports that the capture device is unavailable.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture device %q: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// CameraCapture streams MJPEG frames from a local camera through ffmpeg and
// keeps the most recent decoded frame.
type CameraCapture struct {
	Device string

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	logger *zap.Logger

	mu    sync.RWMutex
	frame image.Image

	firstFrame  chan struct{}
	firstOnce   sync.Once
	readerDone  chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

// OpenCamera starts streaming from device and waits until the first frame is
// decoded, the timeout elapses or ctx is cancelled.
func OpenCamera(ctx context.Context, device string, timeout time.Duration, logger *zap.Logger) (*CameraCapture, error) {
	if logger == nil {
		logger = zap.L()
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, &DeviceError{Device: device, Err: err}
	}

	args, err := captureArgs(device)
	if err != nil {
		return nil, &DeviceError{Device: device, Err: err}
	}

	c := &CameraCapture{
		Device:     device,
		cmd:        exec.Command("ffmpeg", args...),
		logger:     logger.With(zap.String("device", device)),
		firstFrame: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.cmd.Stderr = &c.stderr

	c.stdout, err = c.cmd.StdoutPipe()
	if err != nil {
		return nil, &DeviceError{Device: device, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	if err := c.cmd.Start(); err != nil {
		return nil, &DeviceError{Device: device, Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	go c.readFrames()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.firstFrame:
		c.logger.Info("Capture device ready", zap.Ints("size", []int{c.width(), c.height()}))
		return c, nil
	case <-c.readerDone:
		c.Release()
		return nil, &DeviceError{Device: device, Err: fmt.Errorf("stream ended before first frame: %s", strings.TrimSpace(c.stderr.String()))}
	case <-timer.C:
		c.Release()
		return nil, &DeviceError{Device: device, Err: errors.New("timed out waiting for first frame")}
	case <-ctx.Done():
		c.Release()
		return nil, &DeviceError{Device: device, Err: ctx.Err()}
	}
}

func captureArgs(device string) ([]string, error) {
	common := []string{"-hide_banner", "-loglevel", "error"}
	out := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-"}

	var in []string
	switch runtime.GOOS {
	case "darwin":
		in = []string{"-f", "avfoundation", "-framerate", "30", "-i", device}
	case "linux":
		if !strings.HasPrefix(device, "/") {
			device = "/dev/video" + device
		}
		in = []string{"-f", "v4l2", "-i", device}
	case "windows":
		in = []string{"-f", "dshow", "-i", "video=" + device}
	default:
		return nil, fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	args := append(common, in...)
	return append(args, out...), nil
}

func (c *CameraCapture) readFrames() {
	defer close(c.readerDone)

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(SplitJpeg)

	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			c.logger.Debug("Dropping undecodable frame", zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.frame = img
		c.mu.Unlock()
		c.firstOnce.Do(func() { close(c.firstFrame) })
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("Frame stream stopped", zap.Error(err))
	}
}

// SplitJpeg is a bufio.SplitFunc that yields complete JPEG images delimited
// by their SOI and EOI markers, skipping anything in between.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], jpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

func (c *CameraCapture) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frame != nil
}

func (c *CameraCapture) Size() (int, int) {
	return c.width(), c.height()
}

func (c *CameraCapture) width() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.frame == nil {
		return 0
	}
	return c.frame.Bounds().Dx()
}

func (c *CameraCapture) height() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.frame == nil {
		return 0
	}
	return c.frame.Bounds().Dy()
}

func (c *CameraCapture) Frame() image.Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frame
}

// Release stops ffmpeg and closes the stream. Only the first call has an
// effect.
func (c *CameraCapture) Release() error {
	c.releaseOnce.Do(func() {
		if c.cmd.Process != nil {
			if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				c.releaseErr = err
			}
		}
		c.stdout.Close()
		<-c.readerDone
		c.cmd.Wait()
		c.logger.Info("Capture device released")
	})
	return c.releaseErr
}
