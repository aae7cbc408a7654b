package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"
)

const defaultFileChunkBytes = 64 << 10

// FileDevice 用一个已录好的文件模拟摄像头，每个时间片读出 ChunkBytes 字节。
type FileDevice struct {
	Path       string
	ChunkBytes int
}

// NewFileDevice 创建基于文件的采集设备。
func NewFileDevice(path string, chunkBytes int) *FileDevice {
	if chunkBytes <= 0 {
		chunkBytes = defaultFileChunkBytes
	}
	return &FileDevice{Path: path, ChunkBytes: chunkBytes}
}

func (d *FileDevice) Acquire(ctx context.Context, c Constraints) (MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Video && !c.Audio {
		return nil, fmt.Errorf("%w: no track requested", ErrDeviceUnavailable)
	}
	f, err := os.Open(d.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case err != nil:
		return nil, err
	}

	s := &fileStream{file: f, chunkBytes: d.ChunkBytes}
	if c.Video {
		s.tracks = append(s.tracks, &fileTrack{kind: "video", stream: s})
	}
	if c.Audio {
		s.tracks = append(s.tracks, &fileTrack{kind: "audio", stream: s})
	}
	s.live = len(s.tracks)
	return s, nil
}

type fileStream struct {
	file       *os.File
	chunkBytes int
	tracks     []Track

	mu     sync.Mutex
	live   int
	closed bool
}

func (s *fileStream) Tracks() []Track {
	return s.tracks
}

func (s *fileStream) NewEncoder(mimeType string) (Encoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("stream already ended")
	}
	return &fileEncoder{stream: s}, nil
}

// read 读出下一段数据，流已结束时返回 io.EOF。
func (s *fileStream) read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	buf := make([]byte, s.chunkBytes)
	n, err := io.ReadFull(s.file, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	return buf[:n], err
}

func (s *fileStream) trackStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live--
	if s.live == 0 && !s.closed {
		s.closed = true
		_ = s.file.Close()
	}
}

type fileTrack struct {
	kind   string
	stream *fileStream
	once   sync.Once
}

func (t *fileTrack) Kind() string { return t.kind }

func (t *fileTrack) Stop() error {
	t.once.Do(t.stream.trackStopped)
	return nil
}

type fileEncoder struct {
	stream *fileStream

	mu      sync.Mutex
	onData  func([]byte)
	stop    chan struct{}
	stopped chan struct{}
}

func (e *fileEncoder) Start(timeslice time.Duration, onData func([]byte), onError func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return errors.New("encoder already started")
	}
	e.onData = onData
	e.stop = make(chan struct{})
	e.stopped = make(chan struct{})
	go e.run(timeslice, onData, onError)
	return nil
}

func (e *fileEncoder) run(timeslice time.Duration, onData func([]byte), onError func(error)) {
	defer close(e.stopped)
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			data, err := e.stream.read()
			if len(data) > 0 {
				onData(data)
			}
			if errors.Is(err, io.EOF) {
				// 源文件读完后保持静默，等待 Stop
				continue
			}
			if err != nil {
				onError(err)
				return
			}
		}
	}
}

// Stop 停止计时并同步交出下一段数据。
func (e *fileEncoder) Stop() error {
	e.mu.Lock()
	stop, stopped, onData := e.stop, e.stopped, e.onData
	e.stop = nil
	e.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-stopped

	data, err := e.stream.read()
	if len(data) > 0 {
		onData(data)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
