package capture

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Constraints 描述请求的采集设备。
type Constraints struct {
	Video      bool
	Audio      bool
	FacingMode string
}

// Track 是一路正在采集的音频或视频轨道。
type Track interface {
	Kind() string
	Stop() error
}

// Encoder 按固定时间片产出编码后的数据。Stop 会同步地把缓冲数据通过 onData 交出。
type Encoder interface {
	Start(timeslice time.Duration, onData func([]byte), onError func(error)) error
	Stop() error
}

// MediaStream 是一次成功获取的采集流。
type MediaStream interface {
	Tracks() []Track
	NewEncoder(mimeType string) (Encoder, error)
}

// MediaDevice 是摄像头和麦克风的抽象。
type MediaDevice interface {
	Acquire(ctx context.Context, c Constraints) (MediaStream, error)
}

// Vibrator 提供倒计时的触感反馈，失败时静默。
type Vibrator interface {
	Vibrate(d time.Duration)
}

// ExclusiveDevice 保证同一时间只有一个采集流在使用底层设备，
// 流的所有轨道都被停止后设备才会被释放。
type ExclusiveDevice struct {
	inner MediaDevice

	mu   sync.Mutex
	held bool
}

// NewExclusiveDevice 包装一个 MediaDevice。
func NewExclusiveDevice(inner MediaDevice) *ExclusiveDevice {
	return &ExclusiveDevice{inner: inner}
}

// Active 返回设备当前是否被占用。
func (d *ExclusiveDevice) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held
}

func (d *ExclusiveDevice) Acquire(ctx context.Context, c Constraints) (MediaStream, error) {
	d.mu.Lock()
	if d.held {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: device is in use by another session", ErrDeviceUnavailable)
	}
	d.held = true
	d.mu.Unlock()

	stream, err := d.inner.Acquire(ctx, c)
	if err != nil {
		d.release()
		return nil, err
	}
	tracks := stream.Tracks()
	if len(tracks) == 0 {
		d.release()
		return stream, nil
	}

	es := &exclusiveStream{MediaStream: stream, remaining: len(tracks), onReleased: d.release}
	es.tracks = make([]Track, len(tracks))
	for i, t := range tracks {
		es.tracks[i] = &exclusiveTrack{Track: t, stream: es}
	}
	return es, nil
}

func (d *ExclusiveDevice) release() {
	d.mu.Lock()
	d.held = false
	d.mu.Unlock()
}

type exclusiveStream struct {
	MediaStream
	tracks []Track

	mu         sync.Mutex
	remaining  int
	onReleased func()
}

func (s *exclusiveStream) Tracks() []Track {
	return s.tracks
}

func (s *exclusiveStream) trackStopped() {
	s.mu.Lock()
	s.remaining--
	done := s.remaining == 0
	s.mu.Unlock()
	if done {
		s.onReleased()
	}
}

// exclusiveTrack 记录第一次 Stop 调用，无论底层 Stop 是否成功都视为已尝试释放。
type exclusiveTrack struct {
	Track
	stream *exclusiveStream
	once   sync.Once
}

func (t *exclusiveTrack) Stop() error {
	defer t.once.Do(t.stream.trackStopped)
	return t.Track.Stop()
}
