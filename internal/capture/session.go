package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"crimewatch-go/internal/model"
	"crimewatch-go/pkg/log"

	"github.com/google/uuid"
)

// State 是录制状态机的状态。
type State int

const (
	StateIdle State = iota
	StateCountdown
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCountdown:
		return "countdown"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// EventType 是推送给 Listener 的事件类型。
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventCountdown     EventType = "countdown"
	EventLocation      EventType = "location"
	EventDuration      EventType = "duration"
	EventChunkUploaded EventType = "chunk_uploaded"
	EventChunkFailed   EventType = "chunk_failed"
	EventFatal         EventType = "fatal"
)

// Event 描述录制过程中的一次变化。按 Type 只填写相关字段。
type Event struct {
	Type       EventType
	SessionID  string
	State      State
	Countdown  int
	ChunkIndex int
	Duration   time.Duration
	Message    string
	Response   *model.ChunkUploadResponse
	Err        error
}

// Listener 接收会话事件。上传结果在各自的协程中回调，实现需要并发安全且不能阻塞。
type Listener func(Event)

// Stats 汇总分片的上传结果。
type Stats struct {
	ChunksProduced int
	ChunksUploaded int
	ChunksFailed   int
	LastError      string
}

// HasFailures 表示是否有分片上传失败。
func (s Stats) HasFailures() bool {
	return s.ChunksFailed > 0
}

// Options 是 Session 的依赖和参数。Device、Uploader 必填，其余可选。
type Options struct {
	UserID           string
	Device           MediaDevice
	Uploader         ChunkSender
	Location         *LocationProbe
	Vibrator         Vibrator
	Listener         Listener
	ChunkInterval    time.Duration
	CountdownSeconds int
	CountdownTick    time.Duration
	UploadTimeout    time.Duration
	MimeType         string
}

// Session 持有采集流和录制状态机：Idle → Countdown → Recording → Stopping → Idle。
type Session struct {
	opts Options

	mu          sync.Mutex
	state       State
	sessionID   string
	stream      MediaStream
	encoder     Encoder
	chunkIndex  int
	isFirst     bool
	startedAt   time.Time
	preview     [][]byte
	stats       Stats
	cancelStart context.CancelFunc
	startDone   chan struct{}
	stopTicker  chan struct{}

	// encoderReady 在 Start 调用完 encoder.Start 后关闭
	encoderReady chan struct{}
	// stopDone 在正在进行的 Stop 清理完成后关闭
	stopDone chan struct{}

	uploads sync.WaitGroup
}

// NewSession 创建一个处于 Idle 状态的会话。
func NewSession(opts Options) *Session {
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = time.Second
	}
	if opts.CountdownSeconds < 0 {
		opts.CountdownSeconds = 0
	}
	if opts.CountdownTick <= 0 {
		opts.CountdownTick = time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 15 * time.Second
	}
	if opts.MimeType == "" {
		opts.MimeType = "video/webm"
	}
	return &Session{opts: opts}
}

// NewSessionID 生成 {userId}-{unixMillis}-{12 位随机十六进制} 形式的会话 ID。
func NewSessionID(userID string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return userID + "-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix
}

func (s *Session) emit(ev Event) {
	if s.opts.Listener != nil {
		s.opts.Listener(ev)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	id := s.sessionID
	s.mu.Unlock()
	s.emit(Event{Type: EventStateChanged, SessionID: id, State: st})
}

// State 返回当前状态。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID 返回最近一次 Start 生成的会话 ID。
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Stats 返回上传统计。
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Start 经过倒计时后获取设备并开始录制，录制在后台继续进行。
// 倒计时期间调用 Stop 会使 Start 返回 ErrCancelled。
func (s *Session) Start(ctx context.Context) (string, error) {
	if s.opts.UserID == "" {
		return "", ErrAuthRequired
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", ErrAlreadyActive
	}
	startCtx, cancel := context.WithCancel(ctx)
	s.sessionID = NewSessionID(s.opts.UserID, time.Now())
	s.state = StateCountdown
	s.chunkIndex = 0
	s.isFirst = true
	s.preview = nil
	s.stats = Stats{}
	s.cancelStart = cancel
	s.startDone = make(chan struct{})
	done := s.startDone
	sessionID := s.sessionID
	s.mu.Unlock()
	defer close(done)
	defer cancel()

	log.Infof("[CaptureSession] 开始倒计时, session: %s", sessionID)
	s.emit(Event{Type: EventStateChanged, SessionID: sessionID, State: StateCountdown})

	for n := s.opts.CountdownSeconds; n > 0; n-- {
		s.emit(Event{Type: EventCountdown, SessionID: sessionID, Countdown: n})
		if s.opts.Vibrator != nil {
			go s.opts.Vibrator.Vibrate(100 * time.Millisecond)
		}
		select {
		case <-startCtx.Done():
			return "", s.abortStart(nil, ErrCancelled)
		case <-time.After(s.opts.CountdownTick):
		}
	}

	if s.opts.Location != nil {
		// 定位不阻塞录制
		go func() {
			status := s.opts.Location.Request(context.Background())
			s.emit(Event{Type: EventLocation, SessionID: sessionID, Message: status})
		}()
	}

	stream, err := s.opts.Device.Acquire(startCtx, Constraints{Video: true, Audio: true, FacingMode: "environment"})
	if err != nil {
		if startCtx.Err() != nil {
			return "", s.abortStart(nil, ErrCancelled)
		}
		classified := classifyAcquireError(err)
		log.Errorf("[CaptureSession] 获取摄像头失败, session: %s, error: %v", sessionID, err)
		s.emit(Event{Type: EventFatal, SessionID: sessionID, Err: classified})
		return "", s.abortStart(nil, classified)
	}
	if startCtx.Err() != nil {
		return "", s.abortStart(stream, ErrCancelled)
	}

	encoder, err := stream.NewEncoder(s.opts.MimeType)
	if err != nil {
		fault := fmt.Errorf("%w: %v", ErrHardwareFault, err)
		s.emit(Event{Type: EventFatal, SessionID: sessionID, Err: fault})
		return "", s.abortStart(stream, fault)
	}

	s.mu.Lock()
	if startCtx.Err() != nil {
		s.mu.Unlock()
		return "", s.abortStart(stream, ErrCancelled)
	}
	s.state = StateRecording
	s.stream = stream
	s.encoder = encoder
	s.startedAt = time.Now()
	s.stopTicker = make(chan struct{})
	stopTicker := s.stopTicker
	ready := make(chan struct{})
	s.encoderReady = ready
	s.mu.Unlock()

	// 此时到来的 Stop 会等编码器启动完成后再停止它
	startErr := encoder.Start(s.opts.ChunkInterval, s.onData, s.onError)
	close(ready)
	if startErr != nil {
		fault := fmt.Errorf("%w: %v", ErrHardwareFault, startErr)
		s.emit(Event{Type: EventFatal, SessionID: sessionID, Err: fault})
		_ = s.Stop()
		return "", fault
	}
	s.mu.Lock()
	recording := s.state == StateRecording
	s.mu.Unlock()
	if recording {
		s.emit(Event{Type: EventStateChanged, SessionID: sessionID, State: StateRecording})
		go s.runDuration(sessionID, stopTicker)
	}

	log.Infof("[CaptureSession] 开始录制, session: %s, interval: %v", sessionID, s.opts.ChunkInterval)
	return sessionID, nil
}

// abortStart 释放已获取的设备并回到 Idle。
func (s *Session) abortStart(stream MediaStream, cause error) error {
	if stream != nil {
		if err := stopTracks(stream.Tracks()); err != nil {
			log.Warnf("[CaptureSession] 释放设备时出错: %v", err)
		}
	}
	s.setState(StateIdle)
	return cause
}

func (s *Session) runDuration(sessionID string, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			d := time.Since(s.startedAt)
			s.mu.Unlock()
			s.emit(Event{Type: EventDuration, SessionID: sessionID, Duration: d})
		}
	}
}

// onData 把编码数据写入本地预览，录制中时派发上传且不等待结果。
func (s *Session) onData(data []byte) {
	if len(data) == 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.preview = append(s.preview, buf)
	if s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	chunk := Chunk{
		SessionID:        s.sessionID,
		Index:            s.chunkIndex,
		IsFirst:          s.isFirst,
		Payload:          buf,
		CapturedAtOffset: time.Since(s.startedAt),
	}
	s.chunkIndex++
	s.isFirst = false
	s.stats.ChunksProduced++
	s.uploads.Add(1)
	s.mu.Unlock()

	if s.opts.Location != nil {
		chunk.Location = s.opts.Location.Last()
	}
	go s.upload(chunk)
}

func (s *Session) upload(c Chunk) {
	defer s.uploads.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.UploadTimeout)
	defer cancel()

	resp, err := s.opts.Uploader.Send(ctx, c)

	s.mu.Lock()
	if err != nil {
		s.stats.ChunksFailed++
		s.stats.LastError = err.Error()
	} else {
		s.stats.ChunksUploaded++
	}
	s.mu.Unlock()

	if err != nil {
		log.Warnf("[CaptureSession] 分片上传失败，继续录制, session: %s, chunkIndex: %d, error: %v", c.SessionID, c.Index, err)
		s.emit(Event{Type: EventChunkFailed, SessionID: c.SessionID, ChunkIndex: c.Index, Err: err})
		return
	}
	s.emit(Event{Type: EventChunkUploaded, SessionID: c.SessionID, ChunkIndex: c.Index, Response: resp})
}

// onError 处理编码器故障：这是唯一会中止录制的错误。
func (s *Session) onError(err error) {
	fault := fmt.Errorf("%w: %v", ErrHardwareFault, err)
	log.Errorf("[CaptureSession] 编码器故障，停止录制, session: %s, error: %v", s.SessionID(), err)
	s.emit(Event{Type: EventFatal, SessionID: s.SessionID(), Err: fault})
	go func() { _ = s.Stop() }()
}

// Stop 停止录制并释放设备，可重复调用。清理进行中时再次调用会等它完成，
// 只有真正执行清理的那次调用会返回清理中的错误。
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil
	case StateStopping:
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	case StateCountdown:
		cancel, done := s.cancelStart, s.startDone
		s.mu.Unlock()
		cancel()
		<-done
		return nil
	}
	s.state = StateStopping
	done := make(chan struct{})
	s.stopDone = done
	sessionID := s.sessionID
	encoder, stream, stopTicker, ready := s.encoder, s.stream, s.stopTicker, s.encoderReady
	s.mu.Unlock()
	s.emit(Event{Type: EventStateChanged, SessionID: sessionID, State: StateStopping})

	if ready != nil {
		<-ready
	}
	var errs []error
	if encoder != nil {
		// 编码器在这里交出的最后一段数据只进入本地预览
		if err := safeCall(encoder.Stop); err != nil {
			errs = append(errs, fmt.Errorf("stop encoder: %w", err))
		}
	}
	if stream != nil {
		if err := stopTracks(stream.Tracks()); err != nil {
			errs = append(errs, err)
		}
	}
	if stopTicker != nil {
		close(stopTicker)
	}

	s.mu.Lock()
	s.encoder = nil
	s.stream = nil
	s.stopTicker = nil
	s.encoderReady = nil
	s.stopDone = nil
	stats := s.stats
	s.mu.Unlock()
	s.setState(StateIdle)
	close(done)

	log.Infof("[CaptureSession] 录制已停止, session: %s, produced: %d, uploaded: %d, failed: %d",
		sessionID, stats.ChunksProduced, stats.ChunksUploaded, stats.ChunksFailed)
	return errors.Join(errs...)
}

// stopTracks 逐个停止轨道，单个轨道失败不影响其他轨道。
func stopTracks(tracks []Track) error {
	var errs []error
	for _, t := range tracks {
		if err := safeCall(t.Stop); err != nil {
			errs = append(errs, fmt.Errorf("stop %s track: %w", t.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Wait 等待已派发的上传全部结束。
func (s *Session) Wait() {
	s.uploads.Wait()
}

// WritePreview 把本地缓存的全部分片作为一个文件写出，与上传结果无关。
func (s *Session) WritePreview(w io.Writer) (int64, error) {
	s.mu.Lock()
	parts := make([][]byte, len(s.preview))
	copy(parts, s.preview)
	s.mu.Unlock()

	var total int64
	for _, p := range parts {
		n, err := w.Write(p)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
