package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crimewatch-go/internal/model"
	"crimewatch-go/pkg/log"
)

// 位置探测的状态文本。
const (
	LocationPending     = "Getting location..."
	LocationShared      = "GPS location shared"
	LocationNetwork     = "Using network location"
	LocationApproximate = "Using approximate location"
	LocationCached      = "Using cached location"
	LocationFallback    = "Location sent via fallback"
	LocationIPBased     = "Using IP-based location"
)

var (
	ErrLocationPermission  = errors.New("location permission denied")
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrLocationTimeout     = errors.New("location request timed out")
)

// Fix 是一次定位结果。
type Fix struct {
	Latitude   float64
	Longitude  float64
	Accuracy   float64
	CapturedAt time.Time
}

// Geolocator 是设备定位能力的抽象。
type Geolocator interface {
	CurrentPosition(ctx context.Context) (Fix, error)
}

// StaticGeolocator 总是返回固定坐标，CapturedAt 为调用时间。
type StaticGeolocator struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

func (g StaticGeolocator) CurrentPosition(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return Fix{Latitude: g.Latitude, Longitude: g.Longitude, Accuracy: g.Accuracy, CapturedAt: time.Now()}, nil
}

// LocationProbe 尽力获取一次定位并保存最近的结果。它从不返回错误，失败只体现在状态文本上。
type LocationProbe struct {
	geo        Geolocator
	timeout    time.Duration
	maximumAge time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	last   *Fix
	status string
}

// NewLocationProbe 创建位置探测器。geo 为 nil 表示设备没有定位能力。
func NewLocationProbe(geo Geolocator, timeout, maximumAge time.Duration) *LocationProbe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LocationProbe{geo: geo, timeout: timeout, maximumAge: maximumAge, now: time.Now}
}

// Request 获取定位并返回状态文本。缓存的结果在 maximumAge 内直接复用。
func (p *LocationProbe) Request(ctx context.Context) string {
	if p.geo == nil {
		return p.setStatus(LocationIPBased)
	}

	p.mu.RLock()
	cached := p.last
	p.mu.RUnlock()
	if cached != nil && p.maximumAge > 0 && p.now().Sub(cached.CapturedAt) <= p.maximumAge {
		return p.setStatus(LocationShared)
	}

	p.setStatus(LocationPending)
	fix, err := p.lookup(ctx)
	if err != nil {
		log.Warnf("[LocationProbe] 获取位置失败: %v", err)
		return p.setStatus(degradedStatus(err))
	}

	p.mu.Lock()
	p.last = &fix
	p.mu.Unlock()
	log.Infof("[LocationProbe] 获取位置成功, lat: %.6f, lng: %.6f, accuracy: %.0fm", fix.Latitude, fix.Longitude, fix.Accuracy)
	return p.setStatus(LocationShared)
}

type lookupResult struct {
	fix Fix
	err error
}

func (p *LocationProbe) lookup(ctx context.Context) (Fix, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ch := make(chan lookupResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- lookupResult{err: fmt.Errorf("geolocator panic: %v", r)}
			}
		}()
		fix, err := p.geo.CurrentPosition(ctx)
		ch <- lookupResult{fix: fix, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return Fix{}, ErrLocationTimeout
		}
		return res.fix, res.err
	case <-ctx.Done():
		return Fix{}, ErrLocationTimeout
	}
}

func degradedStatus(err error) string {
	switch {
	case errors.Is(err, ErrLocationPermission):
		return LocationNetwork
	case errors.Is(err, ErrLocationUnavailable):
		return LocationApproximate
	case errors.Is(err, ErrLocationTimeout):
		return LocationCached
	default:
		return LocationFallback
	}
}

func (p *LocationProbe) setStatus(s string) string {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
	return s
}

// Status 返回最近一次的状态文本。
func (p *LocationProbe) Status() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Last 返回最近一次成功的定位，没有时返回 nil。
func (p *LocationProbe) Last() *model.Location {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil
	}
	return &model.Location{
		Latitude:  p.last.Latitude,
		Longitude: p.last.Longitude,
		Accuracy:  p.last.Accuracy,
		Timestamp: p.last.CapturedAt.UnixMilli(),
	}
}
