package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockTimeout 表示在等待时间内未能获得会话锁。
var ErrLockTimeout = errors.New("session lock wait timed out")

// SessionLocker 按会话 ID 串行化写操作。
type SessionLocker interface {
	Lock(ctx context.Context, sessionID string) (Lease, error)
}

// Lease 是一次成功获得的会话锁。
type Lease interface {
	// Held 报告锁是否仍归本次持有。覆盖写对象之前必须确认。
	Held(ctx context.Context) bool
	// Release 释放锁，可以安全地多次调用。
	Release()
}

// LocalSessionLocker 是进程内按 key 划分的互斥锁，空闲的 key 会被回收。
type LocalSessionLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalSessionLocker 创建进程内会话锁。
func NewLocalSessionLocker() *LocalSessionLocker {
	return &LocalSessionLocker{locks: make(map[string]*keyedLock)}
}

func (l *LocalSessionLocker) acquireRef(key string) *keyedLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *LocalSessionLocker) dropRef(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock 阻塞直到获得 sessionID 的锁或 ctx 结束。
func (l *LocalSessionLocker) Lock(ctx context.Context, sessionID string) (Lease, error) {
	kl := l.acquireRef(sessionID)
	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.dropRef(sessionID, kl)
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
	return &localLease{release: func() {
		<-kl.sem
		l.dropRef(sessionID, kl)
	}}, nil
}

type localLease struct {
	once     sync.Once
	released atomic.Bool
	release  func()
}

func (l *localLease) Held(context.Context) bool {
	return !l.released.Load()
}

func (l *localLease) Release() {
	l.once.Do(func() {
		l.released.Store(true)
		l.release()
	})
}

// releaseScript 只有持有者的 token 匹配时才删除锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript 只有持有者的 token 匹配时才续期。
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisSessionLocker 使用 SET NX PX 在多个服务实例间串行化同一会话。
// 持有期间后台按 ttl/3 的间隔续期，持有者进程退出后锁在 ttl 内自动过期。
type RedisSessionLocker struct {
	rdb   *redis.Client
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

// NewRedisSessionLocker 创建基于 Redis 的会话锁。ttl 是未续期时锁的存活时间，wait 是获取锁的最长等待时间。
func NewRedisSessionLocker(rdb *redis.Client, ttl, wait time.Duration) *RedisSessionLocker {
	return &RedisSessionLocker{rdb: rdb, ttl: ttl, wait: wait, retry: 25 * time.Millisecond}
}

func lockKey(sessionID string) string {
	return "emergency:lock:" + sessionID
}

// Lock 轮询获取锁，超过 wait 返回 ErrLockTimeout。
func (l *RedisSessionLocker) Lock(ctx context.Context, sessionID string) (Lease, error) {
	key := lockKey(sessionID)
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(waitCtx, key, token, l.ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("acquire redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, sessionID)
		case <-ticker.C:
		}
	}

	lease := &redisLease{
		rdb:   l.rdb,
		key:   key,
		token: token,
		ttl:   l.ttl,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go lease.watchdog()
	return lease, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration

	lost atomic.Bool
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (l *redisLease) watchdog() {
	defer close(l.done)
	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			// 网络抖动时下一轮再试，Held 会直接查询 Redis
			continue
		}
		if n == 0 {
			l.lost.Store(true)
			return
		}
	}
}

// Held 直接读取锁的当前持有者。查询失败按已失去处理。
func (l *redisLease) Held(ctx context.Context) bool {
	if l.lost.Load() {
		return false
	}
	owner, err := l.rdb.Get(ctx, l.key).Result()
	if err != nil || owner != l.token {
		l.lost.Store(true)
		return false
	}
	return true
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		// 请求上下文可能已取消，释放锁使用独立的短超时
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.rdb, []string{l.key}, l.token).Err()
		l.lost.Store(true)
	})
}

// ChainSessionLocker 依次获取多把锁，按相反顺序释放。
type ChainSessionLocker []SessionLocker

// Lock 获取链上所有锁，任一失败时释放已获得的锁。
func (c ChainSessionLocker) Lock(ctx context.Context, sessionID string) (Lease, error) {
	leases := make(chainLease, 0, len(c))
	for _, locker := range c {
		lease, err := locker.Lock(ctx, sessionID)
		if err != nil {
			leases.releaseAll()
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

type chainLease []Lease

func (c chainLease) Held(ctx context.Context) bool {
	for _, l := range c {
		if !l.Held(ctx) {
			return false
		}
	}
	return true
}

func (c chainLease) Release() { c.releaseAll() }

func (c chainLease) releaseAll() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].Release()
	}
}
