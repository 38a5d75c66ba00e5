// Package ratelimit 报价源级频率限制
// 为每个报价源维护一个令牌桶，所有并发交易请求共享同一配额
// 配额耗尽时立即拒绝，绝不排队等待
package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limiter 报价源级频率限制器
// "每分钟N次"语义：令牌以N/分钟的速率补充，桶容量为N
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perMin  map[string]int
	logger  *logrus.Logger
}

// NewLimiter 创建频率限制器
func NewLimiter(logger *logrus.Logger) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		perMin:  make(map[string]int),
		logger:  logger,
	}
}

// Register 注册报价源的配额
// perMinute为0表示不限流；重复注册以最新配额为准
func (l *Limiter) Register(sourceID string, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.perMin[sourceID] = perMinute
	if perMinute <= 0 {
		delete(l.buckets, sourceID)
		return
	}
	l.buckets[sourceID] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// Allow 尝试为一次调用取得令牌
// 非阻塞：配额耗尽立即返回false，调用方应报告RateLimited而不是等待
func (l *Limiter) Allow(sourceID string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[sourceID]
	l.mu.Unlock()

	if !ok {
		// 未注册配额的报价源不限流
		return true
	}
	allowed := bucket.Allow()
	if !allowed {
		l.logger.Debugf("[%s] 配额耗尽，本次调用被限流", sourceID)
	}
	return allowed
}

// Quota 返回报价源注册的配额（每分钟次数），未注册返回0
func (l *Limiter) Quota(sourceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perMin[sourceID]
}
