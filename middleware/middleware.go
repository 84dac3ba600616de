package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"relaynode/logs"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// 配置参数
const (
	resetInterval   = time.Second     // 请求计数的时间窗口
	cleanupInterval = 2 * time.Minute // 清理间隔，每2分钟清理一次不活跃记录
)

// Middleware 标准 http 中间件
type Middleware func(http.Handler) http.Handler

// Chain 按书写顺序包装：Chain(h, a, b) 的执行顺序是 a -> b -> h
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// WriteJSON 统一的 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RateLimiter 记录每个 IP 在当前时间窗口内的请求次数以及最后一次更新时间
type RateLimiter struct {
	mu             sync.Mutex
	limit          int
	ipRequestCount map[string]int
	ipLastReset    map[string]time.Time
}

// NewRateLimiter limit <= 0 表示不限
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:          limit,
		ipRequestCount: make(map[string]int),
		ipLastReset:    make(map[string]time.Time),
	}
}

// RateLimit 限制每个 IP 在 resetInterval 内的请求次数
func (rl *RateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		clientIP := clientHost(r.RemoteAddr)

		rl.mu.Lock()
		now := time.Now()
		if last, ok := rl.ipLastReset[clientIP]; !ok || now.Sub(last) > resetInterval {
			rl.ipRequestCount[clientIP] = 0
			rl.ipLastReset[clientIP] = now
		}
		rl.ipRequestCount[clientIP]++
		if rl.ipRequestCount[clientIP] > rl.limit {
			rl.mu.Unlock()
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		rl.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

// StartIPCleanup 后台定时清理不活跃的 IP 记录，stop 关闭后退出
func (rl *RateLimiter) StartIPCleanup(stop <-chan struct{}) {
	ticker := time.NewTicker(cleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rl.mu.Lock()
				now := time.Now()
				for ip, last := range rl.ipLastReset {
					if now.Sub(last) > 2*resetInterval {
						delete(rl.ipLastReset, ip)
						delete(rl.ipRequestCount, ip)
					}
				}
				rl.mu.Unlock()
			}
		}
	}()
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Recover handler 里的 panic 转成 500，不让进程退出
func Recover(logger logs.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("[HTTP] panic on %s %s: %v", r.Method, r.URL.Path, rec)
					WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
						"success": false,
						"error":   "Internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Loaded 区块链加载完成前一律返回 503
func Loaded(isLoaded func() bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isLoaded() {
				WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
					"success": false,
					"error":   "Blockchain is loading",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Readiness 节点未同步时拒绝，按业务失败返回 200
func Readiness(check func() error) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := check(); err != nil {
				WriteJSON(w, http.StatusOK, map[string]interface{}{
					"success": false,
					"error":   "Blockchain is not ready",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NodeHeaders 节点信息写入响应头
type NodeHeaders struct {
	OS      string
	Version string
	Port    int
	Magic   string
}

// Headers 响应头里带上 os/version/port/magic
func Headers(h NodeHeaders) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("os", h.OS)
			w.Header().Set("version", h.Version)
			w.Header().Set("port", strconv.Itoa(h.Port))
			w.Header().Set("magic", h.Magic)
			next.ServeHTTP(w, r)
		})
	}
}

// Magic 请求头 magic 与本地网络标识不一致时返回 500
func Magic(expected string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received := r.Header.Get("magic")
			if received != expected {
				WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"success":  false,
					"error":    "Request is made on the wrong network",
					"expected": expected,
					"received": received,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NotFound 没有匹配路由时的兜底
func NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "API endpoint not found",
		})
	})
}
