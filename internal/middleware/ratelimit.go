package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimitScope names which resource a limit window is keyed by.
type RateLimitScope string

const (
	RateLimitScopeRepo   RateLimitScope = "repo"
	RateLimitScopeRunner RateLimitScope = "runner"
)

// RateLimitConfig holds rate limiting configuration for the two surfaces
// worth protecting from a noisy client: per-repo git reads (diff/branches
// shell out to git) and per-runner channel reconnects.
type RateLimitConfig struct {
	Enabled bool

	RepoLimit  int
	RepoWindow time.Duration

	RunnerHelloLimit  int
	RunnerHelloWindow time.Duration
}

func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled:           true,
		RepoLimit:         120, // 120 diff/branches reads per minute per repo
		RepoWindow:        time.Minute,
		RunnerHelloLimit:  10, // 10 (re)connects per minute per runner
		RunnerHelloWindow: time.Minute,
	}
}

// RateLimiter checks sliding-window limits against Redis. Grounded on the
// teacher's internal/middleware.RateLimiter Lua-script approach.
type RateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
}

func NewRateLimiter(redisClient *redis.Client, config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{redis: redisClient, config: config}
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local count = redis.call('ZCARD', key)

	if count < limit then
		redis.call('ZADD', key, now, now .. '-' .. math.random())
		redis.call('PEXPIRE', key, window_ms)
		return {1, limit - count - 1}
	else
		return {0, 0}
	end
`)

func (rl *RateLimiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	resetAt := now.Add(window)

	result, err := slidingWindowScript.Run(ctx, rl.redis, []string{key}, now.UnixMilli(), windowStart.UnixMilli(), limit, window.Milliseconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script error: %w", err)
	}

	return &RateLimitResult{
		Allowed:   result[0].(int64) == 1,
		Remaining: int(result[1].(int64)),
		ResetAt:   resetAt,
		Limit:     limit,
	}, nil
}

// CheckRepo checks the per-repo rate limit for git-read endpoints.
func (rl *RateLimiter) CheckRepo(ctx context.Context, repoID uuid.UUID) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:repo:%s", repoID.String())
	return rl.checkLimit(ctx, key, rl.config.RepoLimit, rl.config.RepoWindow)
}

// CheckRunnerHello checks the per-runner rate limit for channel (re)connects.
func (rl *RateLimiter) CheckRunnerHello(ctx context.Context, runnerID uuid.UUID) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:runner:%s", runnerID.String())
	return rl.checkLimit(ctx, key, rl.config.RunnerHelloLimit, rl.config.RunnerHelloWindow)
}

func setRateLimitHeaders(w http.ResponseWriter, result *RateLimitResult, scope RateLimitScope) {
	prefix := fmt.Sprintf("X-RateLimit-%s", scope)
	w.Header().Set(prefix+"-Limit", strconv.Itoa(result.Limit))
	w.Header().Set(prefix+"-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set(prefix+"-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeRateLimitError(w http.ResponseWriter, result *RateLimitResult, scope RateLimitScope) {
	setRateLimitHeaders(w, result, scope)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(result.ResetAt).Seconds()), 10))
	w.WriteHeader(http.StatusTooManyRequests)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":     "RATE_LIMIT_EXCEEDED",
			"message":  fmt.Sprintf("rate limit exceeded for %s scope", scope),
			"retry_at": result.ResetAt.Format(time.RFC3339),
			"limit":    result.Limit,
			"scope":    scope,
		},
	}); err != nil {
		slog.Error("failed to encode rate limit error response", "error", err, "scope", scope)
	}
}

// RepoRateLimitMiddleware limits requests by the {repo_id} chi URL param.
// Mount on the repo-scoped git read routes (diff/branches); errors talking
// to Redis fail open rather than block git reads on an outage.
func (rl *RateLimiter) RepoRateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			repoID, err := uuid.Parse(chi.URLParam(r, "repo_id"))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			result, err := rl.CheckRepo(r.Context(), repoID)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, result, RateLimitScopeRepo)
			if !result.Allowed {
				writeRateLimitError(w, result, RateLimitScopeRepo)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AllowRunnerHello checks the per-runner reconnect limit outside the chi
// middleware chain, since a runner's identity only becomes known once its
// Hello frame arrives over an already-upgraded websocket connection.
func (rl *RateLimiter) AllowRunnerHello(ctx context.Context, runnerID uuid.UUID) bool {
	if !rl.config.Enabled {
		return true
	}
	result, err := rl.CheckRunnerHello(ctx, runnerID)
	if err != nil {
		return true // fail open on a Redis outage
	}
	return result.Allowed
}

func (rl *RateLimiter) UpdateConfig(config *RateLimitConfig) {
	rl.config = config
}

func (rl *RateLimiter) GetConfig() *RateLimitConfig {
	return rl.config
}
