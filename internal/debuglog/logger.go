package debuglog

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Enabled reports whether BRANCHNET_DEBUG=1 is set.
func Enabled() bool {
	return os.Getenv("BRANCHNET_DEBUG") == "1"
}

// Options select the level and encoding of a logger built by New.
type Options struct {
	Level   string
	Console bool
}

// New builds a logger writing to w. Debug level is forced when
// BRANCHNET_DEBUG=1.
func New(w io.Writer, opts Options) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, err
		}
	}
	if Enabled() {
		lvl = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.Console {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), lvl)
	return zap.New(core), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Limiter suppresses repeats of the same log key within an interval.
type Limiter struct {
	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{last: make(map[string]time.Time), sweep: time.Now()}
}

// Allow reports whether key may be logged now and records the attempt.
func (l *Limiter) Allow(key string, interval time.Duration) bool {
	if l == nil || key == "" {
		return false
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// RateLimited logs msg at warn level at most once per interval and key.
func (l *Limiter) RateLimited(log *zap.Logger, key string, interval time.Duration, msg string, fields ...zap.Field) {
	if log == nil || !l.Allow(key, interval) {
		return
	}
	log.Warn(msg, fields...)
}
