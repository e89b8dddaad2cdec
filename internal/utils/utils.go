package utils

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/AlexandruC0909/coderun/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	visitors map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
}

func NewRateLimiter(perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*rate.Limiter),
		limit:    perMinuteLimit(perMinute),
		burst:    burst,
	}
}

func perMinuteLimit(perMinute int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(perMinute))
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.visitors[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.visitors[ip] = limiter
	}
	return limiter
}

// SetRate changes the limit for new and existing visitors.
func (rl *RateLimiter) SetRate(perMinute, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limit = perMinuteLimit(perMinute)
	rl.burst = burst
	for _, l := range rl.visitors {
		l.SetLimit(rl.limit)
		l.SetBurst(burst)
	}
}

func CheckRateLimit(rateLimiter *RateLimiter, ip string) error {
	if !rateLimiter.getLimiter(ip).Allow() {
		return ErrRateLimited
	}
	return nil
}

// ExtractIP returns the host part of the peer address. Forwarding headers
// are left to the router, which rewrites RemoteAddr only behind a trusted
// proxy.
func ExtractIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ValidateCode checks the request-level limits on submitted source.
func ValidateCode(code string, maxSize int) error {
	if strings.TrimSpace(code) == "" {
		return errors.New("no code submitted")
	}
	if len(code) > maxSize {
		return fmt.Errorf("code size exceeds maximum limit of %d bytes", maxSize)
	}
	return nil
}

var inputCalls = map[models.Language]*regexp.Regexp{
	models.LanguageC:          regexp.MustCompile(`\b(scanf|fscanf|getchar|fgets|gets|getline)\s*\(`),
	models.LanguageCPP:        regexp.MustCompile(`\bcin\s*>>|\b(getline|scanf|getchar|fgets)\s*\(`),
	models.LanguageJava:       regexp.MustCompile(`\bnew\s+Scanner\s*\(|\bSystem\.in\b|\breadLine\s*\(`),
	models.LanguagePython:     regexp.MustCompile(`\binput\s*\(|\bsys\.stdin\b`),
	models.LanguageJavaScript: regexp.MustCompile(`\brequire\(\s*['"](node:)?readline['"]\s*\)|\bprocess\.stdin\b|\bprompt\s*\(`),
}

// DetectInputOperations lists the source lines that read stdin.
func DetectInputOperations(lang models.Language, code string) []models.InputOperation {
	re, ok := inputCalls[lang]
	if !ok {
		return nil
	}
	var ops []models.InputOperation
	for i, line := range strings.Split(code, "\n") {
		if m := re.FindString(line); m != "" {
			ops = append(ops, models.InputOperation{Line: i + 1, Call: strings.TrimSpace(m)})
		}
	}
	return ops
}

var promptSuffixes = []string{"input", "enter", "type", "?", ">", ":"}

// IsWaitingForInput guesses from a fragment of output whether a program
// that reads stdin has just prompted for it.
func IsWaitingForInput(output string, detectedOps []models.InputOperation) bool {
	if len(detectedOps) == 0 || len(output) == 0 {
		return false
	}

	outputLower := strings.ToLower(strings.TrimSpace(output))
	for _, pattern := range promptSuffixes {
		if strings.HasSuffix(outputLower, pattern) {
			return true
		}
	}

	lastChar := output[len(output)-1]
	return lastChar != '\n' && lastChar != '\r'
}

func LogTiming(log *logger.Logger, operation string, start time.Time) {
	log.Debug("timing", zap.String("operation", operation), zap.Duration("took", time.Since(start)))
}
