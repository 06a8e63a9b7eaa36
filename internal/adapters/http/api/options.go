package api

import (
	"golang.org/x/time/rate"

	"github.com/okian/saferide/pkg/logger"
)

// Option configures the Server.
type Option func(*Server)

// WithWriteRateLimit limits POST and PATCH requests to perSecond with the
// given burst. perSecond <= 0 disables the limit.
func WithWriteRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.writeLimiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.writeLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger used for failed requests.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}
