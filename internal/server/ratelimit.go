package server

import (
	"context"
	"net/http"

	"github.com/creachadair/jrpc2"
	"golang.org/x/time/rate"
)

// limitedAssigner rejects calls once the token bucket is empty. The bucket
// is shared by every transport of the server.
type limitedAssigner struct {
	next jrpc2.Assigner
	lim  *rate.Limiter
}

func (a limitedAssigner) Assign(ctx context.Context, method string) jrpc2.Handler {
	h := a.next.Assign(ctx, method)
	if h == nil || a.lim == nil {
		return h
	}
	return func(ctx context.Context, req *jrpc2.Request) (any, error) {
		if !a.lim.Allow() {
			return nil, &jrpc2.Error{Code: codeRateLimited, Message: "rate limit exceeded"}
		}
		return h(ctx, req)
	}
}

// limitUpgrades refuses new WebSocket sessions while the bucket is empty.
func limitUpgrades(lim *rate.Limiter, next http.Handler) http.Handler {
	if lim == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow() {
			writeRPCError(w, http.StatusTooManyRequests, int(codeRateLimited), "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// newLimiter returns nil when limit is not positive.
func newLimiter(limit float64, burst int) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}
