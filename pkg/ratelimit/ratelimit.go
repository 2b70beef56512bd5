// Package ratelimit bounds how fast the engine calls the model, both
// globally and per patient. A burst of messages from one patient must
// not starve everyone else's extractions.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter provides global plus per-patient rate limiting.
type Limiter struct {
	globalLimiter   *rate.Limiter
	patientLimiters map[string]*rate.Limiter
	mu              sync.RWMutex

	requestsPerSecond float64
	burst             int
}

// New creates a limiter. Both the global limiter and each per-patient
// limiter use the same rate and burst.
func New(requestsPerSecond float64, burst int) *Limiter {
	return &Limiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		patientLimiters:   make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow checks if a request should be allowed.
func (l *Limiter) Allow(patientID string) bool {
	if !l.globalLimiter.Allow() {
		return false
	}
	return l.getPatientLimiter(patientID).Allow()
}

// Wait blocks until a request can be made.
func (l *Limiter) Wait(ctx context.Context, patientID string) error {
	if err := l.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}

	if err := l.getPatientLimiter(patientID).Wait(ctx); err != nil {
		return fmt.Errorf("patient rate limit: %w", err)
	}
	return nil
}

// getPatientLimiter gets or creates a rate limiter for a patient.
func (l *Limiter) getPatientLimiter(patientID string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.patientLimiters[patientID]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.patientLimiters[patientID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(l.requestsPerSecond), l.burst)
	l.patientLimiters[patientID] = limiter
	return limiter
}
