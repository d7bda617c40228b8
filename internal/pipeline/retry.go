// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/ocr"
)

// RetryConfig bounds the attempts made for one stage call.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration

	sleep func(context.Context, time.Duration) error
}

// DefaultRetryConfig makes three attempts, backing off 500ms then 1s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     10 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c
}

// Backoff returns the wait after the given failed attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	d := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	return time.Duration(d)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether repeating the call that returned err cannot
// succeed.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	if errors.Is(err, ocr.ErrUnreadable) {
		return true
	}
	var up *apperr.UpstreamError
	if errors.As(err, &up) {
		return !up.Temporary()
	}
	return false
}

// Retry calls fn until it succeeds, fails permanently, or the attempts run
// out. It returns the number of attempts made and the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) (int, error) {
	cfg = cfg.withDefaults()
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return attempt, nil
		}
		if IsPermanent(err) || attempt >= cfg.MaxAttempts {
			return attempt, err
		}
		if serr := cfg.sleep(ctx, cfg.Backoff(attempt)); serr != nil {
			return attempt, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
