package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"
)

// waitWithJitter sleeps a random delay up to 10% of the interval so multiple
// instances starting together do not sweep in lockstep.
func waitWithJitter(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	maxJitter := int64(interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if logger != nil {
			logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		// Graceful shutdown during jitter
	}
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
