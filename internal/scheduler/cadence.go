package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Tick counts for the cadence table in spec §4.7. Ingest and the tamper
// check run every tick (IntervalEveryTick); the others run every Nth
// tick.
const (
	IntervalEveryTick         = 1
	IntervalConfigSync        = 10
	IntervalMembershipRefresh = 15
	IntervalNonceCleanup      = 60
	IntervalKeyRotation       = 1440
)

// NonceCleanupTask wraps a NonceStore's periodic sweep as a scheduler
// Task, cadence IntervalNonceCleanup.
func NonceCleanupTask(store interface{ Cleanup() int }) Task {
	return Task{
		Name:     "nonce_cleanup",
		Interval: IntervalNonceCleanup,
		Run: func(ctx context.Context) error {
			store.Cleanup()
			return nil
		},
	}
}

// KeyRotationChecker is the subset of meshauth.KeyRotator the scheduler
// needs: check whether a rotation is due, capture the pre-rotation
// secret the announcement must itself be signed with, and perform the
// rotation.
type KeyRotationChecker interface {
	ShouldRotate(interval time.Duration) bool
	CurrentSecret() []byte
	Rotate(gracePeriod time.Duration) (newSecretHex string, effectiveAt time.Time, err error)
}

// RotationPublish hands a completed rotation to whatever needs to
// announce it (e.g. push to mesh config, signed with oldSecret).
type RotationPublish func(oldSecret []byte, newSecretHex string, effectiveAt time.Time, gracePeriod time.Duration) error

// KeyRotationTask checks weekly whether the HMAC secret is due for
// rotation and, if so, rotates it and hands the result to publish.
// publish may be nil if nothing needs to react to a rotation locally.
func KeyRotationTask(rotator KeyRotationChecker, weeklyInterval, gracePeriod time.Duration, publish RotationPublish) Task {
	return Task{
		Name:     "key_rotation",
		Interval: IntervalKeyRotation,
		Run: func(ctx context.Context) error {
			if !rotator.ShouldRotate(weeklyInterval) {
				return nil
			}
			oldSecret := rotator.CurrentSecret()
			newSecret, effectiveAt, err := rotator.Rotate(gracePeriod)
			if err != nil {
				return fmt.Errorf("rotate key: %w", err)
			}
			if publish == nil {
				return nil
			}
			return publish(oldSecret, newSecret, effectiveAt, gracePeriod)
		},
	}
}
