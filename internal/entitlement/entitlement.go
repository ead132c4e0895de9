// Package entitlement computes VIP expiry extensions. It is pure: no store
// access, no clock reads, deterministic given its inputs. The caller guards
// the write-back with the order-status idempotence check, which is what
// makes retrying a failed notification safe.
package entitlement

import "time"

// durations maps a purchasable good to the entitlement it grants. A good
// missing here extends by zero, which surfaces as a catalog
// misconfiguration rather than an error.
var durations = map[string]time.Duration{
	"7天VIP":  7 * 24 * time.Hour,
	"30天VIP": 30 * 24 * time.Hour,
	"90天VIP": 90 * 24 * time.Hour,
}

// Extend returns the new expiry after purchasing goodsName at time now.
// A lapsed entitlement restarts from now; an active one stacks forward.
func Extend(currentExpiry time.Time, goodsName string, now time.Time) time.Time {
	duration := durations[goodsName]
	if currentExpiry.Before(now) {
		return now.Add(duration)
	}
	return currentExpiry.Add(duration)
}

// Duration reports the entitlement length a good grants, zero for unknown
// goods.
func Duration(goodsName string) time.Duration {
	return durations[goodsName]
}
