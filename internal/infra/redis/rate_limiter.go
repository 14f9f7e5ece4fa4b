package redis

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter throttles job submissions with a fixed window per key.
type RateLimiter struct {
	client *Client
}

func NewRateLimiter(client *Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow counts one request against the key's current window. The window start
// is baked into the stored key, so a counter can never outlive its window
// even when the expiry write is lost; the TTL only keeps dead windows from
// piling up.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	bucket := fmt.Sprintf("%s:%d", key, time.Now().UnixNano()/int64(window))
	count, err := r.client.Incr(ctx, bucket)
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, bucket, window+time.Second); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

// UserActionKey buckets rate limiting per user and action, e.g. job submits.
func UserActionKey(userID, action string) string {
	return fmt.Sprintf("rate_limit:%s:%s", userID, action)
}
