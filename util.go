package ownet

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"ownet/config"
)

// scanJitter scales an interval by a uniform factor in
// [1-1/(2r), 1+1/(2r)]. A non-positive r disables jitter.
func scanJitter(d time.Duration, r int) time.Duration {
	if r <= 0 {
		return d
	}

	factor := 1 + (rand.Float64()-0.5)/float64(r)

	return time.Duration(float64(d) * factor)
}

// pollJitter spreads poll intervals by ±2.5%.
func pollJitter(d time.Duration) time.Duration {
	factor := 1 + (rand.Float64()-0.5)/20

	return time.Duration(float64(d) * factor)
}

// sleepCtx sleeps d, returning false when the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// nextBackoff grows a delay by half, capped.
func nextBackoff(d, max time.Duration) time.Duration {
	d = time.Duration(float64(d) * config.BackoffFactor)
	if d > max {
		d = max
	}

	return d
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != "" && x != "0"
	default:
		return false
	}
}

func anyTrue(vals []interface{}) bool {
	for _, v := range vals {
		if truthy(v) {
			return true
		}
	}

	return false
}

func indexed(name string, i int) string {
	return fmt.Sprintf("%s_%d", name, i)
}
