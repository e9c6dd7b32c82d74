package sitecache

import (
	"time"

	"go.uber.org/zap"
)

// janitor runs Cleanup on a ticker until Close. Expiry is also enforced
// lazily on read, so the sweep only bounds memory.
func (c *Cache) janitor(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				c.logger.Debug("evicted expired cache entries", zap.Int("count", n))
			}
		}
	}
}
