package rpc

import "time"

// PollingInterval returns the period of the polling goroutine, 0 when stopped.
func (c *Client) PollingInterval() time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.interval
}
