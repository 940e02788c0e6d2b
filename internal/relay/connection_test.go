package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloseReasonFirstWriteWins(t *testing.T) {
	c := &WsConnection{}

	c.setCloseReason("ping failed")
	c.setCloseReason("message handler terminated")

	assert.Equal(t, "ping failed", c.getCloseReason())
}

// The read loop and the keepalive goroutine can both report a reason;
// concurrent writes must be safe and settle on exactly one of them.
func TestCloseReasonConcurrentWriters(t *testing.T) {
	c := &WsConnection{}
	reasons := []string{"read error", "ping failed", "server shutting down"}

	var wg sync.WaitGroup
	for _, reason := range reasons {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			c.setCloseReason(r)
		}(reason)
	}
	wg.Wait()

	assert.Contains(t, reasons, c.getCloseReason())
}
