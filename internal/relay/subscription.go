package relay

import (
	"go.uber.org/zap"

	"github.com/wisprnet/relay/internal/logger"
)

// handleReq registers the subscription, replays matching stored events,
// and finishes with a single EOSE. Re-issuing a subscription id on the
// same connection replaces the old entry before replay runs, so
// CLOSE+REQ round trips behave like a fresh subscription.
func (c *WsConnection) handleReq(msg ReqMessage) {
	logger.Debug("Processing REQ",
		zap.String("sub_id", msg.SubID),
		zap.Int("filters", len(msg.Filters)),
		zap.String("client", c.RemoteAddr()))

	c.relay.Registry().Add(c, msg.SubID, msg.Filters)

	// Replay history per filter, in store order (newest first). A REQ
	// with zero filters performs no replay but still gets its EOSE.
	if len(msg.Filters) > 0 {
		events := c.relay.Store().All()
		sent := 0
		for _, f := range msg.Filters {
			limit := f.Limit
			if f.LimitZero {
				continue
			}
			matched := 0
			for i := range events {
				if limit > 0 && matched >= limit {
					break
				}
				if MatchesFilter(&events[i], f) {
					c.SendEvent(msg.SubID, &events[i])
					matched++
					sent++
				}
			}
		}
		logger.Debug("Replay complete",
			zap.String("sub_id", msg.SubID),
			zap.Int("events_sent", sent),
			zap.String("client", c.RemoteAddr()))
	}

	c.sendEOSE(msg.SubID)
}

// handleClose removes the subscription. No reply frame is sent; an
// unknown id is not an error.
func (c *WsConnection) handleClose(msg CloseMessage) {
	removed := c.relay.Registry().Remove(c.id, msg.SubID)
	logger.Debug("Processed CLOSE",
		zap.String("sub_id", msg.SubID),
		zap.Bool("removed", removed),
		zap.String("client", c.RemoteAddr()))
}
