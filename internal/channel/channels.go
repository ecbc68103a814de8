// Package channel wires the aggregator to the archive writer through a
// buffered channel. Sends never block a snapshot pass; a full buffer drops
// the message and counts the drop.
package channel

import (
	"context"
	"sync"

	"silverflow/logger"
	"silverflow/models"
)

type ChannelStats struct {
	RawSent    int64
	RawDropped int64
}

type Channels struct {
	Raw chan models.RawRecordMessage

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw: make(chan models.RawRecordMessage, rawBufferSize),
		log: log,
	}

	log.WithComponent("record_channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Info("record channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Raw)
	c.log.WithComponent("record_channels").Info("record channels closed")
}

func (c *Channels) IncrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRawDropped() {
	c.statsMutex.Lock()
	c.stats.RawDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) SendRaw(ctx context.Context, msg models.RawRecordMessage) bool {
	select {
	case c.Raw <- msg:
		c.IncrementRawSent()
		logger.RecordChannelMessage("raw_records", len(msg.Data))
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementRawDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
