package session

import "fmt"

// ChannelKey names the pub/sub scope for one event+language pair.
func ChannelKey(eventID uint, code string) string {
	return fmt.Sprintf("%d:%s", eventID, code)
}

// Channels fans frames out to the teams subscribed to each language channel.
// It is owned by a single session goroutine, so no locking here; a team
// subscribes to exactly one channel for the lifetime of its connection.
type Channels struct {
	subs map[string]map[uint]Outbox
}

func NewChannels() *Channels {
	return &Channels{subs: make(map[string]map[uint]Outbox)}
}

func (c *Channels) Subscribe(key string, teamID uint, out Outbox) {
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint]Outbox)
	}
	c.subs[key][teamID] = out
}

func (c *Channels) Unsubscribe(key string, teamID uint) {
	subs, ok := c.subs[key]
	if !ok {
		return
	}
	delete(subs, teamID)
	if len(subs) == 0 {
		delete(c.subs, key)
	}
}

// Codes returns the language codes with at least one subscriber. The key
// format is "<eventID>:<code>", so the code starts after the colon.
func (c *Channels) Codes() []string {
	codes := make([]string, 0, len(c.subs))
	for key := range c.subs {
		for i := 0; i < len(key); i++ {
			if key[i] == ':' {
				codes = append(codes, key[i+1:])
				break
			}
		}
	}
	return codes
}

// Publish sends frame to every subscriber of one channel. Subscribers whose
// outbox is full are dropped and returned so the caller can finish tearing
// the connection down; within one channel, frames from one sender stay in
// order because everything goes through the owning goroutine.
func (c *Channels) Publish(key string, frame []byte) (dropped []uint) {
	for teamID, out := range c.subs[key] {
		select {
		case out <- frame:
		default:
			dropped = append(dropped, teamID)
		}
	}
	return dropped
}
