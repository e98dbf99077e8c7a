// Package uichannel implements the UI event-stream duplex channel (spec §6):
// "one duplex channel per UI session; after auth handshake the client
// subscribes to topics and receives {topic, seq, kind, payload} frames in
// the ordering of §4.4." Grounded on internal/runnerchannel's connection
// and framing idiom (itself grounded on tombee-conductor's internal/rpc),
// adapted from a fixed server<->runner message set to a client-driven
// subscribe/unsubscribe protocol over the same eventbus.Bus the runner side
// publishes onto.
package uichannel

import (
	"github.com/lazyaf/lazyaf/internal/domain"
)

// FrameType discriminates the frames of this channel's wire protocol.
type FrameType string

const (
	// Client -> server
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"

	// Server -> client
	FrameEvent          FrameType = "event"
	FrameResyncRequired FrameType = "resync_required"
	FrameSubscribed     FrameType = "subscribed"
)

// Frame is the envelope every message on the channel is wrapped in.
type Frame struct {
	Type FrameType `json:"type"`

	Subscribe   *SubscribeFrame `json:"subscribe,omitempty"`
	Unsubscribe *TopicFrame     `json:"unsubscribe,omitempty"`
	Event       *domain.Event   `json:"event,omitempty"`
	Resync      *TopicFrame     `json:"resync,omitempty"`
	Subscribed  *TopicFrame     `json:"subscribed,omitempty"`
}

// SubscribeFrame requests a live feed of topic, first replaying buffered
// events after SinceSeq (0 replays the topic from its first retained event).
type SubscribeFrame struct {
	Topic    domain.Topic `json:"topic"`
	SinceSeq uint64       `json:"since_seq"`
}

// TopicFrame names a single topic, shared by Unsubscribe/Resync/Subscribed.
type TopicFrame struct {
	Topic domain.Topic `json:"topic"`
}
