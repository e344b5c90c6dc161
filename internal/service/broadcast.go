package service

import "strconv"

// Broadcaster fans an event out to every subscriber of a topic. Implemented
// by the websocket hub; delivery is at-most-once, best effort, and a
// disconnected subscriber simply misses the event.
type Broadcaster interface {
	Publish(topic, event string, payload any)
}

// ChannelTopic names the fan-out topic for a channel.
func ChannelTopic(channelID uint) string {
	return "channel:" + strconv.FormatUint(uint64(channelID), 10)
}

// ConversationTopic names the fan-out topic for a direct conversation.
func ConversationTopic(conversationID uint) string {
	return "dm:" + strconv.FormatUint(uint64(conversationID), 10)
}
