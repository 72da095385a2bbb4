package domain

// MessageBus decouples adapters from the dispatch loop. Adapters publish
// inbound messages; the gateway consumes them on a single path and routes
// outbound replies back by channel id.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelID string, handler func(OutboundMessage))
	Close()
}
