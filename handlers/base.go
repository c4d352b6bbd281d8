package handlers

import "open-mer/bus"

// MessageHandler handles one decoded bus message
type MessageHandler interface {
	// Handle processes the payload of a message on the handler's topic
	Handle(msg bus.Message) error

	// GetTopic returns the topic the handler consumes
	GetTopic() string
}

// TopicHandler adapts a function to MessageHandler
type TopicHandler struct {
	Topic string
	Fn    func(payload []byte) error
}

// Handle calls Fn with the message payload
func (h TopicHandler) Handle(msg bus.Message) error {
	return h.Fn(msg.Payload)
}

// GetTopic returns the handled topic
func (h TopicHandler) GetTopic() string {
	return h.Topic
}
