package domain

import "encoding/json"

// Frame types carried on the backend transport.
const (
	FrameWebhook = "webhook" // Payload is a raw provider webhook body
	FrameMessage = "message" // Payload is an already canonical Message
)

// Frame is the top-level envelope of every transport message. Platform is set
// by the backend so the gateway never has to guess a provider from payload shape.
type Frame struct {
	Type     string          `json:"type"`
	Platform Platform        `json:"platform"`
	Payload  json.RawMessage `json:"payload"`
}
