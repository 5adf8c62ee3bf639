package subs

import "time"

// ClientMessage is what a WebSocket client may send: subscribe,
// unsubscribe, or ping.
type ClientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// ServerMessage is every non-price-update frame the server sends back.
type ServerMessage struct {
	Type      string   `json:"type"`
	Symbols   []string `json:"symbols,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func subscribedMsg(symbols []string) ServerMessage {
	return ServerMessage{Type: "subscribed", Symbols: symbols}
}

func unsubscribedMsg(symbols []string) ServerMessage {
	return ServerMessage{Type: "unsubscribed", Symbols: symbols}
}

func pongMsg(now time.Time) ServerMessage {
	return ServerMessage{Type: "pong", Timestamp: now.UTC().Format(time.RFC3339Nano)}
}

func errorMsg(message string) ServerMessage {
	return ServerMessage{Type: "error", Message: message}
}
