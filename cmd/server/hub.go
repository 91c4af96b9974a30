package main

import (
	"encoding/json"
	"log"
	"sync"

	"pullserve/server"
)

// WSMessage is a generic message traveling through the hub
type WSMessage struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type,omitempty"`
	From    string          `json:"from,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	UserID string
	Send   chan []byte
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // channel -> clients
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Subscribe registers a new client for the given channel.
func (h *Hub) Subscribe(channel, userID string) *Client {
	c := &Client{
		UserID: userID,
		Send:   make(chan []byte, 16),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[channel] == nil {
		h.clients[channel] = make(map[*Client]struct{})
	}
	h.clients[channel][c] = struct{}{}
	return c
}

// Unsubscribe removes a client from the given channel and closes its send channel.
func (h *Hub) Unsubscribe(channel string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.clients[channel]
	if subs == nil {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}

	delete(subs, c)
	close(c.Send)
	if len(subs) == 0 {
		delete(h.clients, channel)
	}
}

// Publish broadcasts a message to all clients on the given channel.
func (h *Hub) Publish(channel, msgType string, payload any) {
	h.publishFrom(channel, msgType, "", payload)
}

func (h *Hub) publishFrom(channel, msgType, from string, payload any) {
	data, err := encoder.Marshal(payload)
	if err != nil {
		log.Printf("[ws] marshal error: %v", err)
		return
	}

	wire, err := encoder.Marshal(WSMessage{
		Channel: channel,
		Type:    msgType,
		From:    from,
		Data:    data,
	})
	if err != nil {
		log.Printf("[ws] marshal error: %v", err)
		return
	}

	h.mu.RLock()
	subs := h.clients[channel]
	for c := range subs {
		select {
		case c.Send <- wire:

		default:
			// client is slow / buffer full, drop message

		}
	}
	h.mu.RUnlock()
}

// Serve runs the reader and writer loops for one upgraded connection.
// It blocks until the peer goes away and tears the subscription down.
func (h *Hub) Serve(channel, userID string, ws *server.WebSocket) {
	c := h.Subscribe(channel, userID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range c.Send {
			if err := ws.SendText(string(msg)); err != nil {
				return
			}
		}
	}()

	// Reader loop: incoming text frames are fanned back out on the
	// same channel tagged with the sender's user id.
	for {
		frame, err := ws.Recv()
		if err != nil {
			break
		}
		switch frame.Type {
		case server.FrameClose:
			_ = ws.Close()
		case server.FramePing:
			_ = ws.Send(server.Frame{Type: server.FramePong, Data: frame.Data})
			continue
		case server.FrameText:
			var incoming map[string]any
			if err := encoder.Unmarshal(frame.Data, &incoming); err != nil {
				log.Printf("[ws] bad client payload from %s: %v", userID, err)
				continue
			}
			h.publishFrom(channel, "client", userID, incoming)
			continue
		default:
			continue
		}
		break
	}

	h.Unsubscribe(channel, c)
	<-writerDone
}
