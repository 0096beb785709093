// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package broadcast implements the Streaming Broadcast: a bounded
// fan-out hub that replicates StreamingUpdate records to every
// subscribed WebSocket client of a given conversation. Producers never
// block on consumers — a slow subscriber misses the update and is
// marked lagged (see Subscription.Lagged), so it can resynchronize from
// the Conversation Store instead of back-pressuring the inference path.
package broadcast

import (
	"errors"
	"sync"
)

// defaultBufferSize bounds each subscriber's channel.
const defaultBufferSize = 64

// ErrLagged describes the condition Subscription.Lagged reports: the
// subscriber fell behind its buffer capacity and must resynchronize by
// reading the Conversation Store directly before resuming on Updates().
// No function in this package returns it.
var ErrLagged = errors.New("broadcast: subscriber lagged, resync from conversation store")

// Update is one streaming fan-out record published to subscribers.
type Update struct {
	ConversationID string
	PartialContent string
	TokensUsed     int32
	MaxTokens      int32
	IsComplete     bool
}

// Hub fans out Updates to subscribers grouped by conversation id.
type Hub struct {
	mu          sync.Mutex
	bufferSize  int
	subscribers map[string]map[*Subscription]struct{}
}

// NewHub builds a Hub with the default per-subscriber buffer size.
func NewHub() *Hub {
	return &Hub{bufferSize: defaultBufferSize, subscribers: make(map[string]map[*Subscription]struct{})}
}

// Subscription is one WebSocket handler's view of a conversation's
// updates. Each WebSocket handler subscribes once on connect and
// filters by its bound conversation id.
type Subscription struct {
	conversationID string
	hub            *Hub
	ch             chan Update
	lagged         chan struct{}
	closeOnce      sync.Once
}

// Subscribe registers a new subscription for conversationID.
func (h *Hub) Subscribe(conversationID string) *Subscription {
	sub := &Subscription{
		conversationID: conversationID,
		hub:            h,
		ch:             make(chan Update, h.bufferSize),
		lagged:         make(chan struct{}, 1),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[conversationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subscribers[conversationID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish replicates update to every subscriber of its conversation
// id. A subscriber whose buffer is full is marked lagged and the
// update is dropped for it rather than blocking the producer.
func (h *Hub) Publish(update Update) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subscribers[update.ConversationID]))
	for s := range h.subscribers[update.ConversationID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- update:
		default:
			select {
			case s.lagged <- struct{}{}:
			default:
			}
		}
	}
}

// Updates returns the channel to range over for ordered Update values.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Lagged reports, non-blockingly, whether this subscriber has missed
// at least one update since the last call. Callers should check this
// around each receive from Updates() and resynchronize via the
// Conversation Store when it fires.
func (s *Subscription) Lagged() bool {
	select {
	case <-s.lagged:
		return true
	default:
		return false
	}
}

// Close unregisters the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if set, ok := s.hub.subscribers[s.conversationID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subscribers, s.conversationID)
			}
		}
		close(s.ch)
	})
}
