// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishReachesOnlyMatchingConversation(t *testing.T) {
	hub := NewHub()
	subA := hub.Subscribe("conv-a")
	subB := hub.Subscribe("conv-b")
	defer subA.Close()
	defer subB.Close()

	hub.Publish(Update{ConversationID: "conv-a", PartialContent: "hi"})

	select {
	case u := <-subA.Updates():
		assert.Equal(t, "hi", u.PartialContent)
	default:
		t.Fatal("expected update on subA")
	}

	select {
	case <-subB.Updates():
		t.Fatal("subB should not have received conv-a's update")
	default:
	}
}

func TestHub_SlowSubscriberLagsWithoutBlockingProducer(t *testing.T) {
	hub := &Hub{bufferSize: 2, subscribers: make(map[string]map[*Subscription]struct{})}
	sub := hub.Subscribe("conv")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		hub.Publish(Update{ConversationID: "conv", TokensUsed: int32(i)})
	}

	assert.True(t, sub.Lagged())
	assert.False(t, sub.Lagged())
}

func TestHub_CloseRemovesSubscription(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("conv")
	sub.Close()

	require.NotPanics(t, func() { hub.Publish(Update{ConversationID: "conv"}) })
}
