package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	err := n.OrderConfirmed(context.Background(), OrderConfirmed{
		UserID: "owner", PageID: "page", ConversationID: "conv", At: time.Now(),
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("Order confirmed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "owner", fields["user_id"])
	assert.Equal(t, "conv", fields["conversation_id"])
}
