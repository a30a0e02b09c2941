package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Envelope(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	ev := New(SessionCreated, "u1", now, map[string]any{"session_id": "s1"})

	_, err := uuid.Parse(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ev.OccurredAt.Location())

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "auth.session.created", m["type"])
	assert.Equal(t, "u1", m["user_id"])
	assert.Equal(t, "2024-05-01T11:00:00Z", m["occurred_at"])
	assert.Equal(t, map[string]any{"session_id": "s1"}, m["data"])
}

func TestNew_DistinctIDs(t *testing.T) {
	a := New(UserRegistered, "u", time.Now(), nil)
	b := New(UserRegistered, "u", time.Now(), nil)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	require.NoError(t, p.Publish(context.Background(), New(UserDeleted, "u", time.Now(), nil)))
	p.Close()
}

func TestNATS_Integration(t *testing.T) {
	url := os.Getenv("WARDEN_NATS_URL")
	if url == "" {
		t.Skip("integration test skipped: WARDEN_NATS_URL is not set")
	}

	p, err := NewNATS(NATSConfig{URL: url}, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	sub, err := p.js.SubscribeSync(SessionRevoked)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ev := New(SessionRevoked, "u1", time.Now(), nil)
	require.NoError(t, p.Publish(context.Background(), ev))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, ev.ID, got.ID)
}
