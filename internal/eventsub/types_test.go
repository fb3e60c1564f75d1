package eventsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Condition
		want bool
	}{
		{"identical", Condition{"broadcaster_user_id": "1234"}, Condition{"broadcaster_user_id": "1234"}, true},
		{"different value", Condition{"broadcaster_user_id": "1234"}, Condition{"broadcaster_user_id": "4321"}, false},
		{"extra key on right", Condition{"broadcaster_user_id": "1234"}, Condition{"broadcaster_user_id": "1234", "moderator_user_id": "1"}, false},
		{"extra key on left", Condition{"broadcaster_user_id": "1234", "moderator_user_id": "1"}, Condition{"broadcaster_user_id": "1234"}, false},
		{"both empty", Condition{}, Condition{}, true},
		{"nil and empty", nil, Condition{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
			assert.Equal(t, tt.want, tt.b.Equal(tt.a))
		})
	}
}

func TestSummarizeCopiesCondition(t *testing.T) {
	sub := Subscription{ID: "a", Type: "channel.follow", Version: "2", Condition: Condition{"broadcaster_user_id": "1"}}
	sum := sub.Summarize()
	sub.Condition["broadcaster_user_id"] = "2"

	assert.Equal(t, "1", sum.Condition["broadcaster_user_id"])
	assert.Equal(t, "channel.follow", sum.Type)
}

func TestDecodeFrameWelcome(t *testing.T) {
	raw := []byte(`{
		"metadata": {"message_id": "96a3f3b5", "message_type": "session_welcome", "message_timestamp": "2023-07-19T14:56:51.634234626Z"},
		"payload": {"session": {"id": "AQoQILE98gtqShGmLD7AM6yJThAB", "status": "connected", "keepalive_timeout_seconds": 10, "reconnect_url": null}}
	}`)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeSessionWelcome, f.Metadata.MessageType)

	var p SessionPayload
	require.NoError(t, f.DecodePayload(&p))
	assert.Equal(t, "AQoQILE98gtqShGmLD7AM6yJThAB", p.Session.ID)
	require.NotNil(t, p.Session.KeepaliveTimeoutSeconds)
	assert.Equal(t, 10, *p.Session.KeepaliveTimeoutSeconds)
	assert.Nil(t, p.Session.ReconnectURL)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`{"metadata":{}}`))
	assert.Error(t, err)
}

func TestDecodePayloadEmpty(t *testing.T) {
	f := &Frame{Metadata: Metadata{MessageType: MessageTypeSessionKeepalive}}
	var p SessionPayload
	assert.Error(t, f.DecodePayload(&p))
}

func TestCreateResponseSubscription(t *testing.T) {
	_, ok := CreateResponse{}.Subscription()
	assert.False(t, ok)

	sub, ok := CreateResponse{Data: []Subscription{{ID: "x"}}}.Subscription()
	assert.True(t, ok)
	assert.Equal(t, "x", sub.ID)
}
