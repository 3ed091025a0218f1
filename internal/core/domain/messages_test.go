package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Message
		wantErr bool
	}{
		{
			name:    "start sending",
			payload: `{"type":"start_sending"}`,
			want:    Message{Type: MsgStartSending},
		},
		{
			name:    "start receiving with stream id",
			payload: `{"type":"start_receiving","stream_id":"stream_abc"}`,
			want:    Message{Type: MsgStartReceiving, StreamID: "stream_abc"},
		},
		{
			name:    "start receiving without stream id",
			payload: `{"type":"start_receiving"}`,
			want:    Message{Type: MsgStartReceiving},
		},
		{
			name:    "offer",
			payload: `{"type":"webrtc_offer","offer":{"sdp":"v=0...","type":"offer"}}`,
			want:    Message{Type: MsgOffer, Offer: SessionDescription{SDP: "v=0...", Type: "offer"}},
		},
		{
			name:    "answer",
			payload: `{"type":"webrtc_answer","answer":{"sdp":"v=0...","type":"answer"}}`,
			want:    Message{Type: MsgAnswer, Answer: SessionDescription{SDP: "v=0...", Type: "answer"}},
		},
		{
			name:    "get available streams",
			payload: `{"type":"get_available_streams"}`,
			want:    Message{Type: MsgGetAvailableStreams},
		},
		{
			name:    "stop stream",
			payload: `{"type":"stop_stream"}`,
			want:    Message{Type: MsgStopStream},
		},
		{
			name:    "unrecognized tag maps to unknown",
			payload: `{"type":"ice_candidate","candidate":"..."}`,
			want:    Message{Type: MsgUnknown, RawType: "ice_candidate"},
		},
		{
			name:    "empty tag maps to unknown",
			payload: `{}`,
			want:    Message{Type: MsgUnknown},
		},
		{
			name:    "offer without body is an error",
			payload: `{"type":"webrtc_offer"}`,
			wantErr: true,
		},
		{
			name:    "offer with empty sdp is an error",
			payload: `{"type":"webrtc_offer","offer":{"sdp":"","type":"offer"}}`,
			wantErr: true,
		},
		{
			name:    "answer without body is an error",
			payload: `{"type":"webrtc_answer"}`,
			wantErr: true,
		},
		{
			name:    "malformed json is an error",
			payload: `{"type":`,
			wantErr: true,
		},
		{
			name:    "non-object payload is an error",
			payload: `"start_sending"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutboundMessageShapes(t *testing.T) {
	data, err := json.Marshal(NewStreamAvailable("stream_abc"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stream_available","stream_id":"stream_abc"}`, string(data))

	data, err = json.Marshal(NewStreamEnded("stream_abc"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stream_ended","stream_id":"stream_abc"}`, string(data))

	data, err = json.Marshal(NewSenderReady("conn-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sender_ready","connection_id":"conn-1"}`, string(data))

	data, err = json.Marshal(NewError("No audio stream available"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"No audio stream available"}`, string(data))

	// The stream list must serialize as an array even when empty.
	data, err = json.Marshal(NewAvailableStreams(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"available_streams","streams":[]}`, string(data))
}

func TestStreamIDFor(t *testing.T) {
	assert.Equal(t, StreamID("stream_conn-1"), StreamIDFor("conn-1"))
}
