package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType tags an inbound signaling message. The set is closed: every
// message decodes to exactly one variant, and tags outside the set decode
// to MsgUnknown so that newer clients do not break older servers.
type MessageType string

const (
	MsgStartSending        MessageType = "start_sending"
	MsgStartReceiving      MessageType = "start_receiving"
	MsgOffer               MessageType = "webrtc_offer"
	MsgAnswer              MessageType = "webrtc_answer"
	MsgGetAvailableStreams MessageType = "get_available_streams"
	MsgStopStream          MessageType = "stop_stream"
	MsgUnknown             MessageType = "unknown"
)

// Message is an inbound signaling message decoded once at the socket
// boundary. Only the fields matching the variant are populated.
type Message struct {
	Type     MessageType
	RawType  string
	StreamID StreamID
	Offer    SessionDescription
	Answer   SessionDescription
}

type messageEnvelope struct {
	Type     string              `json:"type"`
	StreamID string              `json:"stream_id"`
	Offer    *SessionDescription `json:"offer"`
	Answer   *SessionDescription `json:"answer"`
}

// DecodeMessage parses a raw signaling payload into its closed variant.
// Malformed JSON or a missing SDP body is an error; an unrecognized tag
// is not, it yields the Unknown variant.
func DecodeMessage(data []byte) (Message, error) {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("malformed signaling message: %w", err)
	}

	switch MessageType(env.Type) {
	case MsgStartSending:
		return Message{Type: MsgStartSending}, nil
	case MsgStartReceiving:
		return Message{Type: MsgStartReceiving, StreamID: StreamID(env.StreamID)}, nil
	case MsgOffer:
		if env.Offer == nil || env.Offer.SDP == "" {
			return Message{}, fmt.Errorf("webrtc_offer without offer body")
		}
		return Message{Type: MsgOffer, Offer: *env.Offer}, nil
	case MsgAnswer:
		if env.Answer == nil || env.Answer.SDP == "" {
			return Message{}, fmt.Errorf("webrtc_answer without answer body")
		}
		return Message{Type: MsgAnswer, Answer: *env.Answer}, nil
	case MsgGetAvailableStreams:
		return Message{Type: MsgGetAvailableStreams}, nil
	case MsgStopStream:
		return Message{Type: MsgStopStream}, nil
	default:
		return Message{Type: MsgUnknown, RawType: env.Type}, nil
	}
}

// Outbound message shapes.

type SenderReadyMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

type AvailableStreamsMessage struct {
	Type    string   `json:"type"`
	Streams []string `json:"streams"`
}

type StreamAvailableMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
}

type StreamEndedMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
}

type OfferMessage struct {
	Type  string             `json:"type"`
	Offer SessionDescription `json:"offer"`
}

type AnswerMessage struct {
	Type   string             `json:"type"`
	Answer SessionDescription `json:"answer"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewSenderReady(id ConnectionID) SenderReadyMessage {
	return SenderReadyMessage{Type: "sender_ready", ConnectionID: string(id)}
}

func NewAvailableStreams(ids []StreamID) AvailableStreamsMessage {
	streams := make([]string, 0, len(ids))
	for _, id := range ids {
		streams = append(streams, string(id))
	}
	return AvailableStreamsMessage{Type: "available_streams", Streams: streams}
}

func NewStreamAvailable(id StreamID) StreamAvailableMessage {
	return StreamAvailableMessage{Type: "stream_available", StreamID: string(id)}
}

func NewStreamEnded(id StreamID) StreamEndedMessage {
	return StreamEndedMessage{Type: "stream_ended", StreamID: string(id)}
}

func NewOffer(sd SessionDescription) OfferMessage {
	return OfferMessage{Type: "webrtc_offer", Offer: sd}
}

func NewAnswer(sd SessionDescription) AnswerMessage {
	return AnswerMessage{Type: "webrtc_answer", Answer: sd}
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: "error", Message: message}
}
