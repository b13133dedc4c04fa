package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is an addressed signaling message carried by the relay.
//
// Exactly one of SDP/Candidate is set, depending on Kind. Timestamp is unix
// milliseconds assigned by the sender; the relay preserves it but never
// interprets it.
type Message struct {
	SessionID  string `json:"sessionId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Kind       Kind   `json:"kind"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("message missing senderId")
	}
	if m.ReceiverID == "" {
		return fmt.Errorf("message missing receiverId")
	}
	if m.SenderID == m.ReceiverID {
		return fmt.Errorf("message addressed to its own sender")
	}
	switch m.Kind {
	case KindOffer:
		if m.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
		if m.Candidate != nil {
			return fmt.Errorf("offer message has unexpected candidate")
		}
	case KindAnswer:
		if m.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
		if m.Candidate != nil {
			return fmt.Errorf("answer message has unexpected candidate")
		}
	case KindCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.SDP != nil {
			return fmt.Errorf("candidate message has unexpected sdp")
		}
	default:
		return fmt.Errorf("unsupported message kind %q", m.Kind)
	}
	return nil
}

// Payload returns the kind-specific body as JSON for storage.
func (m Message) Payload() (json.RawMessage, error) {
	switch m.Kind {
	case KindOffer, KindAnswer:
		return json.Marshal(m.SDP)
	case KindCandidate:
		return json.Marshal(m.Candidate)
	default:
		return nil, fmt.Errorf("unsupported message kind %q", m.Kind)
	}
}

// FromPayload reconstructs the kind-specific body from stored JSON.
func (m *Message) FromPayload(payload json.RawMessage) error {
	switch m.Kind {
	case KindOffer, KindAnswer:
		var sdp SDP
		if err := json.Unmarshal(payload, &sdp); err != nil {
			return fmt.Errorf("decode %s payload: %w", m.Kind, err)
		}
		m.SDP = &sdp
	case KindCandidate:
		var cand Candidate
		if err := json.Unmarshal(payload, &cand); err != nil {
			return fmt.Errorf("decode candidate payload: %w", err)
		}
		m.Candidate = &cand
	default:
		return fmt.Errorf("unsupported message kind %q", m.Kind)
	}
	return nil
}
