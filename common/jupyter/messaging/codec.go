package messaging

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Codec converts between the bus's multipart frames, the structured Message and the transport's single JSON text.
//
// Every Codec owns a session identity. Requests created through the Codec carry that session, which is what
// allows replies and broadcasts to be correlated back to their originator.
type Codec struct {
	Session         string
	Username        string
	Key             []byte
	SignatureScheme string
}

// NewCodec creates a Codec with a fresh session identity.
func NewCodec(key []byte, signatureScheme string) *Codec {
	if signatureScheme == "" {
		signatureScheme = JupyterSignatureScheme
	}

	return &Codec{
		Session:         uuid.NewString(),
		Username:        MessageHeaderDefaultUsername,
		Key:             key,
		SignatureScheme: signatureScheme,
	}
}

// Decode parses bus frames into a Message.
//
// Routing identities are skipped and the signature is verified when the Codec has a key. The date fields of the
// header and parent header are removed, as are any binary buffers.
func (c *Codec) Decode(frames [][]byte) (*Message, error) {
	_, jFrames := SkipIdentities(frames)
	if err := jFrames.Verify(c.SignatureScheme, c.Key); err != nil {
		return nil, newMalformedMessageError(err, len(frames))
	}

	msg := &Message{}
	if err := jFrames.DecodeHeader(&msg.Header); err != nil {
		return nil, newMalformedMessageError(errors.Wrap(err, "header"), len(frames))
	}
	if err := jFrames.DecodeParentHeader(&msg.ParentHeader); err != nil {
		return nil, newMalformedMessageError(errors.Wrap(err, "parent_header"), len(frames))
	}
	if err := jFrames.DecodeMetadata(&msg.Metadata); err != nil {
		return nil, newMalformedMessageError(errors.Wrap(err, "metadata"), len(frames))
	}
	if err := jFrames.DecodeContent(&msg.Content); err != nil {
		return nil, newMalformedMessageError(errors.Wrap(err, "content"), len(frames))
	}

	msg.Header.Date = ""
	msg.ParentHeader.Date = ""
	if msg.Metadata == nil {
		msg.Metadata = map[string]interface{}{}
	}
	if msg.Content == nil {
		msg.Content = map[string]interface{}{}
	}

	return msg, nil
}

// Encode serializes a Message into signed bus frames. Routing identities are not included.
func (c *Codec) Encode(msg *Message) ([][]byte, error) {
	frames := NewJupyterFrames(len(msg.Buffers))

	if err := frames.EncodeHeader(&msg.Header); err != nil {
		return nil, errors.Wrap(err, "failed to encode header")
	}
	if err := frames.EncodeParentHeader(&msg.ParentHeader); err != nil {
		return nil, errors.Wrap(err, "failed to encode parent header")
	}
	if err := frames.EncodeMetadata(nonNil(msg.Metadata)); err != nil {
		return nil, errors.Wrap(err, "failed to encode metadata")
	}
	if err := frames.EncodeContent(nonNil(msg.Content)); err != nil {
		return nil, errors.Wrap(err, "failed to encode content")
	}

	if _, err := frames.Sign(c.SignatureScheme, c.Key); err != nil {
		return nil, err
	}

	return append(frames, msg.Buffers...), nil
}

// NewMessage creates a minimal message of the given type, carrying a fresh msg_id and the Codec's session.
func (c *Codec) NewMessage(msgType string, content map[string]interface{}) *Message {
	return &Message{
		Header: MessageHeader{
			MsgID:    uuid.NewString(),
			Username: c.Username,
			Session:  c.Session,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  JupyterMessageType(msgType),
			Version:  MessageVersion,
		},
		Metadata: map[string]interface{}{},
		Content:  nonNil(content),
	}
}

type transportRequest struct {
	Header       *MessageHeader         `json:"header"`
	ParentHeader MessageHeader          `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      map[string]interface{} `json:"content"`
	MsgType      string                 `json:"msg_type"`
}

// EncodeTransportRequest converts a JSON request received from the transport into a Message and its bus frames.
//
// The request is either a complete message, which is forwarded as-is with any missing msg_id or session filled in
// from the Codec, or a bare {"msg_type", "content"} pair, which is wrapped with a fresh header.
func (c *Codec) EncodeTransportRequest(raw []byte) (*Message, [][]byte, error) {
	var req transportRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil, newMalformedMessageError(err, 1)
	}

	var msg *Message
	switch {
	case req.Header != nil && req.Header.MsgType != "":
		msg = &Message{
			Header:       *req.Header,
			ParentHeader: req.ParentHeader,
			Metadata:     nonNil(req.Metadata),
			Content:      nonNil(req.Content),
		}
		if msg.Header.MsgID == "" {
			msg.Header.MsgID = uuid.NewString()
		}
		if msg.Header.Session == "" {
			msg.Header.Session = c.Session
		}
	case req.MsgType != "":
		msg = c.NewMessage(req.MsgType, req.Content)
	default:
		return nil, nil, newMalformedMessageError(ErrMissingMessageType, 1)
	}

	frames, err := c.Encode(msg)
	if err != nil {
		return nil, nil, err
	}

	return msg, frames, nil
}

// Reserialize converts bus frames into the JSON text that is written to the transport.
func (c *Codec) Reserialize(frames [][]byte) ([]byte, error) {
	msg, err := c.Decode(frames)
	if err != nil {
		return nil, err
	}

	return json.Marshal(msg)
}

// NewKernelDeadStatus returns the synthetic status message that is delivered to a client when the kernel stops
// answering heartbeats.
func NewKernelDeadStatus() *Message {
	return &Message{
		Header:   MessageHeader{MsgType: IOStatusMessage},
		Metadata: map[string]interface{}{},
		Content:  map[string]interface{}{"execution_state": MessageKernelStatusDead},
	}
}

func nonNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
