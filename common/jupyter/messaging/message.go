package messaging

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

const (
	MessageHeaderDefaultUsername = "username"
	MessageVersion               = "5.3"

	IOStatusMessage      = "status"
	IOExecuteResult      = "execute_result"
	IOPyOut              = "pyout"
	IODisplayData        = "display_data"
	IOStream             = "stream"
	IOError              = "error"
	ShellExecuteRequest  = "execute_request"
	ShellExecuteReply    = "execute_reply"
	KernelInfoRequest    = "kernel_info_request"
	KernelInfoReply      = "kernel_info_reply"

	MessageStatusOK      = "ok"
	MessageStatusError   = "error"
	MessageStatusAborted = "aborted"

	MessageKernelStatusBusy = "busy"
	MessageKernelStatusIdle = "idle"
	MessageKernelStatusDead = "dead"
)

type JupyterMessageType string

func (t JupyterMessageType) String() string {
	return string(t)
}

// GetBaseMessageType returns the base portion of the Jupyter message type.
//
// If the message type is "execute_request", then this returns "execute_" and true.
//
// If the message type is not of the form "{action}_request" or "{action}_reply", then this
// returns the empty string and false.
func (t JupyterMessageType) GetBaseMessageType() (string, bool) {
	if strings.HasSuffix(t.String(), "request") {
		return t.String()[0 : len(t.String())-7], true
	} else if strings.HasSuffix(t.String(), "reply") {
		return t.String()[0 : len(t.String())-5], true
	}

	return "", false
}

// IsDisplayEvent returns true for the iopub message types that carry a rich representation of a result.
func (t JupyterMessageType) IsDisplayEvent() bool {
	switch t {
	case IOExecuteResult, IOPyOut, IODisplayData:
		return true
	default:
		return false
	}
}

// FramesToString returns a string of the given frames.
func FramesToString(frames [][]byte) string {
	if len(frames) == 0 {
		return "[]"
	}

	var sb strings.Builder
	sb.WriteString("[")
	for i, frame := range frames {
		sb.WriteString("\"")
		sb.Write(frame)
		sb.WriteString("\"")

		if i+1 < len(frames) {
			sb.WriteString(", ")
		}
	}
	sb.WriteString("]")

	return sb.String()
}

// Message is the decoded, structured form of a Jupyter message.
//
// Buffers are carried between the bus and the codec only. They are never written to the transport.
type Message struct {
	Header       MessageHeader          `json:"header"`
	ParentHeader MessageHeader          `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      map[string]interface{} `json:"content"`
	Buffers      [][]byte               `json:"-"`
}

func (msg *Message) String() string {
	m, err := json.Marshal(msg)
	if err != nil {
		return fmt.Sprintf("Message[%s: %v]", msg.Header.MsgID, err)
	}

	return string(m)
}

// Type returns the msg_type of the message.
func (msg *Message) Type() JupyterMessageType {
	return msg.Header.MsgType
}

// IsReplyTo returns true if the message's parent header names the given request id and session.
func (msg *Message) IsReplyTo(msgID string, session string) bool {
	return msg.ParentHeader.MsgID == msgID && msg.ParentHeader.Session == session
}

// DecodeContent decodes the message's content into the given typed structure.
func (msg *Message) DecodeContent(out any) error {
	encoded, err := json.Marshal(msg.Content)
	if err != nil {
		return err
	}

	return json.Unmarshal(encoded, out)
}

// MessageHeader is a Jupyter message header.
// http://jupyter-client.readthedocs.io/en/latest/messaging.html#general-message-format
//
// Every field is optional so that an empty parent header is encoded as "{}".
type MessageHeader struct {
	MsgID    string             `json:"msg_id,omitempty"`
	Username string             `json:"username,omitempty"`
	Session  string             `json:"session,omitempty"`
	Date     string             `json:"date,omitempty"`
	MsgType  JupyterMessageType `json:"msg_type,omitempty"`
	Version  string             `json:"version,omitempty"`
}

// IsEmpty returns true if no field of the header is set.
func (header *MessageHeader) IsEmpty() bool {
	return *header == MessageHeader{}
}

func (header *MessageHeader) String() string {
	return fmt.Sprintf("MessageHeader[MsgId=%s,MsgType=%s,Session=%s]", header.MsgID, header.MsgType, header.Session)
}
