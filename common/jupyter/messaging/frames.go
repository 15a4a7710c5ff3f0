package messaging

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"
)

const (
	JupyterSignatureScheme = "hmac-sha256"
)

const (
	JupyterFrameStart int = iota
	JupyterFrameSignature
	JupyterFrameHeader
	JupyterFrameParentHeader
	JupyterFrameMetadata
	JupyterFrameContent
	JupyterFrameBuffers
)

var (
	JupyterFrameIDSMSG = []byte("<IDS|MSG>")
	JupyterFrameEmpty  = []byte("{}")
)

// SkipIdentities returns the routing identities that precede the "<IDS|MSG>" delimiter and the remaining frames,
// starting at the delimiter. If there is no delimiter, the offset equals len(frames).
func SkipIdentities(frames [][]byte) ([][]byte, JupyterFrames) {
	for i, frame := range frames {
		if bytes.Equal(frame, JupyterFrameIDSMSG) {
			return frames[:i], frames[i:]
		}
	}
	return frames, nil
}

// JupyterFrames provides a simple way to access the frames of a Jupyter message.
// A valid JupyterFrames will have at least 6 frames, call Validate() to check before calling other methods.
// 0: <IDS|MSG>, 1: Signature, 2: Header, 3: ParentHeader, 4: Metadata, 5: Content[, 6...: Buffers]
type JupyterFrames [][]byte

func NewJupyterFrames(numBuffers int) JupyterFrames {
	frames := make(JupyterFrames, JupyterFrameContent+1, JupyterFrameBuffers+numBuffers)
	frames[JupyterFrameStart] = JupyterFrameIDSMSG
	frames[JupyterFrameSignature] = []byte{}
	frames[JupyterFrameHeader] = JupyterFrameEmpty
	frames[JupyterFrameParentHeader] = JupyterFrameEmpty
	frames[JupyterFrameMetadata] = JupyterFrameEmpty
	frames[JupyterFrameContent] = JupyterFrameEmpty
	return frames
}

func (frames JupyterFrames) String() string {
	return FramesToString(frames)
}

func (frames JupyterFrames) Validate() error {
	if len(frames) <= JupyterFrameContent {
		return ErrInvalidJupyterMessage
	} else if !bytes.Equal(frames[JupyterFrameStart], JupyterFrameIDSMSG) {
		return ErrInvalidJupyterMessage
	}
	return nil
}

// Verify checks the signature frame. An empty key means signing is disabled and any signature is accepted.
func (frames JupyterFrames) Verify(signatureScheme string, key []byte) error {
	if err := frames.Validate(); err != nil {
		return err
	} else if len(key) == 0 {
		return nil
	} else if signatureScheme != JupyterSignatureScheme {
		return ErrNotSupportedSignatureScheme
	} else if !frames.verify(key) {
		return ErrInvalidJupyterSignature
	}
	return nil
}

// Sign writes the hex-encoded signature into the signature frame. An empty key leaves the signature empty.
func (frames JupyterFrames) Sign(signatureScheme string, key []byte) (JupyterFrames, error) {
	if len(key) == 0 {
		frames[JupyterFrameSignature] = []byte{}
		return frames, nil
	}

	if signatureScheme != JupyterSignatureScheme {
		return frames, ErrNotSupportedSignatureScheme
	}

	signature := frames.sign(key)
	encoded := make([]byte, hex.EncodedLen(len(signature)))
	hex.Encode(encoded, signature)
	frames[JupyterFrameSignature] = encoded
	return frames, nil
}

func (frames JupyterFrames) EncodeHeader(in any) (err error) {
	frames[JupyterFrameHeader], err = json.Marshal(in)
	return err
}

func (frames JupyterFrames) DecodeHeader(out any) error {
	return json.Unmarshal(frames[JupyterFrameHeader], out)
}

func (frames JupyterFrames) EncodeParentHeader(in any) (err error) {
	frames[JupyterFrameParentHeader], err = json.Marshal(in)
	return err
}

func (frames JupyterFrames) DecodeParentHeader(out any) error {
	return json.Unmarshal(frames[JupyterFrameParentHeader], out)
}

func (frames JupyterFrames) EncodeMetadata(in any) (err error) {
	frames[JupyterFrameMetadata], err = json.Marshal(in)
	return err
}

func (frames JupyterFrames) DecodeMetadata(out any) error {
	return json.Unmarshal(frames[JupyterFrameMetadata], out)
}

func (frames JupyterFrames) EncodeContent(in any) (err error) {
	frames[JupyterFrameContent], err = json.Marshal(in)
	return err
}

func (frames JupyterFrames) DecodeContent(out any) error {
	return json.Unmarshal(frames[JupyterFrameContent], out)
}

// Buffers returns the raw buffer frames that follow the content frame.
func (frames JupyterFrames) Buffers() [][]byte {
	if len(frames) > JupyterFrameBuffers {
		return frames[JupyterFrameBuffers:]
	}
	return nil
}

func (frames JupyterFrames) verify(signkey []byte) bool {
	expect := frames.sign(signkey)
	signature := make([]byte, hex.DecodedLen(len(frames[JupyterFrameSignature])))
	if _, err := hex.Decode(signature, frames[JupyterFrameSignature]); err != nil {
		return false
	}
	return hmac.Equal(expect, signature)
}

// sign computes the HMAC over the header, parent header, metadata and content frames.
func (frames JupyterFrames) sign(signkey []byte) []byte {
	mac := hmac.New(sha256.New, signkey)
	for _, msgpart := range frames[JupyterFrameHeader : JupyterFrameContent+1] {
		mac.Write(msgpart)
	}
	return mac.Sum(nil)
}
