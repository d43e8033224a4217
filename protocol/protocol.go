package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// HeaderSize is the length of the frame prefix.
const HeaderSize = 4

// DefaultMaxFrameSize bounds a single JSON payload.
const DefaultMaxFrameSize = 1 << 20

var (
	ErrProtocol = errors.New("protocol violation")

	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds maximum size", ErrProtocol)
	ErrEmptyFrame    = fmt.Errorf("%w: empty frame", ErrProtocol)
	ErrShortFrame    = fmt.Errorf("%w: truncated frame", ErrProtocol)
	ErrMalformedJSON = fmt.Errorf("%w: malformed payload", ErrProtocol)
	ErrUnknownType   = fmt.Errorf("%w: unknown message type", ErrProtocol)
)

// MessageType is the tag carried by every frame. The numeric values are
// part of the wire format.
type MessageType int

const (
	TypeText MessageType = iota
	TypeImage
	TypeFile
	TypeVoice
	TypeVideo
	TypeSystem
	TypeLogin
	TypeLogout
	TypeRegister
	TypeLoginResponse
	TypeError
	TypeHeartbeat
	TypeRegisterResponse
	TypeChat
	TypeGetChatHistory
	TypeChatHistoryResponse
	TypeGetFriendList
	TypeFriendListResponse
	TypeFriendRequest
	TypeFriendRequestNotification
	TypeFriendRequestResponse
	TypeFriendResponse

	typeCount
)

var typeNames = [typeCount]string{
	"TEXT", "IMAGE", "FILE", "VOICE", "VIDEO", "SYSTEM",
	"LOGIN", "LOGOUT", "REGISTER", "LOGIN_RESPONSE", "ERROR", "HEARTBEAT",
	"REGISTER_RESPONSE", "CHAT", "GET_CHAT_HISTORY", "CHAT_HISTORY_RESPONSE",
	"GET_FRIEND_LIST", "FRIEND_LIST_RESPONSE", "FRIEND_REQUEST",
	"FRIEND_REQUEST_NOTIFICATION", "FRIEND_REQUEST_RESPONSE", "FRIEND_RESPONSE",
}

// Valid reports whether t is one of the recognized tags.
func (t MessageType) Valid() bool {
	return t >= 0 && t < typeCount
}

func (t MessageType) String() string {
	if !t.Valid() {
		return "MessageType(" + strconv.Itoa(int(t)) + ")"
	}
	return typeNames[t]
}

// Message is the envelope exchanged on the wire.
type Message struct {
	ID         int64       `json:"messageId"`
	SenderID   int64       `json:"senderId"`
	ReceiverID int64       `json:"receiverId"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	Timestamp  int64       `json:"timestamp"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(sender, receiver int64, typ MessageType, content string) Message {
	return Message{
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       typ,
		Content:    content,
		Timestamp:  time.Now().Unix(),
	}
}

// Marshal returns the JSON payload of m without the length prefix.
func Marshal(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, ErrUnknownType
	}
	return json.Marshal(m)
}

// Unmarshal decodes a JSON payload (no prefix).
func Unmarshal(payload []byte) (Message, error) {
	var m Message
	if len(payload) == 0 {
		return m, ErrEmptyFrame
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, int(m.Type))
	}
	return m, nil
}

// Encode returns a complete frame for m.
func Encode(m Message) ([]byte, error) {
	payload, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(payload) > DefaultMaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.NativeEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Decode decodes exactly one complete frame.
func Decode(frame []byte) (Message, error) {
	m, err := NewReader(bytes.NewReader(frame), DefaultMaxFrameSize).ReadMessage()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Message{}, ErrShortFrame
	}
	return m, err
}

// Reader decodes frames from a byte stream.
type Reader struct {
	r        io.Reader
	maxFrame uint32
	header   [HeaderSize]byte
}

func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reader{r: r, maxFrame: uint32(maxFrame)}
}

// ReadMessage blocks until a full frame is available. The length prefix is
// validated before the body buffer is allocated. io.EOF is returned only
// when the stream ends cleanly between frames.
func (r *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		return Message{}, err
	}
	n := binary.NativeEndian.Uint32(r.header[:])
	if n == 0 {
		return Message{}, ErrEmptyFrame
	}
	if n > r.maxFrame {
		return Message{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, r.maxFrame)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return Unmarshal(body)
}

// Writer encodes frames onto a byte stream. It is not safe for concurrent use.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteMessage(m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	return w.WriteFrame(frame)
}

// WriteFrame writes an already encoded frame.
func (w *Writer) WriteFrame(frame []byte) error {
	_, err := w.w.Write(frame)
	return err
}
