package protocol

import (
	"bytes"
	"errors"
	"io"
)

// Op codes carried as a single raw byte on the stream, ahead of any
// framed payload. 0 and 1 double as raw status reply bytes.
const (
	OpSuccess       = 0x00
	OpFailure       = 0x01
	OpRoomMessage   = 0x03
	OpDirectMessage = 0x04
	OpBroadcast     = 0x05
	OpJoinRoom      = 0x06
	OpLogout        = 0x07
	OpListRooms     = 0x08
	OpLeaveRoom     = 0x09
	OpProbe         = 0x0A // liveness sentinel, echoed verbatim
	OpRoomMembers   = 0x0B
)

// Service envelope kinds, used exactly once right after the channel is
// secured.
const (
	KindLogon    = 0x00
	KindRegister = 0x01
)

// Logon/registration reply status bytes.
const (
	StatusSuccess = 0x00
	StatusFailure = 0x01
)

// ErrMalformedMessage indicates a payload whose declared sub-field
// lengths do not line up with the bytes actually present. Every length
// field is attacker-controlled and is validated before slicing.
var ErrMalformedMessage = errors.New("malformed message payload")

// Message is implemented by all fixed-layout protocol messages.
type Message interface {
	// EncodeTo serializes the message directly to a writer.
	EncodeTo(w io.Writer) error
	// Encode serializes the message to bytes (convenience wrapper).
	Encode() ([]byte, error)
	// Decode deserializes the message, validating all declared lengths.
	Decode(payload []byte) error
}

// encode is the shared Encode-via-EncodeTo helper.
func encode(m interface{ EncodeTo(io.Writer) error }) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ServiceMessage is the typed outer envelope selecting logon or
// registration: [kind (1 byte)][opaque payload].
type ServiceMessage struct {
	Kind uint8
	Data []byte
}

func (m *ServiceMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.Kind); err != nil {
		return err
	}
	_, err := w.Write(m.Data)
	return err
}

func (m *ServiceMessage) Encode() ([]byte, error) { return encode(m) }

func (m *ServiceMessage) Decode(payload []byte) error {
	if len(payload) < 1 {
		return ErrMalformedMessage
	}
	kind := payload[0]
	if kind != KindLogon && kind != KindRegister {
		return ErrMalformedMessage
	}
	m.Kind = kind
	m.Data = payload[1:]
	return nil
}

// Credentials carry login and password as length-prefixed UTF-8:
// [loginLen (4)][passLen (4)][login][password].
type Credentials struct {
	Login    string
	Password string
}

func (m *Credentials) EncodeTo(w io.Writer) error {
	login, pass := []byte(m.Login), []byte(m.Password)
	if err := WriteUint32(w, uint32(len(login))); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(len(pass))); err != nil {
		return err
	}
	if _, err := w.Write(login); err != nil {
		return err
	}
	_, err := w.Write(pass)
	return err
}

func (m *Credentials) Encode() ([]byte, error) { return encode(m) }

func (m *Credentials) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	loginLen, err := ReadUint32(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	passLen, err := ReadUint32(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	login, err := readSlice(buf, loginLen, buf.Len())
	if err != nil {
		return err
	}
	pass, err := readSlice(buf, passLen, buf.Len())
	if err != nil {
		return err
	}
	m.Login = string(login)
	m.Password = string(pass)
	return nil
}

// LogonResponse is the encrypted reply to the service envelope:
// [status (1 byte)][msgLen (4)][message].
type LogonResponse struct {
	Status  uint8
	Message string
}

func (m *LogonResponse) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.Status); err != nil {
		return err
	}
	msg := []byte(m.Message)
	if err := WriteUint32(w, uint32(len(msg))); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func (m *LogonResponse) Encode() ([]byte, error) { return encode(m) }

func (m *LogonResponse) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	status, err := ReadUint8(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	msgLen, err := ReadUint32(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	msg, err := readSlice(buf, msgLen, buf.Len())
	if err != nil {
		return err
	}
	m.Status = status
	m.Message = string(msg)
	return nil
}

// ChatMessage is the room/direct/broadcast payload. The leading type
// byte repeats the op code (3, 4 or 5) and is part of the payload:
// [type (1)][srcLen (4)][destLen (4)][msgLen (4)][src][dest][msg].
// Dest is a room name for 3, a login for 4 and ignored for 5.
type ChatMessage struct {
	Type    uint8
	Source  string
	Dest    string
	Message string
}

func (m *ChatMessage) EncodeTo(w io.Writer) error {
	src, dest, msg := []byte(m.Source), []byte(m.Dest), []byte(m.Message)
	if err := WriteUint8(w, m.Type); err != nil {
		return err
	}
	for _, n := range []uint32{uint32(len(src)), uint32(len(dest)), uint32(len(msg))} {
		if err := WriteUint32(w, n); err != nil {
			return err
		}
	}
	for _, b := range [][]byte{src, dest, msg} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func (m *ChatMessage) Encode() ([]byte, error) { return encode(m) }

func (m *ChatMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	typ, err := ReadUint8(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	if typ != OpRoomMessage && typ != OpDirectMessage && typ != OpBroadcast {
		return ErrMalformedMessage
	}
	srcLen, err := ReadUint32(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	destLen, err := ReadUint32(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	msgLen, err := ReadUint32(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	src, err := readSlice(buf, srcLen, buf.Len())
	if err != nil {
		return err
	}
	dest, err := readSlice(buf, destLen, buf.Len())
	if err != nil {
		return err
	}
	msg, err := readSlice(buf, msgLen, buf.Len())
	if err != nil {
		return err
	}
	m.Type = typ
	m.Source = string(src)
	m.Dest = string(dest)
	m.Message = string(msg)
	return nil
}

// JoinRoomMessage: [6 (1)][roomLen (4)][passLen (4)][room][password].
type JoinRoomMessage struct {
	Room     string
	Password string
}

func (m *JoinRoomMessage) EncodeTo(w io.Writer) error {
	room, pass := []byte(m.Room), []byte(m.Password)
	if err := WriteUint8(w, OpJoinRoom); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(len(room))); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(len(pass))); err != nil {
		return err
	}
	if _, err := w.Write(room); err != nil {
		return err
	}
	_, err := w.Write(pass)
	return err
}

func (m *JoinRoomMessage) Encode() ([]byte, error) { return encode(m) }

func (m *JoinRoomMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	typ, err := ReadUint8(buf)
	if err != nil || typ != OpJoinRoom {
		return ErrMalformedMessage
	}
	roomLen, err := ReadUint32(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	passLen, err := ReadUint32(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	room, err := readSlice(buf, roomLen, buf.Len())
	if err != nil {
		return err
	}
	pass, err := readSlice(buf, passLen, buf.Len())
	if err != nil {
		return err
	}
	m.Room = string(room)
	m.Password = string(pass)
	return nil
}

// RoomNameMessage carries a bare room name: [roomLen (4)][room]. It is
// the body of the leave-room (op 9) and room-members (op 11) commands.
type RoomNameMessage struct {
	Room string
}

func (m *RoomNameMessage) EncodeTo(w io.Writer) error {
	room := []byte(m.Room)
	if err := WriteUint32(w, uint32(len(room))); err != nil {
		return err
	}
	_, err := w.Write(room)
	return err
}

func (m *RoomNameMessage) Encode() ([]byte, error) { return encode(m) }

func (m *RoomNameMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	roomLen, err := ReadUint32(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	room, err := readSlice(buf, roomLen, buf.Len())
	if err != nil {
		return err
	}
	m.Room = string(room)
	return nil
}

// NameList is the reply layout shared by the room-list (op 8) and
// room-members (op 11) responses:
// [0 (1)][count (4)][(len (4) + bytes) x count].
type NameList struct {
	Names []string
}

func (m *NameList) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, StatusSuccess); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(len(m.Names))); err != nil {
		return err
	}
	for _, name := range m.Names {
		b := []byte(name)
		if err := WriteUint32(w, uint32(len(b))); err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func (m *NameList) Encode() ([]byte, error) { return encode(m) }

func (m *NameList) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	if _, err := ReadUint8(buf); err != nil {
		return ErrMalformedMessage
	}
	count, err := ReadUint32(buf)
	if err != nil {
		return ErrMalformedMessage
	}
	// Each entry is at least a 4-byte length, which bounds count against
	// the remaining buffer before any allocation.
	if int64(count)*4 > int64(buf.Len()) {
		return ErrMalformedMessage
	}
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		nameLen, err := ReadUint32(buf)
		if err != nil {
			return ErrMalformedMessage
		}
		name, err := readSlice(buf, nameLen, buf.Len())
		if err != nil {
			return err
		}
		names = append(names, string(name))
	}
	m.Names = names
	return nil
}
