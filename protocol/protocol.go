package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrDecode        = errors.New("malformed frame")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// MaxFrameSize ограничивает размер одного кадра, чтобы сломанный или
// враждебный клиент не заставил буферизовать бесконечный поток.
const MaxFrameSize = 64 * 1024

// Actions
const (
	ActionPresence      = "presence"
	ActionMessage       = "message"
	ActionGetContacts   = "get_contacts"
	ActionAddContact    = "add_contact"
	ActionDelContact    = "del_contact"
	ActionUsersRequest  = "users_request"
	ActionPubkeyRequest = "pubkey_request"
	ActionExit          = "exit"
)

// Response codes. Код 511 перегружен: во время аутентификации это
// challenge-нонс, после — открытый ключ пользователя. Различаются они
// только состоянием соединения; это сознательно сохранено как есть.
const (
	ResponseOK        = 200
	ResponseAccepted  = 202
	ResponseError     = 400
	ResponseChallenge = 511
)

// Frame keys
const (
	KeyAction      = "action"
	KeyTime        = "time"
	KeyResponse    = "response"
	KeyAlert       = "alert"
	KeyError       = "error"
	KeyUser        = "user"
	KeyAccountName = "account_name"
	KeyFrom        = "from"
	KeyTo          = "to"
	KeyContact     = "contact"
	KeyMessageText = "message_text"
	KeyPublicKey   = "pubkey"
	KeyData        = "data"
	KeyDataList    = "data_list"
)

// Message is one wire frame: a flat JSON object keyed by the constants above.
type Message map[string]any

// Encode serializes a message into a single newline-terminated JSON frame.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return append(data, '\n'), nil
}

// Decode parses one frame (without the trailing newline). Any malformed or
// truncated input is reported as ErrDecode.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return msg, nil
}

// Str returns a string field, or "" if absent or of another type.
func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

// Action returns the action field of the frame.
func (m Message) Action() string {
	return m.Str(KeyAction)
}

// Response returns the status code of a reply frame.
// Числа из JSON приходят как float64.
func (m Message) Response() (int, bool) {
	switch v := m[KeyResponse].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// StrList returns a list field as a string slice.
func (m Message) StrList(key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	var items []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			items = append(items, s)
		}
	}
	return items
}
