package channel

import (
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/domain"

	"github.com/google/uuid"
)

// ErrNoConversation is wrapped in the ParseError for messages that name
// neither a chat nor a sender; replies to them could not be routed.
var ErrNoConversation = errors.New("message has neither conversation nor sender")

// routable drops messages without a conversation. With nothing left the
// error says whether the payload had no messages or only unroutable ones.
func routable(platform domain.Platform, msgs []*domain.Message) ([]*domain.Message, error) {
	var out []*domain.Message
	for _, m := range msgs {
		if m.ConversationID != "" {
			out = append(out, m)
		}
	}
	switch {
	case len(out) > 0:
		return out, nil
	case len(msgs) > 0:
		return nil, &domain.ParseError{Platform: platform, Err: ErrNoConversation}
	default:
		return nil, &domain.ParseError{Platform: platform, Err: ErrNoMessage}
	}
}

// jsonKeys lists the object keys the struct type of v decodes.
func jsonKeys(v any) []string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	keys := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			continue
		case "":
			name = f.Name
		}
		keys = append(keys, name)
	}
	return keys
}

// newMessageID is used when a provider payload has no message id.
func newMessageID() string {
	return uuid.NewString()
}

// unknownFields decodes every key of obj not listed in known, for Message.Metadata.
func unknownFields(obj json.RawMessage, known ...string) map[string]any {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil
	}
	skip := make(map[string]bool, len(known))
	for _, k := range known {
		skip[k] = true
	}
	var out map[string]any
	for k, raw := range fields {
		if skip[k] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out
}

func mergeMeta(m *domain.Message, extra map[string]any) {
	for k, v := range extra {
		m.SetMeta(k, v)
	}
}

// unixSeconds parses a unix timestamp that providers send either as a string or a number.
// Missing or malformed values fall back to now.
func unixSeconds(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Now()
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return time.Unix(n, 0)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return time.Unix(n, 0)
		}
	}
	return time.Now()
}

// mediaType maps provider attachment kinds onto the canonical message types.
func mediaType(kind string) domain.MessageType {
	switch kind {
	case "image", "sticker", "photo":
		return domain.MessageImage
	case "audio", "voice":
		return domain.MessageAudio
	case "video", "video_note":
		return domain.MessageVideo
	case "text", "":
		return domain.MessageText
	default:
		return domain.MessageFile
	}
}
