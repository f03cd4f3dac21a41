package decode

import (
	"encoding/json"
	"testing"
)

type sendPayload struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
}

func TestDecodeMapFromJSONNumbers(t *testing.T) {
	// JSON 反序列化出来的数字是 float64，要能落回 int64
	var m map[string]any
	if err := json.Unmarshal([]byte(`{"conversation_id":100,"content":"hi"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p, err := DecodeMap[sendPayload](m)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ConversationID != 100 || p.Content != "hi" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestDecodeMapNil(t *testing.T) {
	if _, err := DecodeMap[sendPayload](nil); err == nil {
		t.Fatalf("nil map accepted")
	}
}

func TestDecodeMapWeakTyping(t *testing.T) {
	p, err := DecodeMap[sendPayload](map[string]any{"conversation_id": "100", "content": "hi"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ConversationID != 100 {
		t.Fatalf("weak typing failed: %+v", p)
	}
}
