package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageTurn(t *testing.T) {
	raw := []byte(`{"type":"client_turn","persona_id":"coach","text":"hello","ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	turn, ok := msg.(ClientTurn)
	if !ok {
		t.Fatalf("message type = %T, want ClientTurn", msg)
	}
	if turn.PersonaID != "coach" || turn.Text != "hello" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if turn.TSMs != 123 {
		t.Fatalf("TSMs = %d, want %d", turn.TSMs, 123)
	}
}

func TestParseClientMessageRejectsEmptyText(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"client_turn","text":""}`)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageCancel(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_cancel"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(ClientCancel); !ok {
		t.Fatalf("message type = %T, want ClientCancel", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsBadJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func BenchmarkParseClientMessageTurn(b *testing.B) {
	raw := []byte(`{"type":"client_turn","persona_id":"companion","text":"tell me something interesting","ts_ms":123456}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ClientTurn); !ok {
			b.Fatalf("message type = %T, want ClientTurn", msg)
		}
	}
}
