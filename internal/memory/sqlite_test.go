package memory

import (
	"path/filepath"
	"testing"

	"github.com/parleyhq/parley/internal/transcript"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	user := transcript.NewMessage(transcript.RoleUser, "what's the weather in Berlin?")
	assistant := transcript.NewMessage(transcript.RoleAssistant, "",
		transcript.InvocationPart(transcript.ToolInvocation{
			ToolName: "getWeatherInformation",
			ID:       "inv-1",
			Args:     map[string]any{"city": "Berlin"},
			State:    transcript.StateResult,
			Result:   "APPROVAL_YES",
		}))

	if err := s.Append("conv-1", user, assistant); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	msgs, err := s.Messages("conv-1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "what's the weather in Berlin?" {
		t.Errorf("content = %q", msgs[0].Content)
	}
	inv := msgs[1].Parts[0].ToolInvocation
	if inv == nil || inv.ToolName != "getWeatherInformation" || inv.Args["city"] != "Berlin" {
		t.Errorf("invocation part lost on round trip: %+v", inv)
	}
}

func TestSQLiteStoreOrderAcrossAppends(t *testing.T) {
	s := newTestSQLiteStore(t)

	_ = s.Append("conv-1", transcript.NewMessage(transcript.RoleUser, "first"))
	_ = s.Append("conv-1", transcript.NewMessage(transcript.RoleAssistant, "second"))
	_ = s.Append("conv-1", transcript.NewMessage(transcript.RoleUser, "third"))

	msgs, err := s.Messages("conv-1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, w)
		}
	}
}

func TestSQLiteStoreReplaceUpdatesToolCallMirror(t *testing.T) {
	s := newTestSQLiteStore(t)

	pending := transcript.NewMessage(transcript.RoleAssistant, "",
		transcript.InvocationPart(transcript.ToolInvocation{
			ToolName: "getWeatherInformation",
			ID:       "inv-1",
			Args:     map[string]any{"city": "Berlin"},
			State:    transcript.StateResult,
			Result:   "APPROVAL_YES",
		}))
	if err := s.Append("conv-1", pending); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	resolved := pending.Clone()
	resolved.Parts[0].ToolInvocation.Result = "sunny, 24C"
	if err := s.Replace("conv-1", []transcript.Message{resolved}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	calls, err := s.ToolCalls("conv-1")
	if err != nil {
		t.Fatalf("ToolCalls failed: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].Result != "sunny, 24C" {
		t.Errorf("mirrored result = %q, want resolved outcome", calls[0].Result)
	}
	if calls[0].ToolName != "getWeatherInformation" {
		t.Errorf("tool name = %q", calls[0].ToolName)
	}
}

func TestSQLiteStoreConversationsAndClear(t *testing.T) {
	s := newTestSQLiteStore(t)

	_ = s.Append("conv-a", transcript.NewMessage(transcript.RoleUser, "a"))
	_ = s.Append("conv-b", transcript.NewMessage(transcript.RoleUser, "b"))

	infos, err := s.Conversations()
	if err != nil {
		t.Fatalf("Conversations failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d conversations, want 2", len(infos))
	}

	if err := s.Clear("conv-a"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	msgs, _ := s.Messages("conv-a")
	if len(msgs) != 0 {
		t.Errorf("conv-a survived Clear")
	}
	infos, _ = s.Conversations()
	if len(infos) != 1 || infos[0].ID != "conv-b" {
		t.Errorf("conversations after Clear = %+v", infos)
	}
}

func TestSQLiteStoreImplementsStore(t *testing.T) {
	var _ Store = (*SQLiteStore)(nil)
	var _ Store = (*MemStore)(nil)
}
