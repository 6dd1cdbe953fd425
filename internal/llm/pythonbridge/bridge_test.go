package pythonbridge

import "testing"

func TestDecodeReply(t *testing.T) {
	cases := map[string]string{
		`{"reply":"Final Answer: 3"}`: "Final Answer: 3",
		"  Final Answer: plain\n":     "Final Answer: plain",
	}
	for in, want := range cases {
		got, err := decodeReply([]byte(in))
		if err != nil {
			t.Fatalf("decode %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("decode %q = %q, want %q", in, got, want)
		}
	}
	if _, err := decodeReply([]byte(`{"error":"boom"}`)); err == nil {
		t.Fatalf("expected script error to surface")
	}
	if _, err := decodeReply(nil); err == nil {
		t.Fatalf("expected error for empty output")
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/srv", "bridge.py"); got != "/srv/bridge.py" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/srv", "/abs/bridge.py"); got != "/abs/bridge.py" {
		t.Fatalf("unexpected path %s", got)
	}
}
