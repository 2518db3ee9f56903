package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func testManifest() *Manifest {
	return &Manifest{
		Scripts: map[string]ScriptInfo{
			"echo.sh": NewScriptInfo([]byte("printf '{\"msg\":\"%s\"}' \"$msg\"\n"), "/remote/echo.sh"),
		},
		Actions: []Action{
			{Name: "echo.sh", Params: map[string]any{"msg": "hi"}},
		},
	}
}

func TestStreamRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		actions []Action
		payload []byte
	}{
		{
			name: "single action",
			actions: []Action{
				{Name: "echo.sh", Params: map[string]any{"msg": "hi"}},
			},
		},
		{
			name: "action chain with secure params",
			actions: []Action{
				{
					Name:         "become.sh",
					Params:       map[string]any{"become_user": "SYSTEM"},
					SecureParams: map[string]any{"become_password": "hunter2"},
				},
				{Name: "async.sh", Params: map[string]any{"async_jid": "j123", "async_startup_timeout": int64(5)}},
				{Name: "echo.sh", Params: map[string]any{"msg": "hi"}},
			},
			payload: []byte("stdin payload\nwith a second line"),
		},
		{
			name: "payload containing sentinel bytes mid-line",
			actions: []Action{
				{Name: "echo.sh", Params: map[string]any{"msg": "hi"}},
			},
			payload: []byte("before \x00\x00\x00\x00 after"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManifest()
			m.Actions = tt.actions

			var buf bytes.Buffer
			if err := EncodeStream(&buf, m, tt.payload); err != nil {
				t.Fatalf("EncodeStream failed: %v", err)
			}

			pipeline, err := Decode(&buf)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			got := pipeline.Manifest
			if len(got.Actions) != len(tt.actions) {
				t.Fatalf("action count mismatch: got %d, want %d", len(got.Actions), len(tt.actions))
			}
			for i, want := range tt.actions {
				if got.Actions[i].Name != want.Name {
					t.Errorf("action %d name: got %q, want %q", i, got.Actions[i].Name, want.Name)
				}
				for k, v := range want.Params {
					if fmt.Sprintf("%v", got.Actions[i].Params[k]) != fmt.Sprintf("%v", v) {
						t.Errorf("action %d param %q: got %v, want %v", i, k, got.Actions[i].Params[k], v)
					}
				}
				for k := range want.SecureParams {
					if _, ok := got.Actions[i].SecureParams[k]; !ok {
						t.Errorf("action %d secure param %q missing", i, k)
					}
				}
			}

			payload, err := io.ReadAll(pipeline.Payload)
			if err != nil {
				t.Fatalf("read payload: %v", err)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload mismatch: got %q, want %q", payload, tt.payload)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   error
	}{
		{
			name:   "missing sentinel",
			stream: `{"scripts":{},"actions":[{"name":"a"}]}`,
			want:   ErrMissingSentinel,
		},
		{
			name:   "empty action queue",
			stream: `{"scripts":{},"actions":[]}` + "\n\x00\x00\x00\x00\n",
			want:   ErrNoActions,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.stream))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	stream := "{not json}\n\x00\x00\x00\x00\n"
	_, err := Decode(strings.NewReader(stream))
	if err == nil {
		t.Fatal("expected error for malformed manifest JSON")
	}
}

func TestNormalization(t *testing.T) {
	raw := `{
		"scripts": {},
		"actions": [{
			"name": "m.sh",
			"params": {
				"count": 3,
				"ratio": 0.5,
				"nested": {"deep": {"n": 9}},
				"list": [1, "two", {"three": 3}]
			}
		}]
	}`
	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	params := m.Actions[0].Params
	if v, ok := params["count"].(int64); !ok || v != 3 {
		t.Errorf("count: got %T(%v), want int64(3)", params["count"], params["count"])
	}
	if v, ok := params["ratio"].(float64); !ok || v != 0.5 {
		t.Errorf("ratio: got %T(%v), want float64(0.5)", params["ratio"], params["ratio"])
	}
	nested, ok := params["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested: got %T, want map[string]any", params["nested"])
	}
	deep, ok := nested["deep"].(map[string]any)
	if !ok {
		t.Fatalf("nested.deep: got %T, want map[string]any", nested["deep"])
	}
	if v, ok := deep["n"].(int64); !ok || v != 9 {
		t.Errorf("nested.deep.n: got %T(%v), want int64(9)", deep["n"], deep["n"])
	}
	list, ok := params["list"].([]any)
	if !ok || len(list) != 3 {
		t.Fatalf("list: got %T(%v)", params["list"], params["list"])
	}
	if _, ok := list[2].(map[string]any); !ok {
		t.Errorf("list[2]: got %T, want map[string]any", list[2])
	}
}

func TestDequeueAndTail(t *testing.T) {
	m := testManifest()
	m.Actions = []Action{
		{Name: "first.sh"},
		{Name: "second.sh"},
		{Name: "third.sh"},
	}

	head, ok := m.Dequeue()
	if !ok || head.Name != "first.sh" {
		t.Fatalf("Dequeue: got %q ok=%v, want first.sh", head.Name, ok)
	}

	tail := m.Tail()
	if len(tail.Actions) != 2 {
		t.Fatalf("tail length: got %d, want 2", len(tail.Actions))
	}
	if tail.Actions[0].Name != "second.sh" {
		t.Errorf("tail head: got %q, want second.sh", tail.Actions[0].Name)
	}

	// Consuming the tail must not disturb the parent queue.
	tail.Dequeue()
	if len(m.Actions) != 2 {
		t.Errorf("parent queue length after tail dequeue: got %d, want 2", len(m.Actions))
	}
}

func TestPipelineNext(t *testing.T) {
	m := testManifest()
	p, err := FromManifest(m, strings.NewReader(""))
	if err != nil {
		t.Fatalf("FromManifest failed: %v", err)
	}

	stage := p.Next()
	if stage.Kind != StageAction || stage.Action.Name != "echo.sh" {
		t.Fatalf("first stage: got kind=%d name=%q", stage.Kind, stage.Action.Name)
	}
	stage = p.Next()
	if stage.Kind != StageDone {
		t.Fatalf("second stage: got kind=%d, want StageDone", stage.Kind)
	}
}

func TestFromManifestEmptyQueue(t *testing.T) {
	_, err := FromManifest(&Manifest{}, strings.NewReader(""))
	if !errors.Is(err, ErrNoActions) {
		t.Errorf("got %v, want ErrNoActions", err)
	}
}

func TestBoundParamsSkipsUnresolvedSecure(t *testing.T) {
	action := Action{
		Name:         "m.sh",
		Params:       map[string]any{"msg": "hi"},
		SecureParams: map[string]any{"password": "s3cret", "extra_secret": "ignored"},
	}

	accepted := map[string]bool{"msg": true, "password": true}
	bound := action.BoundParams(accepted)

	if _, ok := bound["extra_secret"]; ok {
		t.Error("unresolved secure key was bound, want silent skip")
	}
	sec, ok := bound["password"].(SecureString)
	if !ok {
		t.Fatalf("password: got %T, want SecureString", bound["password"])
	}
	if sec.Reveal() != "s3cret" {
		t.Errorf("password reveal: got %q", sec.Reveal())
	}
	if bound["msg"] != "hi" {
		t.Errorf("msg: got %v", bound["msg"])
	}
}

func TestSecureStringRedaction(t *testing.T) {
	s := NewSecureString("topsecret")

	for _, rendered := range []string{
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%s", s),
		fmt.Sprintf("%#v", s),
	} {
		if strings.Contains(rendered, "topsecret") {
			t.Errorf("plaintext leaked through formatting: %q", rendered)
		}
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "topsecret") {
		t.Errorf("plaintext leaked through JSON: %s", data)
	}
}

func TestScriptSourceRoundTrip(t *testing.T) {
	source := []byte("#!/bin/sh\nexit 0\n")
	info := NewScriptInfo(source, "/tmp/x.sh")
	got, err := info.Source()
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	if !bytes.Equal(got, source) {
		t.Errorf("source mismatch: got %q", got)
	}
}

func TestUnknownScript(t *testing.T) {
	m := testManifest()
	_, err := m.Script("missing.sh")
	if !errors.Is(err, ErrUnknownScript) {
		t.Errorf("got %v, want ErrUnknownScript", err)
	}
}
