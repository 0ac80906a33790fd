package mcp

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"sync_server/config"
	"sync_server/core/port/in"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRetrieve struct {
	lastUser   string
	lastPrompt string
	result     *in.RetrievalResult
	err        error
}

func (f *fakeRetrieve) RetrieveDocuments(ctx context.Context, userID, prompt string) (*in.RetrievalResult, error) {
	f.lastUser = userID
	f.lastPrompt = prompt
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeTools struct {
	lastName   string
	lastParams map[string]interface{}
	result     *in.ToolResult
}

func (f *fakeTools) CallTool(ctx context.Context, userID, toolName string, params map[string]interface{}) *in.ToolResult {
	f.lastName = toolName
	f.lastParams = params
	return f.result
}

func (f *fakeTools) ListTools() []string {
	return []string{"move_email", "send_email"}
}

// =============================================================================
// Harness
// =============================================================================

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

func newTestServer(t *testing.T, retrieve *fakeRetrieve, tools *fakeTools) (*Server, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{ToolUserID: "u1"}
	out := &bytes.Buffer{}
	return NewServer(cfg, retrieve, tools, strings.NewReader(""), out), out
}

func roundTrip(t *testing.T, s *Server, out *bytes.Buffer, frame string) *wireResponse {
	t.Helper()
	out.Reset()
	s.handle(context.Background(), []byte(frame))
	line := strings.TrimSpace(out.String())
	if line == "" {
		return nil
	}
	var res wireResponse
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		t.Fatalf("response not JSON: %v\n%s", err, line)
	}
	return &res
}

func decodeCallResult(t *testing.T, res *wireResponse) *callResult {
	t.Helper()
	if res == nil || res.Result == nil {
		t.Fatalf("no result in response: %+v", res)
	}
	var cr callResult
	if err := json.Unmarshal(res.Result, &cr); err != nil {
		t.Fatalf("result not a call result: %v", err)
	}
	if len(cr.Content) == 0 {
		t.Fatal("call result has no content")
	}
	return &cr
}

// =============================================================================
// Tests
// =============================================================================

func TestInitialize(t *testing.T) {
	s, out := newTestServer(t, &fakeRetrieve{}, &fakeTools{})

	res := roundTrip(t, s, out, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if res.Error != nil {
		t.Fatalf("initialize error = %+v", res.Error)
	}
	if !strings.Contains(string(res.Result), serverName) {
		t.Errorf("result missing server name: %s", res.Result)
	}
}

func TestToolsList(t *testing.T) {
	s, out := newTestServer(t, &fakeRetrieve{}, &fakeTools{})

	res := roundTrip(t, s, out, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	var listing struct {
		Tools []toolDef `json:"tools"`
	}
	if err := json.Unmarshal(res.Result, &listing); err != nil {
		t.Fatalf("tools/list result: %v", err)
	}
	names := make([]string, 0, len(listing.Tools))
	for _, d := range listing.Tools {
		names = append(names, d.Name)
	}
	want := []string{"retrieve_documents", "move_email", "send_email"}
	for _, name := range want {
		found := false
		for _, got := range names {
			if got == name {
				found = true
			}
		}
		if !found {
			t.Errorf("tools = %v, missing %s", names, name)
		}
	}
}

func TestCallRetrieveIgnoresExtraArgs(t *testing.T) {
	retrieve := &fakeRetrieve{result: &in.RetrievalResult{Rendered: "2 matching documents:\n"}}
	s, out := newTestServer(t, retrieve, &fakeTools{})

	frame := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{` +
		`"name":"retrieve_documents","arguments":{` +
		`"prompt":"find the budget","top_k":5000,"collection":"other_user","rerank":true}}}`
	res := roundTrip(t, s, out, frame)
	cr := decodeCallResult(t, res)
	if cr.IsError {
		t.Fatalf("call errored: %s", cr.Content[0].Text)
	}
	if retrieve.lastUser != "u1" || retrieve.lastPrompt != "find the budget" {
		t.Errorf("retrieve called with (%q, %q)", retrieve.lastUser, retrieve.lastPrompt)
	}
	if cr.Content[0].Text != "2 matching documents:\n" {
		t.Errorf("text = %q", cr.Content[0].Text)
	}
}

func TestCallRetrieveErrorIsToolError(t *testing.T) {
	retrieve := &fakeRetrieve{err: errors.New("prompt too large")}
	s, out := newTestServer(t, retrieve, &fakeTools{})

	frame := `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"retrieve_documents","arguments":{"prompt":"x"}}}`
	res := roundTrip(t, s, out, frame)
	if res.Error != nil {
		t.Fatalf("expected tool-level error, got protocol error %+v", res.Error)
	}
	cr := decodeCallResult(t, res)
	if !cr.IsError {
		t.Error("IsError = false, want true")
	}
	if !strings.Contains(cr.Content[0].Text, "prompt too large") {
		t.Errorf("text = %q", cr.Content[0].Text)
	}
}

func TestCallMuxToolEnvelope(t *testing.T) {
	tools := &fakeTools{result: &in.ToolResult{Success: true, Data: map[string]interface{}{"email_id": "m1"}}}
	s, out := newTestServer(t, &fakeRetrieve{}, tools)

	frame := `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"move_email","arguments":{"email_id":"m1","folder":"archive"}}}`
	res := roundTrip(t, s, out, frame)
	cr := decodeCallResult(t, res)
	if cr.IsError {
		t.Fatalf("call errored: %s", cr.Content[0].Text)
	}
	if tools.lastName != "move_email" || tools.lastParams["folder"] != "archive" {
		t.Errorf("mux called with (%q, %v)", tools.lastName, tools.lastParams)
	}
	var envelope in.ToolResult
	if err := json.Unmarshal([]byte(cr.Content[0].Text), &envelope); err != nil {
		t.Fatalf("text is not an envelope: %v", err)
	}
	if !envelope.Success {
		t.Error("envelope success = false")
	}
}

func TestCallMuxFailureSetsIsError(t *testing.T) {
	tools := &fakeTools{result: &in.ToolResult{Error: "unknown tool \"explode\""}}
	s, out := newTestServer(t, &fakeRetrieve{}, tools)

	frame := `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"explode","arguments":{}}}`
	res := roundTrip(t, s, out, frame)
	cr := decodeCallResult(t, res)
	if !cr.IsError {
		t.Error("IsError = false, want true for failed mux call")
	}
}

func TestUnknownMethod(t *testing.T) {
	s, out := newTestServer(t, &fakeRetrieve{}, &fakeTools{})

	res := roundTrip(t, s, out, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
	if res.Error == nil || res.Error.Code != codeMethodNotFound {
		t.Errorf("error = %+v, want method-not-found", res.Error)
	}
}

func TestNotificationGetsNoReply(t *testing.T) {
	s, out := newTestServer(t, &fakeRetrieve{}, &fakeTools{})

	if res := roundTrip(t, s, out, `{"jsonrpc":"2.0","method":"notifications/initialized"}`); res != nil {
		t.Errorf("notification got reply: %+v", res)
	}
}

func TestParseError(t *testing.T) {
	s, out := newTestServer(t, &fakeRetrieve{}, &fakeTools{})

	res := roundTrip(t, s, out, `{not json`)
	if res.Error == nil || res.Error.Code != codeParseError {
		t.Errorf("error = %+v, want parse error", res.Error)
	}
}

func TestCallWithoutBoundUser(t *testing.T) {
	cfg := &config.Config{}
	out := &bytes.Buffer{}
	s := NewServer(cfg, &fakeRetrieve{}, &fakeTools{}, strings.NewReader(""), out)

	res := roundTrip(t, s, out, `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"retrieve_documents","arguments":{"prompt":"x"}}}`)
	cr := decodeCallResult(t, res)
	if !cr.IsError || !strings.Contains(cr.Content[0].Text, "MCP_USER_ID") {
		t.Errorf("result = %+v", cr)
	}
}

func TestRunStopsOnEOF(t *testing.T) {
	cfg := &config.Config{ToolUserID: "u1"}
	out := &bytes.Buffer{}
	input := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	s := NewServer(cfg, &fakeRetrieve{}, &fakeTools{}, strings.NewReader(input), out)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), `"id":1`) {
		t.Errorf("ping got no reply: %q", out.String())
	}
}
