package mcp

import (
	"context"

	"github.com/goccy/go-json"
)

// =============================================================================
// Tool surface
// =============================================================================

const retrieveToolName = "retrieve_documents"

// Top-K, score floor, collection and retrieval mode are fixed by server
// configuration. The only caller-supplied field is the prompt; anything
// else in the arguments object is ignored.
var retrieveSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"prompt": map[string]interface{}{
			"type":      "string",
			"maxLength": 10000,
		},
	},
	"required": []string{"prompt"},
}

var muxDescriptions = map[string]string{
	"send_email":       "Create an email draft to new recipients. Drafts are never sent automatically.",
	"reply_email":      "Draft a reply to an existing email.",
	"forward_email":    "Draft a forward of an existing email.",
	"flag_email":       "Mark an email important and/or read.",
	"move_email":       "Move an email to a folder (inbox, archive, trash, junk).",
	"list_files":       "List files from the user's preferred cloud storage.",
	"get_file_content": "Fetch one file's content, exported to a neutral format.",
	"list_folders":     "List the user's cloud storage folders.",
	"list_events":      "List upcoming calendar events.",
	"create_event":     "Create a calendar event.",
}

type toolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) toolDefs() []toolDef {
	defs := []toolDef{{
		Name:        retrieveToolName,
		Description: "Retrieve the highest-ranked document chunks from the user's collection for a free-text prompt.",
		InputSchema: retrieveSchema,
	}}
	for _, name := range s.tools.ListTools() {
		defs = append(defs, toolDef{
			Name:        name,
			Description: muxDescriptions[name],
			InputSchema: map[string]interface{}{"type": "object"},
		})
	}
	return defs
}

// call runs one tool. Protocol-level problems (bad params) come back as
// JSON-RPC errors; tool-level failures come back as an isError result so
// the assistant can read the message.
func (s *Server) call(ctx context.Context, id interface{}, raw json.RawMessage) *response {
	var params callParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Name == "" {
		return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{codeInvalidParams, "invalid tool call params"}}
	}
	if s.userID == "" {
		return toolFailure(id, "tool server has no bound user (MCP_USER_ID)")
	}

	if params.Name == retrieveToolName {
		prompt, _ := params.Arguments["prompt"].(string)
		result, err := s.retrieve.RetrieveDocuments(ctx, s.userID, prompt)
		if err != nil {
			return toolFailure(id, err.Error())
		}
		return toolText(id, result.Rendered, false)
	}

	tr := s.tools.CallTool(ctx, s.userID, params.Name, params.Arguments)
	payload, err := json.Marshal(tr)
	if err != nil {
		return toolFailure(id, "result marshal failed")
	}
	return toolText(id, string(payload), !tr.Success)
}

func toolText(id interface{}, text string, isError bool) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: &callResult{
		Content: []textContent{{Type: "text", Text: text}},
		IsError: isError,
	}}
}

func toolFailure(id interface{}, msg string) *response {
	return toolText(id, msg, true)
}
