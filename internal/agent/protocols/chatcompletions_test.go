package protocols

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/pkg/models"
)

func testRequestContext(a *models.Agent, msgs []models.Message) *agent.RequestContext {
	return &agent.RequestContext{
		Organization: &models.Organization{ID: "org1", Address: "biz"},
		Conversation: &models.Conversation{
			Service:             models.ServiceWhatsApp,
			OrganizationAddress: "biz",
			ContactAddress:      "alice",
		},
		Contact:  &models.Contact{Address: "alice"},
		Agent:    a,
		Messages: msgs,
	}
}

func textMessage(id string, direction models.Direction, agentID, text string) models.Message {
	return models.Message{
		ID:        id,
		Direction: direction,
		AgentID:   agentID,
		Content:   models.Part{Type: models.PartText, Kind: models.KindText, Text: text},
	}
}

func toolStep(id, taskID, useID, name string, event models.ToolEventType) models.Message {
	return models.Message{
		ID:        id,
		Direction: models.DirectionInternal,
		AgentID:   "a1",
		Content: models.Part{
			Type: models.PartText,
			Kind: models.KindText,
			Text: "{}",
			Tool: &models.ToolInfo{
				Provider: models.ToolProviderLocal,
				Type:     models.ToolTypeFunction,
				UseID:    useID,
				Name:     name,
				Event:    event,
			},
			Task: &models.TaskRef{ID: taskID},
		},
	}
}

func TestToolNameEncoding(t *testing.T) {
	cases := []struct{ label, name string }{
		{"", "calculator"},
		{"crm", "lookup_contact"},
		{"crm", "lookup__nested"},
	}
	for _, c := range cases {
		label, name := decodeToolName(encodeToolName(c.label, c.name))
		if label != c.label || name != c.name {
			t.Fatalf("(%q,%q) round-tripped to (%q,%q)", c.label, c.name, label, name)
		}
	}
}

func TestDecodeToolNameNoLabel(t *testing.T) {
	label, name := decodeToolName("plain")
	if label != "" || name != "plain" {
		t.Fatalf("got (%q,%q)", label, name)
	}
}

func TestRemoveUnpairedToolMessages(t *testing.T) {
	msgs := []models.Message{
		textMessage("m1", models.DirectionIncoming, "", "hi"),
		toolStep("m2", "t1", "use1", "calc", models.ToolEventUse),
		toolStep("m3", "t1", "use1", "calc", models.ToolEventResult),
		// Orphan use: its result never landed.
		toolStep("m4", "t2", "use2", "calc", models.ToolEventUse),
	}
	out := removeUnpairedToolMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
	for _, msg := range out {
		if msg.Content.Tool != nil && msg.Content.Tool.UseID == "use2" {
			t.Fatal("orphan use survived")
		}
	}
}

func TestSortToolMessagesGroupsTasks(t *testing.T) {
	msgs := []models.Message{
		toolStep("m1", "t1", "use1", "a", models.ToolEventUse),
		toolStep("m2", "t2", "use2", "b", models.ToolEventUse),
		toolStep("m3", "t1", "use1", "a", models.ToolEventResult),
		toolStep("m4", "t2", "use2", "b", models.ToolEventResult),
	}
	out := sortToolMessages(msgs)
	ids := make([]string, len(out))
	for i, m := range out {
		ids[i] = m.ID
	}
	want := []string{"m1", "m3", "m2", "m4"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestPrepareRequestPairingAfterTruncation(t *testing.T) {
	a := &models.Agent{ID: "a1", Model: "gpt-test", Extra: models.AgentExtra{MaxMessages: 2}}
	msgs := []models.Message{
		toolStep("m1", "t1", "use1", "calc", models.ToolEventUse),
		toolStep("m2", "t1", "use1", "calc", models.ToolEventResult),
		textMessage("m3", models.DirectionOutgoing, "a1", "done"),
		textMessage("m4", models.DirectionIncoming, "", "thanks"),
	}
	// Truncation to the last 2 keeps only complete pairs or plain text;
	// nothing in the request may reference a dangling tool call.
	p := NewChatCompletions(a, nil)
	req, err := p.PrepareRequest(context.Background(), testRequestContext(a, msgs))
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range req.Messages {
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			t.Fatalf("dangling tool traffic in request: %+v", m)
		}
	}
	if len(req.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(req.Messages))
	}
}

func TestPrepareRequestMergesParallelUses(t *testing.T) {
	a := &models.Agent{ID: "a1", Model: "gpt-test", SystemPrompt: "be brief"}
	msgs := []models.Message{
		textMessage("m0", models.DirectionIncoming, "", "compute"),
		toolStep("m1", "t1", "use1", "alpha", models.ToolEventUse),
		toolStep("m2", "t1", "use2", "beta", models.ToolEventUse),
		toolStep("m3", "t1", "use1", "alpha", models.ToolEventResult),
		toolStep("m4", "t1", "use2", "beta", models.ToolEventResult),
	}
	p := NewChatCompletions(a, nil)
	req, err := p.PrepareRequest(context.Background(), testRequestContext(a, msgs))
	if err != nil {
		t.Fatal(err)
	}

	// system, user, assistant(2 tool calls), tool, tool
	if len(req.Messages) != 5 {
		t.Fatalf("got %d messages: %+v", len(req.Messages), req.Messages)
	}
	assistant := req.Messages[2]
	if assistant.Role != openai.ChatMessageRoleAssistant || len(assistant.ToolCalls) != 2 {
		t.Fatalf("assistant message = %+v, want 2 merged tool calls", assistant)
	}
	if req.Messages[3].Role != openai.ChatMessageRoleTool || req.Messages[3].ToolCallID != "use1" {
		t.Fatalf("first result = %+v", req.Messages[3])
	}
	if req.Messages[4].ToolCallID != "use2" {
		t.Fatalf("second result = %+v", req.Messages[4])
	}
}

func TestPrepareRequestRoles(t *testing.T) {
	a := &models.Agent{ID: "a1", Model: "gpt-test"}
	msgs := []models.Message{
		textMessage("m1", models.DirectionIncoming, "", "hello"),
		textMessage("m2", models.DirectionOutgoing, "a1", "hi there"),
		textMessage("m3", models.DirectionOutgoing, "other-agent", "from a past agent"),
	}
	p := NewChatCompletions(a, nil)
	req, err := p.PrepareRequest(context.Background(), testRequestContext(a, msgs))
	if err != nil {
		t.Fatal(err)
	}
	roles := []string{req.Messages[0].Role, req.Messages[1].Role, req.Messages[2].Role}
	want := []string{openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant, openai.ChatMessageRoleUser}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
}

func TestPrepareRequestRendersParts(t *testing.T) {
	a := &models.Agent{ID: "a1", Model: "gpt-test"}
	msgs := []models.Message{
		{
			ID:        "m1",
			Direction: models.DirectionIncoming,
			Content: models.Part{
				Type: models.PartFile,
				Kind: models.KindAudio,
				File: &models.FileContent{Name: "note.ogg", MimeType: "audio/ogg", Transcription: "buy milk"},
			},
		},
		{
			ID:        "m2",
			Direction: models.DirectionIncoming,
			Content:   models.Part{Type: models.PartData, Kind: models.KindData, Data: []byte(`{"k":1}`)},
		},
	}
	p := NewChatCompletions(a, nil)
	req, err := p.PrepareRequest(context.Background(), testRequestContext(a, msgs))
	if err != nil {
		t.Fatal(err)
	}
	if req.Messages[0].Content != `<file name="note.ogg" mime_type="audio/ogg">buy milk</file>` {
		t.Fatalf("file content = %q", req.Messages[0].Content)
	}
	if req.Messages[1].Content != `<data>{"k":1}</data>` {
		t.Fatalf("data content = %q", req.Messages[1].Content)
	}
}

func TestProcessResponseToolCalls(t *testing.T) {
	a := &models.Agent{ID: "a1", Model: "gpt-test"}
	p := NewChatCompletions(a, nil)
	rc := testRequestContext(a, nil)
	rc.Tools = []models.AgentTool{{
		Provider: models.ToolProviderLocal,
		Type:     models.ToolTypeMCP,
		Label:    "crm",
		Name:     "lookup",
	}}

	res := openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		FinishReason: openai.FinishReasonToolCalls,
		Message: openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{
				{ID: "call_1", Function: openai.FunctionCall{Name: "crm__lookup", Arguments: `{"q":"alice"}`}},
				{ID: "call_2", Function: openai.FunctionCall{Name: "calc", Arguments: `{"x":2}`}},
			},
		},
	}}}

	out, err := p.ProcessResponse(context.Background(), rc, res)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("got %d inserts, want 2", len(out.Messages))
	}
	first := out.Messages[0].Content
	if first.Tool.Label != "crm" || first.Tool.Name != "lookup" || first.Tool.Type != models.ToolTypeMCP {
		t.Fatalf("decoded tool = %+v", first.Tool)
	}
	if first.Tool.UseID != "call_1" || !first.IsToolUse() {
		t.Fatalf("tool info = %+v", first.Tool)
	}
	second := out.Messages[1].Content
	if second.Tool.Type != models.ToolTypeFunction {
		t.Fatalf("unresolved tool type = %s, want function fallback", second.Tool.Type)
	}
	if first.Task == nil || second.Task == nil || first.Task.ID != second.Task.ID {
		t.Fatal("parallel uses must share one task id")
	}
	for _, ins := range out.Messages {
		if ins.Direction != models.DirectionInternal {
			t.Fatalf("tool use direction = %s", ins.Direction)
		}
	}
}

func TestProcessResponseStop(t *testing.T) {
	a := &models.Agent{ID: "a1", Model: "gpt-test"}
	p := NewChatCompletions(a, nil)
	res := openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		FinishReason: openai.FinishReasonStop,
		Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "all done"},
	}}}
	out, err := p.ProcessResponse(context.Background(), testRequestContext(a, nil), res)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("got %d inserts, want 1", len(out.Messages))
	}
	msg := out.Messages[0]
	if msg.Direction != models.DirectionOutgoing || msg.Content.Text != "all done" {
		t.Fatalf("insert = %+v", msg)
	}
}

func TestProcessResponseOtherFinishReason(t *testing.T) {
	a := &models.Agent{ID: "a1", Model: "gpt-test"}
	p := NewChatCompletions(a, nil)
	res := openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		FinishReason: openai.FinishReasonLength,
		Message:      openai.ChatCompletionMessage{Content: "truncat"},
	}}}
	out, err := p.ProcessResponse(context.Background(), testRequestContext(a, nil), res)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 0 {
		t.Fatalf("got %d inserts, want 0", len(out.Messages))
	}
}
