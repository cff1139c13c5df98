package protocols

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/threadline-ai/threadline/pkg/models"
)

func TestAssistantsPerCallTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold the connection until the caller gives up. The body must be
		// drained first or the server never notices the client disconnect
		// and the request context is never cancelled.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	a := &models.Agent{
		ID: "a1",
		Extra: models.AgentExtra{
			Protocol:    models.ProtocolAssistants,
			APIKey:      "k",
			BaseURL:     server.URL,
			AssistantID: "asst-1",
		},
	}
	p := NewAssistants(a, nil, nil)
	p.callTimeout = 50 * time.Millisecond

	rc := testRequestContext(a, []models.Message{textMessage("m1", models.DirectionIncoming, "", "hi")})
	_, err := p.PrepareRequest(context.Background(), rc)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !strings.Contains(err.Error(), "create thread") {
		t.Fatalf("err = %v, want create thread failure", err)
	}

	_, err = p.SendRequest(context.Background(), assistantsRequest{assistantID: "asst-1", threadID: "thread-1"})
	if !errors.Is(err, context.DeadlineExceeded) || !strings.Contains(err.Error(), "create run") {
		t.Fatalf("err = %v, want create run deadline", err)
	}
}

func TestLastThreadID(t *testing.T) {
	withThread := textMessage("m2", models.DirectionOutgoing, "a1", "reply")
	withThread.Content.Task = &models.TaskRef{ID: "run-1", SessionID: "thread-9"}
	msgs := []models.Message{
		textMessage("m1", models.DirectionIncoming, "", "hi"),
		withThread,
		textMessage("m3", models.DirectionIncoming, "", "more"),
	}
	if got := lastThreadID(msgs, "a1"); got != "thread-9" {
		t.Fatalf("thread id = %q, want thread-9", got)
	}
	if got := lastThreadID(msgs, "other"); got != "" {
		t.Fatalf("thread id for other agent = %q, want empty", got)
	}
}

func TestLastThreadIDIgnoresOtherAgents(t *testing.T) {
	foreign := textMessage("m1", models.DirectionOutgoing, "a2", "old reply")
	foreign.Content.Task = &models.TaskRef{SessionID: "thread-old"}
	msgs := []models.Message{foreign}
	if got := lastThreadID(msgs, "a1"); got != "" {
		t.Fatalf("thread id = %q, want empty", got)
	}
}

func TestUnsentTail(t *testing.T) {
	msgs := []models.Message{
		textMessage("m1", models.DirectionIncoming, "", "first"),
		textMessage("m2", models.DirectionOutgoing, "a1", "reply"),
		textMessage("m3", models.DirectionIncoming, "", "second"),
		textMessage("m4", models.DirectionIncoming, "", "third"),
	}
	tail := unsentTail(msgs, "a1")
	if len(tail) != 2 || tail[0].ID != "m3" || tail[1].ID != "m4" {
		t.Fatalf("tail = %+v", tail)
	}

	// No prior agent output: everything is unsent.
	all := unsentTail(msgs[:1], "a1")
	if len(all) != 1 || all[0].ID != "m1" {
		t.Fatalf("tail = %+v", all)
	}
}
