package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"motionforge/internal/config"
	"motionforge/internal/models"
)

type scriptedModel struct {
	mu     sync.Mutex
	rounds [][]*schema.Message
	inputs [][]*schema.Message
	tools  []*schema.ToolInfo
	err    error
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not implemented")
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	idx := len(m.inputs) - 1
	if idx >= len(m.rounds) {
		return schema.StreamReaderFromArray([]*schema.Message{{Role: schema.Assistant, Content: "(empty)"}}), nil
	}
	return schema.StreamReaderFromArray(m.rounds[idx]), nil
}

func (m *scriptedModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	m.tools = tools
	m.mu.Unlock()
	return m, nil
}

type fakeSearcher struct {
	queries []string
	ks      []int
	results []models.SearchResult
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	f.queries = append(f.queries, query)
	f.ks = append(f.ks, k)
	return f.results, f.err
}

func toolCallMessage(id, args string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			ID:   id,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      WebSearchToolName,
				Arguments: args,
			},
		}},
	}
}

func collectChunks(t *testing.T, r *Researcher, msgs []*schema.Message) ([]models.Chunk, error) {
	t.Helper()
	var chunks []models.Chunk
	err := r.StreamResearch(context.Background(), msgs, func(c models.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}

func TestStreamResearchRunsToolLoop(t *testing.T) {
	chat := &scriptedModel{rounds: [][]*schema.Message{
		{
			{Role: schema.Assistant, ReasoningContent: "need precedent"},
			toolCallMessage("call_1", `{"query":"compassionate release Ninth Circuit","k":2}`),
		},
		{
			{Role: schema.Assistant, ReasoningContent: "drafting"},
			{Role: schema.Assistant, Content: "===MOTION START==="},
			{Role: schema.Assistant, Content: "text===MOTION END==="},
		},
	}}
	search := &fakeSearcher{results: []models.SearchResult{{Title: "US v. Doe", URL: "https://example.com", Snippet: "granted"}}}
	r := NewResearcher(chat, search, 3)

	chunks, err := collectChunks(t, r, BuildMessages(models.CaseFile{Defendant: models.Defendant{Name: "John Doe"}}))
	if err != nil {
		t.Fatalf("StreamResearch error: %v", err)
	}
	wantKinds := []models.ChunkKind{models.ChunkReasoning, models.ChunkSearch, models.ChunkReasoning, models.ChunkAnswer, models.ChunkAnswer}
	if len(chunks) != len(wantKinds) {
		t.Fatalf("expected %d chunks, got %d: %+v", len(wantKinds), len(chunks), chunks)
	}
	for i, kind := range wantKinds {
		if chunks[i].Kind != kind {
			t.Fatalf("chunk %d: want %s got %s", i, kind, chunks[i].Kind)
		}
	}
	if chunks[1].Query != "compassionate release Ninth Circuit" || len(chunks[1].Results) != 1 {
		t.Fatalf("search chunk mismatch: %+v", chunks[1])
	}
	if len(search.ks) != 1 || search.ks[0] != 2 {
		t.Fatalf("k not forwarded: %v", search.ks)
	}
	if len(chat.tools) != 1 || chat.tools[0].Name != WebSearchToolName {
		t.Fatalf("web_search tool not bound: %+v", chat.tools)
	}
	if len(chat.inputs) != 2 {
		t.Fatalf("expected two model rounds, got %d", len(chat.inputs))
	}
	second := chat.inputs[1]
	last := second[len(second)-1]
	if last.Role != schema.Tool || last.ToolCallID != "call_1" || !strings.Contains(last.Content, "US v. Doe") {
		t.Fatalf("tool result not fed back: %+v", last)
	}
}

func TestStreamResearchSearchFailureIsFedBack(t *testing.T) {
	chat := &scriptedModel{rounds: [][]*schema.Message{
		{toolCallMessage("call_9", `{"query":"fsa"}`)},
		{{Role: schema.Assistant, Content: "done"}},
	}}
	search := &fakeSearcher{err: errors.New("quota")}
	chunks, err := collectChunks(t, NewResearcher(chat, search, 2), []*schema.Message{schema.UserMessage("go")})
	if err != nil {
		t.Fatalf("StreamResearch error: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Kind != models.ChunkSearch || len(chunks[0].Results) != 0 {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
	fed := chat.inputs[1][len(chat.inputs[1])-1]
	if !strings.Contains(fed.Content, "search failed: quota") {
		t.Fatalf("search failure not reported to model: %q", fed.Content)
	}
}

func TestStreamResearchStopsAtRoundLimit(t *testing.T) {
	loop := []*schema.Message{toolCallMessage("c", `{"query":"again"}`)}
	chat := &scriptedModel{rounds: [][]*schema.Message{loop, loop, loop, loop}}
	search := &fakeSearcher{}
	if _, err := collectChunks(t, NewResearcher(chat, search, 2), []*schema.Message{schema.UserMessage("go")}); err != nil {
		t.Fatalf("StreamResearch error: %v", err)
	}
	if len(search.queries) != 2 {
		t.Fatalf("expected 2 searches before the limit, got %d", len(search.queries))
	}
	if len(chat.inputs) != 3 {
		t.Fatalf("expected a final round without tools, got %d rounds", len(chat.inputs))
	}
	final := chat.inputs[2][len(chat.inputs[2])-1]
	if final.Role != schema.User || final.Content != finalRoundNudge {
		t.Fatalf("final round nudge missing: %+v", final)
	}
}

func TestStreamResearchUpstreamError(t *testing.T) {
	chat := &scriptedModel{err: errors.New("401 unauthorized")}
	_, err := collectChunks(t, NewResearcher(chat, nil, 0), []*schema.Message{schema.UserMessage("go")})
	if err == nil || !strings.Contains(err.Error(), "401 unauthorized") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestStreamResearchYieldErrorStops(t *testing.T) {
	chat := &scriptedModel{rounds: [][]*schema.Message{{
		{Role: schema.Assistant, Content: "a"},
		{Role: schema.Assistant, Content: "b"},
	}}}
	stop := errors.New("stream closed")
	calls := 0
	err := NewResearcher(chat, nil, 0).StreamResearch(context.Background(), []*schema.Message{schema.UserMessage("go")}, func(models.Chunk) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected yield error after first chunk, got %v (%d calls)", err, calls)
	}
}

func TestBuildMessagesIncludesCaseFile(t *testing.T) {
	msgs := BuildMessages(models.CaseFile{
		Defendant: models.Defendant{Name: "Jane Roe", CaseNumber: "2:19-cr-00123", District: "Central District of California"},
		Exhibits: []models.ExhibitText{
			{Label: "exhibit_a", Text: "judgment"},
			{Label: "exhibit_b", Text: ""},
		},
	})
	if len(msgs) != 2 || msgs[0].Role != schema.System || msgs[1].Role != schema.User {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	for _, delim := range []string{"===MOTION START===", "===MEMO END===", "===DECL START==="} {
		if !strings.Contains(msgs[0].Content, delim) {
			t.Fatalf("system prompt missing %s", delim)
		}
	}
	user := msgs[1].Content
	for _, want := range []string{"Jane Roe", "2:19-cr-00123", "--- Exhibit A ---\njudgment", "--- Exhibit B ---\n(no readable text)"} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestNewChatModelRejectsUnknownProvider(t *testing.T) {
	if _, err := NewChatModel(context.Background(), "mistral", config.ProviderConfig{APIKey: "k", Model: "m"}, ""); err == nil {
		t.Fatalf("expected invalid provider error")
	}
	if _, err := NewChatModel(context.Background(), "openai", config.ProviderConfig{APIKey: "k"}, ""); err == nil {
		t.Fatalf("expected missing model error")
	}
}
