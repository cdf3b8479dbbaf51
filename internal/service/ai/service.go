package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"motionforge/internal/config"
	"motionforge/internal/models"
)

const (
	defaultMaxTokens = 8000
	defaultMaxRounds = 6
)

const finalRoundNudge = "The research budget is exhausted. Do not call any more tools; write the three documents now using the required delimiters."

// NewChatModel builds the chat model for a configured provider.
func NewChatModel(ctx context.Context, provider string, prov config.ProviderConfig, modelName string) (model.ToolCallingChatModel, error) {
	if modelName == "" {
		modelName = prov.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("no model configured for provider %s", provider)
	}
	maxTokens := prov.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: prov.BaseURL,
			Model:   modelName,
			APIKey:  prov.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: prov.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: true,
			},
		})
	case "claude":
		var baseURLPtr *string
		if prov.BaseURL != "" {
			baseURLPtr = &prov.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    prov.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	case "deepseek":
		chatModel, err = deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			APIKey:    prov.APIKey,
			Model:     modelName,
			BaseURL:   prov.BaseURL,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("start %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// Researcher drives one model through a bounded web_search tool loop.
type Researcher struct {
	model     model.ToolCallingChatModel
	search    Searcher
	maxRounds int
}

// NewResearcher wraps a chat model; search may be nil to disable tool calls.
func NewResearcher(chatModel model.ToolCallingChatModel, search Searcher, maxRounds int) *Researcher {
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	return &Researcher{model: chatModel, search: search, maxRounds: maxRounds}
}

// StreamResearch streams the model and yields reasoning, search and answer
// chunks in arrival order. Tool calls are executed between rounds and their
// results fed back to the model.
func (r *Researcher) StreamResearch(ctx context.Context, messages []*schema.Message, yield func(models.Chunk) error) error {
	if r == nil || r.model == nil {
		return errors.New("researcher has no chat model")
	}
	if len(messages) == 0 {
		return errors.New("messages cannot be empty")
	}

	tooled := r.model
	if r.search != nil {
		bound, err := r.model.WithTools([]*schema.ToolInfo{WebSearchToolInfo()})
		if err != nil {
			return fmt.Errorf("bind web_search tool: %w", err)
		}
		tooled = bound
	}

	history := append([]*schema.Message(nil), messages...)
	for round := 0; ; round++ {
		current := tooled
		if r.search != nil && round == r.maxRounds {
			current = r.model
			history = append(history, schema.UserMessage(finalRoundNudge))
		}
		reply, err := streamRound(ctx, current, history, yield)
		if err != nil {
			return err
		}
		if len(reply.ToolCalls) == 0 || r.search == nil || round >= r.maxRounds {
			return nil
		}
		history = append(history, reply)
		for _, call := range reply.ToolCalls {
			content, err := r.runToolCall(ctx, call, yield)
			if err != nil {
				return err
			}
			history = append(history, schema.ToolMessage(content, call.ID))
		}
	}
}

func streamRound(ctx context.Context, chatModel model.ToolCallingChatModel, history []*schema.Message, yield func(models.Chunk) error) (*schema.Message, error) {
	reader, err := chatModel.Stream(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("generate Ai stream failed: %w", err)
	}
	defer reader.Close()

	var parts []*schema.Message
	for {
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("receive Ai stream: %w", err)
		}
		if msg == nil {
			continue
		}
		parts = append(parts, msg)
		if text := reasoningOf(msg); text != "" {
			if err := yield(models.Chunk{Kind: models.ChunkReasoning, Text: text}); err != nil {
				return nil, err
			}
		}
		if msg.Content != "" {
			if err := yield(models.Chunk{Kind: models.ChunkAnswer, Text: msg.Content}); err != nil {
				return nil, err
			}
		}
	}
	if len(parts) == 0 {
		return &schema.Message{Role: schema.Assistant}, nil
	}
	reply, err := schema.ConcatMessages(parts)
	if err != nil {
		return nil, fmt.Errorf("concat Ai stream: %w", err)
	}
	return reply, nil
}

// reasoningOf returns the thinking tokens carried by a stream chunk.
func reasoningOf(msg *schema.Message) string {
	if msg.ReasoningContent != "" {
		return msg.ReasoningContent
	}
	if text, ok := deepseek.GetReasoningContent(msg); ok {
		return text
	}
	return ""
}

func (r *Researcher) runToolCall(ctx context.Context, call schema.ToolCall, yield func(models.Chunk) error) (string, error) {
	if call.Function.Name != WebSearchToolName {
		return fmt.Sprintf("unknown tool %q", call.Function.Name), nil
	}
	params, err := parseWebSearchArgs(call.Function.Arguments)
	if err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), nil
	}
	results, searchErr := r.search.Search(ctx, params.Query, params.K)
	if err := yield(models.Chunk{Kind: models.ChunkSearch, Query: params.Query, Results: results}); err != nil {
		return "", err
	}
	if searchErr != nil {
		return fmt.Sprintf("search failed: %v", searchErr), nil
	}
	return formatResults(results), nil
}
