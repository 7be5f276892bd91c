package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/model"
	registryllm "github.com/chirino/chat-memory/internal/registry/llm"
)

// ForceImport is referenced by callers that need the plugin registered.
var ForceImport = 0

func init() {
	registryllm.Register(registryllm.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryllm.Generator, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai model: OPENAI_API_KEY is required")
	}
	return New(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.ModelName, cfg.SystemPrompt, cfg.Verbose), nil
}

// ChatGenerator streams replies from an OpenAI-compatible Chat Completions endpoint.
type ChatGenerator struct {
	client       *http.Client
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	verbose      bool
}

// New creates a generator. baseURL is the API root, e.g. https://api.openai.com/v1.
func New(baseURL, apiKey, modelName, systemPrompt string, verbose bool) *ChatGenerator {
	return &ChatGenerator{
		client:       &http.Client{},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		model:        modelName,
		systemPrompt: systemPrompt,
		verbose:      verbose,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// messages builds the prompt sent for question: the system prompt, the prior
// turns, then the question itself.
func (g *ChatGenerator) messages(history []model.Turn, question string) []chatMessage {
	msgs := make([]chatMessage, 0, len(history)+2)
	if g.systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: g.systemPrompt})
	}
	for _, t := range history {
		role := "user"
		if t.Role == model.RoleAI {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: t.Content})
	}
	return append(msgs, chatMessage{Role: "user", Content: "Question: " + question})
}

func (g *ChatGenerator) Generate(ctx context.Context, history []model.Turn, question string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := g.open(ctx, history, question)
		if err != nil {
			yield("", err)
			return
		}
		defer body.Close()

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				yield("", fmt.Errorf("openai stream: %w", err))
				return
			}
			line = strings.TrimSpace(line)
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}
			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("openai stream: parse chunk: %w", err))
				return
			}
			if chunk.Error != nil {
				yield("", fmt.Errorf("openai stream error: %s", chunk.Error.Message))
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if g.verbose {
				log.Debug("Model chunk", "content", chunk.Choices[0].Delta.Content)
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func (g *ChatGenerator) open(ctx context.Context, history []model.Turn, question string) (io.ReadCloser, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model:    g.model,
		Messages: g.messages(history, question),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	if g.verbose {
		log.Debug("Model request", "model", g.model, "historyTurns", len(history), "question", question)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.Body, nil
}

var _ registryllm.Generator = (*ChatGenerator)(nil)
