package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/orchestra-mcp/realtime/src/types"
)

// DefaultGeminiModel is used when neither the session nor the call names a model.
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiBackend generates completions through the Gemini API.
type GeminiBackend struct {
	client *genai.Client
	model  string
}

// NewGemini creates a GeminiBackend authenticated with apiKey.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiBackend{client: client, model: model}, nil
}

func (g *GeminiBackend) Generate(ctx context.Context, messages []Message, opts GenerateOptions) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		model := opts.Model
		if model == "" || !strings.HasPrefix(model, "gemini") {
			model = g.model
		}
		contents, system := toGeminiContents(messages)
		if len(contents) == 0 {
			yield(Chunk{}, fmt.Errorf("gemini: no messages to send"))
			return
		}

		var usage *Usage
		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, geminiConfig(opts, system)) {
			if err != nil {
				yield(Chunk{}, fmt.Errorf("gemini: %w", err))
				return
			}
			if text := resp.Text(); text != "" {
				if !yield(Chunk{Text: text}, nil) {
					return
				}
			}
			for _, fc := range resp.FunctionCalls() {
				args, err := json.Marshal(fc.Args)
				if err != nil {
					args = []byte("{}")
				}
				callID := fc.ID
				if callID == "" {
					callID = types.NewID("call")
				}
				if !yield(Chunk{FunctionCall: &FunctionCall{CallID: callID, Name: fc.Name, Arguments: string(args)}}, nil) {
					return
				}
			}
			if md := resp.UsageMetadata; md != nil {
				usage = &Usage{
					InputTokens:  int(md.PromptTokenCount),
					OutputTokens: int(md.CandidatesTokenCount),
					TotalTokens:  int(md.TotalTokenCount),
				}
			}
		}
		if usage != nil {
			yield(Chunk{Usage: usage}, nil)
		}
	}
}

func toGeminiContents(messages []Message) ([]*genai.Content, string) {
	var (
		contents []*genai.Content
		system   []string
	)
	for _, m := range messages {
		switch {
		case m.FunctionCall != nil:
			contents = appendFunctionPart(contents, genai.RoleModel, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   m.FunctionCall.CallID,
				Name: m.FunctionCall.Name,
				Args: decodeObject(m.FunctionCall.Arguments, "arguments"),
			}})
		case m.FunctionResult != nil:
			contents = appendFunctionPart(contents, genai.RoleUser, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.FunctionResult.CallID,
				Name:     m.FunctionResult.Name,
				Response: decodeObject(m.FunctionResult.Output, "output"),
			}})
		case m.Role == types.RoleSystem:
			system = append(system, m.Content)
		case m.Role == types.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n\n")
}

// appendFunctionPart groups parallel calls, and their responses, into one turn.
func appendFunctionPart(contents []*genai.Content, role string, part *genai.Part) []*genai.Content {
	if n := len(contents); n > 0 {
		last := contents[n-1]
		if last.Role == role && len(last.Parts) > 0 && sameKind(last.Parts[len(last.Parts)-1], part) {
			last.Parts = append(last.Parts, part)
			return contents
		}
	}
	return append(contents, &genai.Content{Role: role, Parts: []*genai.Part{part}})
}

func sameKind(a, b *genai.Part) bool {
	return (a.FunctionCall != nil && b.FunctionCall != nil) ||
		(a.FunctionResponse != nil && b.FunctionResponse != nil)
}

// decodeObject parses raw as a JSON object, or wraps it under key.
func decodeObject(raw, key string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{key: raw}
}

func geminiConfig(opts GenerateOptions, system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(opts.Temperature)),
	}
	if opts.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxOutputTokens)
	}
	instructions := strings.TrimSpace(strings.Join([]string{opts.Instructions, system}, "\n\n"))
	if instructions != "" {
		cfg.SystemInstruction = genai.NewContentFromText(instructions, genai.RoleUser)
	}
	if len(opts.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Parameters) > 0 {
				decl.ParametersJsonSchema = t.Parameters
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}
