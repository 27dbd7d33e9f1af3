// Package backend defines the generation and audio collaborators used by the
// response and audio handlers, with Gemini and OpenAI-compatible implementations.
package backend

import (
	"context"
	"errors"
	"iter"

	"github.com/orchestra-mcp/realtime/src/types"
)

// ErrUnavailable is returned by backends that are not configured.
var ErrUnavailable = errors.New("backend not configured")

// Message is one turn of prompt history. A tool turn sets FunctionCall or
// FunctionResult instead of Content.
type Message struct {
	Role           string
	Content        string
	FunctionCall   *FunctionCall
	FunctionResult *FunctionResult
}

// GenerateOptions configures a completion.
type GenerateOptions struct {
	Model           string
	Instructions    string
	Temperature     float64
	MaxOutputTokens int
	Tools           []types.Tool
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// FunctionResult is the client's output for an earlier FunctionCall.
type FunctionResult struct {
	CallID string
	Name   string
	Output string
}

// Usage reports token consumption for a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Chunk is one streamed piece of a completion. Exactly one field is set.
type Chunk struct {
	Text         string
	FunctionCall *FunctionCall
	Usage        *Usage
}

// CompletionBackend streams model output for a prompt.
type CompletionBackend interface {
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) iter.Seq2[Chunk, error]
}

// TranscribeOptions configures speech-to-text.
type TranscribeOptions struct {
	Model      string
	Language   string
	Format     string
	SampleRate int
}

// SpeechOptions configures text-to-speech.
type SpeechOptions struct {
	Model  string
	Voice  string
	Format string
}

// Speech is a synthesized audio file and the key it is cached under.
type Speech struct {
	FilePath string
	CacheKey string
	Cached   bool
}

// AudioBackend transcribes and synthesizes speech.
type AudioBackend interface {
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) iter.Seq2[string, error]
	Synthesize(ctx context.Context, text string, opts SpeechOptions) (Speech, error)
}

// Unavailable satisfies both backends and fails every call with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) Generate(context.Context, []Message, GenerateOptions) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) { yield(Chunk{}, ErrUnavailable) }
}

func (Unavailable) Transcribe(context.Context, []byte, TranscribeOptions) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) { yield("", ErrUnavailable) }
}

func (Unavailable) Synthesize(context.Context, string, SpeechOptions) (Speech, error) {
	return Speech{}, ErrUnavailable
}

// HistoryMessages renders conversation items as prompt messages. Function
// outputs are matched to their call by call id to recover the function name.
func HistoryMessages(items []types.ConversationItem) []Message {
	out := make([]Message, 0, len(items))
	names := make(map[string]string)
	for _, it := range items {
		switch it.Type {
		case types.ItemFunctionCall:
			if it.Name == "" {
				continue
			}
			names[it.CallID] = it.Name
			out = append(out, Message{Role: types.RoleAssistant, FunctionCall: &FunctionCall{
				CallID: it.CallID, Name: it.Name, Arguments: it.Arguments,
			}})
		case types.ItemFunctionCallOutput:
			out = append(out, Message{Role: types.RoleUser, FunctionResult: &FunctionResult{
				CallID: it.CallID, Name: names[it.CallID], Output: it.Output,
			}})
		default:
			if text := it.Text(); text != "" {
				out = append(out, Message{Role: it.Role, Content: text})
			}
		}
	}
	return out
}
