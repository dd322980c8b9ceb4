package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const defaultMaxOutputTokens = 2048

// Backend performs one completion. Implementations must honor ctx cancellation.
type Backend interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type HistoryRole string

const (
	RolePlayer HistoryRole = "player"
	RoleDM     HistoryRole = "dm"
)

type HistoryEntry struct {
	Role HistoryRole
	Text string
}

// CompletionRequest is the provider-neutral prompt for one backend call.
type CompletionRequest struct {
	SystemInstructions string
	Context            string
	History            []HistoryEntry
	Input              string
	ResponseSchemaHint string
	Temperature        float64
	MaxOutputTokens    int
	// JSONOutput asks providers that support it to constrain output to a JSON object.
	JSONOutput bool
}

func (r CompletionRequest) systemPrompt() string {
	parts := []string{strings.TrimSpace(r.SystemInstructions)}
	if hint := strings.TrimSpace(r.ResponseSchemaHint); hint != "" {
		parts = append(parts, hint)
	}
	if c := strings.TrimSpace(r.Context); c != "" {
		parts = append(parts, "Context:\n"+c)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func (r CompletionRequest) maxOutputTokens() int64 {
	if r.MaxOutputTokens > 0 {
		return int64(r.MaxOutputTokens)
	}
	return defaultMaxOutputTokens
}

// NewBackend builds a provider backend. providerType is one of openai,
// openai_compatible or anthropic.
func NewBackend(providerType string, baseURL string, apiKey string, model string) (Backend, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("missing model")
	}
	switch providerType {
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &OpenAIBackend{
			client:   openai.NewClient(opts...),
			model:    strings.TrimSpace(model),
			jsonMode: providerType == "openai",
		}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &AnthropicBackend{client: anthropic.NewClient(opts...), model: strings.TrimSpace(model)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

// OpenAIBackend uses the Responses API.
type OpenAIBackend struct {
	client openai.Client
	model  string
	// Compatible gateways vary in json_object support; only official endpoints get it.
	jsonMode bool
}

func (b *OpenAIBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if b == nil {
		return "", errors.New("nil backend")
	}
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(b.model),
		MaxOutputTokens: openai.Int(req.maxOutputTokens()),
		Temperature:     openai.Float(req.Temperature),
	}
	if req.JSONOutput && b.jsonMode {
		obj := oshared.NewResponseFormatJSONObjectParam()
		params.Text = oresponses.ResponseTextConfigParam{
			Format: oresponses.ResponseFormatTextConfigUnionParam{OfJSONObject: &obj},
		}
	}
	if system := req.systemPrompt(); system != "" {
		params.Instructions = openai.String(system)
	}

	items := make(oresponses.ResponseInputParam, 0, len(req.History)+1)
	for _, h := range req.History {
		text := strings.TrimSpace(h.Text)
		if text == "" {
			continue
		}
		role := oresponses.EasyInputMessageRoleUser
		if h.Role == RoleDM {
			role = oresponses.EasyInputMessageRoleAssistant
		}
		items = append(items, oresponses.ResponseInputItemParamOfMessage(text, role))
	}
	input := strings.TrimSpace(req.Input)
	if input == "" {
		input = "Continue."
	}
	items = append(items, oresponses.ResponseInputItemParamOfMessage(input, oresponses.EasyInputMessageRoleUser))
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}

	resp, err := b.client.Responses.New(ctx, params)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("empty response")
	}
	return extractOpenAIResponseText(*resp), nil
}

func extractOpenAIResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}

// AnthropicBackend uses the Messages API.
type AnthropicBackend struct {
	client anthropic.Client
	model  string
}

func (b *AnthropicBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if b == nil {
		return "", errors.New("nil backend")
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(b.model),
		MaxTokens:   req.maxOutputTokens(),
		Messages:    buildAnthropicMessages(req),
		Temperature: anthropic.Float(req.Temperature),
	}
	if system := req.systemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", errors.New("empty response")
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if v, ok := block.AsAny().(anthropic.TextBlock); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(v.Text))
		}
	}
	return sb.String(), nil
}

// buildAnthropicMessages keeps strict user/assistant alternation by merging consecutive
// same-role entries.
func buildAnthropicMessages(req CompletionRequest) []anthropic.MessageParam {
	type turn struct {
		assistant bool
		texts     []string
	}
	var turns []turn
	push := func(assistant bool, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].assistant == assistant {
			turns[n-1].texts = append(turns[n-1].texts, text)
			return
		}
		turns = append(turns, turn{assistant: assistant, texts: []string{text}})
	}
	for _, h := range req.History {
		push(h.Role == RoleDM, h.Text)
	}
	input := strings.TrimSpace(req.Input)
	if input == "" {
		input = "Continue."
	}
	push(false, input)
	// The first message must come from the user.
	if len(turns) > 0 && turns[0].assistant {
		turns = append([]turn{{texts: []string{"(session resumed)"}}}, turns...)
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.texts))
		for _, txt := range t.texts {
			blocks = append(blocks, anthropic.NewTextBlock(txt))
		}
		if t.assistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}
