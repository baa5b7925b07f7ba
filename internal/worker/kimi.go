package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/handleui/relay/internal/model"
)

const (
	kimiRequestTimeout = 30 * time.Second
	kimiMaxTokens      = 8192
)

// Per-million-token pricing used to estimate cost_usd in step metrics.
type tokenRates struct {
	inputUSD  float64
	outputUSD float64
}

var modelRates = map[string]tokenRates{
	"claude-3-5-haiku-latest": {inputUSD: 0.80, outputUSD: 4.00},
	"claude-sonnet-4-5":       {inputUSD: 3.00, outputUSD: 15.00},
}

func estimateCost(modelName string, tokensIn, tokensOut int64) float64 {
	rates, ok := modelRates[modelName]
	if !ok {
		return 0
	}
	return float64(tokensIn)/1e6*rates.inputUSD + float64(tokensOut)/1e6*rates.outputUSD
}

// kimiVariant is the API worker: it sends the assembled prompt through
// the Messages API and derives metrics from usage. The client is built
// lazily so simulation mode never needs a key.
type kimiVariant struct {
	log *zap.Logger

	mu     sync.Mutex
	client *anthropic.Client
	model  string
}

func newKimiVariant(log *zap.Logger) *kimiVariant {
	modelName := os.Getenv("KIMI_MODEL")
	if modelName == "" {
		modelName = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	return &kimiVariant{log: log, model: modelName}
}

func (v *kimiVariant) AgentName() string { return "kimi" }

func (v *kimiVariant) ensureClient() (*anthropic.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.client != nil {
		return v.client, nil
	}
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("no API key provided: set ANTHROPIC_API_KEY")
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(kimiRequestTimeout),
	)
	v.client = &client
	return v.client, nil
}

// buildMessages converts the job's context window into conversation turns
// followed by the current prompt. The sliding strategy keeps the last
// eight turns; full keeps everything; summarize collapses prior turns
// into a single preamble.
func buildMessages(fullPrompt string, call CallContext) []anthropic.MessageParam {
	window := call.ContextWindow
	if call.ContextStrategy == "sliding" && len(window) > 8 {
		window = window[len(window)-8:]
	}

	var messages []anthropic.MessageParam
	if call.ContextStrategy == "summarize" && len(window) > 0 {
		var lines []string
		for _, entry := range window {
			role, _ := entry["role"].(string)
			content, _ := entry["content"].(string)
			if content != "" {
				lines = append(lines, fmt.Sprintf("%s: %s", role, firstLine(content)))
			}
		}
		if len(lines) > 0 {
			preamble := "Conversation so far:\n" + strings.Join(lines, "\n")
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(preamble)))
		}
	} else {
		for _, entry := range window {
			content, _ := entry["content"].(string)
			if content == "" {
				continue
			}
			if role, _ := entry["role"].(string); role == "assistant" {
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
			} else {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
			}
		}
	}
	return append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(fullPrompt)))
}

func (v *kimiVariant) CallAPI(ctx context.Context, fullPrompt string, call CallContext) (*APIResponse, error) {
	client, err := v.ensureClient()
	if err != nil {
		return nil, err
	}

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(v.model),
		MaxTokens: kimiMaxTokens,
		Messages:  buildMessages(fullPrompt, call),
	})
	if err != nil {
		return nil, formatAPIError(err)
	}

	var text string
	for i := range message.Content {
		if block, ok := message.Content[i].AsAny().(anthropic.TextBlock); ok {
			text = block.Text
			break
		}
	}
	if strings.TrimSpace(text) == "" {
		return &APIResponse{
			ReportMD: "# API response\n\n[empty]\n",
			Summary:  "Empty API response",
			Status:   model.StatusFailed,
			Error:    &model.ErrorInfo{Code: "api_error", Message: "no text block in API response"},
		}, nil
	}

	tokensIn := message.Usage.InputTokens
	tokensOut := message.Usage.OutputTokens
	return &APIResponse{
		ReportMD: fmt.Sprintf("# API response\n\n%s\n", text),
		Summary:  firstLine(text),
		Status:   model.StatusSuccess,
		Raw:      text,
		Metrics: &model.Metrics{
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
			CostUSD:   estimateCost(v.model, tokensIn, tokensOut),
		},
	}, nil
}

func (v *kimiVariant) Simulate(ctx context.Context, sc *StepContext) (*model.StepResult, error) {
	fullPrompt := buildFullPrompt(sc)
	reportMD := fmt.Sprintf(
		"# API response (simulated)\n\n> %s\n\nSimulated API worker run.\n",
		firstLine(fullPrompt),
	)
	logsTxt := fmt.Sprintf("[%s] simulated api run\n", sc.Step.StepID)
	return simulate(ctx, sc, 400*time.Millisecond, reportMD, "", logsTxt, "Simulated API response")
}

// formatAPIError maps API status codes onto operator-friendly messages.
func formatAPIError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401:
			return fmt.Errorf("invalid API key: check ANTHROPIC_API_KEY")
		case 429:
			return fmt.Errorf("rate limited: too many requests, try again later")
		case 500, 502, 503:
			return fmt.Errorf("API unavailable (status %d): try again later", apiErr.StatusCode)
		case 529:
			return fmt.Errorf("API overloaded: try again later")
		default:
			return fmt.Errorf("API error (status %d): %w", apiErr.StatusCode, err)
		}
	}
	return fmt.Errorf("API request failed: %w", err)
}
