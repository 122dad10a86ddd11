package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/foundry/internal/config"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
	"github.com/fyrsmithlabs/foundry/internal/workspace"
	"github.com/spf13/afero"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// ErrNoModel is returned when a provider has no model for a preference.
var ErrNoModel = &recovery.Error{
	Kind: recovery.KindInvalidConfiguration,
	Err:  errors.New("no model configured for worker preference"),
}

const defaultMaxTokens = 4096

var statusPattern = regexp.MustCompile(`status code: (\d{3})`)

// LLMRunner sends each unit to an OpenAI-compatible chat completion
// endpoint and stores the reply under .orchestrator/outputs/<unit>.md.
type LLMRunner struct {
	provider   config.ProviderConfig
	httpClient *http.Client
	maxTokens  int
}

// LLMOption configures an LLMRunner.
type LLMOption func(*LLMRunner)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) LLMOption {
	return func(r *LLMRunner) { r.httpClient = c }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) LLMOption {
	return func(r *LLMRunner) { r.maxTokens = n }
}

// NewLLMRunner returns a runner for provider. The provider needs an API key,
// a base URL and at least one model.
func NewLLMRunner(provider config.ProviderConfig, opts ...LLMOption) (*LLMRunner, error) {
	if !provider.APIKey.IsSet() {
		return nil, recovery.Wrap(recovery.KindAuthentication, "llm runner", errors.New("provider api key is not set"))
	}
	if provider.BaseURL == "" {
		return nil, recovery.Wrap(recovery.KindInvalidConfiguration, "llm runner", errors.New("provider base_url is not set"))
	}
	if len(provider.Models) == 0 {
		return nil, fmt.Errorf("llm runner: %w", ErrNoModel)
	}
	r := &LLMRunner{provider: provider, httpClient: http.DefaultClient, maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Model picks the model for a preference, falling back to "balanced".
func (r *LLMRunner) Model(pref project.ModelPreference) (string, error) {
	if m, ok := r.provider.Models[string(pref)]; ok && m != "" {
		return m, nil
	}
	if m, ok := r.provider.Models[string(project.PreferBalanced)]; ok && m != "" {
		return m, nil
	}
	return "", fmt.Errorf("%s: %w", pref, ErrNoModel)
}

// RunUnit implements UnitRunner.
func (r *LLMRunner) RunUnit(ctx context.Context, req UnitRequest) (UnitOutput, error) {
	model, err := r.Model(req.Worker.ModelPreference)
	if err != nil {
		return UnitOutput{}, resilience.Permanent(err)
	}

	client, err := openai.New(
		openai.WithToken(r.provider.APIKey.Value()),
		openai.WithBaseURL(r.provider.BaseURL),
		openai.WithModel(model),
		openai.WithHTTPClient(r.httpClient),
	)
	if err != nil {
		return UnitOutput{}, resilience.Permanent(recovery.Wrap(recovery.KindInvalidConfiguration, "llm client", err))
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt(req.Worker)),
		llms.TextParts(schema.ChatMessageTypeHuman, unitPrompt(req)),
	}
	resp, err := client.GenerateContent(ctx, messages, llms.WithMaxTokens(r.maxTokens))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return UnitOutput{}, ctxErr
		}
		return UnitOutput{}, classifyLLMError(req.Unit.ID, err)
	}
	if len(resp.Choices) == 0 {
		return UnitOutput{}, recovery.Wrap(recovery.KindUnexpectedRuntime, "unit "+req.Unit.ID, errors.New("empty completion"))
	}

	choice := resp.Choices[0]
	out := UnitOutput{Output: choice.Content, Tokens: totalTokens(choice.GenerationInfo)}

	if ws := req.Workspace(); ws != nil {
		path := ws.Path(workspace.OutputsDir, req.Unit.ID+".md")
		if err := ws.Fs().MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return out, recovery.Wrap(recovery.Classify(err), "saving unit output", err)
		}
		if err := afero.WriteFile(ws.Fs(), path, []byte(choice.Content), 0o644); err != nil {
			return out, recovery.Wrap(recovery.Classify(err), "saving unit output", err)
		}
	}
	return out, nil
}

func systemPrompt(w project.Worker) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s (%s).", w.Title, w.Role)
	if w.Description != "" {
		fmt.Fprintf(&b, " %s.", strings.TrimSuffix(w.Description, "."))
	}
	if len(w.Capabilities) > 0 {
		fmt.Fprintf(&b, " Expertise: %s.", strings.Join(w.Capabilities, ", "))
	}
	return b.String()
}

func unitPrompt(req UnitRequest) string {
	var b strings.Builder
	b.WriteString(req.Unit.Description)
	fmt.Fprintf(&b, "\n\nExpected output: %s", req.Unit.ExpectedOutput)

	deps := make([]string, 0, len(req.Inputs))
	for id := range req.Inputs {
		deps = append(deps, id)
	}
	sort.Strings(deps)
	for _, id := range deps {
		fmt.Fprintf(&b, "\n\nOutput of %s:\n%s", id, req.Inputs[id])
	}
	return b.String()
}

func totalTokens(info map[string]any) int {
	switch v := info["TotalTokens"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// classifyLLMError tags provider errors. Authentication and bad requests
// are permanent; rate limits, timeouts and server errors are retried.
func classifyLLMError(unitID string, err error) error {
	op := "unit " + unitID
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return resilience.Permanent(recovery.Wrap(recovery.KindAuthentication, op, err))
		case code == http.StatusTooManyRequests:
			return recovery.Wrap(recovery.KindRateLimitExceeded, op, err)
		case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
			return recovery.Wrap(recovery.KindTimeout, op, err)
		case code == http.StatusNotFound:
			return resilience.Permanent(recovery.Wrap(recovery.KindMissingResource, op, err))
		case code >= 400 && code < 500:
			return resilience.Permanent(recovery.Wrap(recovery.KindInvalidConfiguration, op, err))
		case code >= 500:
			return recovery.Wrap(recovery.KindConnectivity, op, err)
		}
	}
	return recovery.Wrap(recovery.Classify(err), op, err)
}
