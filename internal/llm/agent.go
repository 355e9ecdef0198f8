package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/nudge/internal/config"
)

// Runtime is the slice of the agent runtime we use (allows mocking in tests).
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime instance.
type RuntimeFactory func(cfg *config.Config, sysPrompt string) (Runtime, error)

// DefaultRuntimeFactory creates the real agentsdk-go runtime.
func DefaultRuntimeFactory(cfg *config.Config, sysPrompt string) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   cfg.Agent.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  sysPrompt,
		MaxIterations: cfg.Agent.MaxToolIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// AgentClient drives the conversational agent runtime.
type AgentClient struct {
	runtime Runtime
}

// NewAgentClient builds the conversational client. Pass a nil factory to
// use the real runtime.
func NewAgentClient(cfg *config.Config, sysPrompt string, factory RuntimeFactory) (*AgentClient, error) {
	if factory == nil {
		factory = DefaultRuntimeFactory
	}
	rt, err := factory(cfg, sysPrompt)
	if err != nil {
		return nil, err
	}
	return &AgentClient{runtime: rt}, nil
}

func (c *AgentClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	resp, err := c.runtime.Run(ctx, api.Request{
		Prompt:    prompt,
		SessionID: opts.SessionID,
	})
	if err != nil {
		return "", fmt.Errorf("run agent: %w", err)
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Result.Output), nil
}

func (c *AgentClient) Close() {
	if c.runtime != nil {
		c.runtime.Close()
	}
}
