package config

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/model/anthropic"
	"github.com/hupe1980/agentrelay/model/gemini"
	"github.com/hupe1980/agentrelay/model/ollama"
	"github.com/hupe1980/agentrelay/model/openai"
)

// NewModel builds the completion backend named by the backend section.
func (c *Config) NewModel(ctx context.Context) (model.Model, error) {
	b := c.Backend
	switch b.Provider {
	case "openai":
		var reqOpts []option.RequestOption
		if b.APIKey != "" {
			reqOpts = append(reqOpts, option.WithAPIKey(b.APIKey))
		}
		if b.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(b.BaseURL))
		}
		client := openaisdk.NewClient(reqOpts...)
		return openai.NewModelFromClient(&client, func(o *openai.Options) {
			if b.Model != "" {
				o.Model = b.Model
			}
			o.Temperature = b.Temperature
			if b.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(b.MaxTokens)
			}
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if b.Model != "" {
				o.Model = anthropicsdk.Model(b.Model)
			}
			o.APIKey = b.APIKey
			o.Temperature = b.Temperature
			if b.MaxTokens > 0 {
				o.MaxTokens = int64(b.MaxTokens)
			}
		}), nil
	case "ollama":
		m, err := ollama.NewModel(func(o *ollama.Options) {
			if b.Model != "" {
				o.Model = b.Model
			}
			o.Host = b.BaseURL
			o.Temperature = b.Temperature
			o.NumPredict = b.MaxTokens
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	case "gemini":
		m, err := gemini.NewModel(ctx, func(o *gemini.Options) {
			if b.Model != "" {
				o.Model = b.Model
			}
			o.APIKey = b.APIKey
			o.Temperature = b.Temperature
			if b.MaxTokens > 0 {
				o.MaxOutputTokens = int32(b.MaxTokens)
			}
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	case "mock":
		return model.NewMockModel(b.Model, "mock"), nil
	default:
		return nil, fmt.Errorf("config: unknown backend provider %q", b.Provider)
	}
}
