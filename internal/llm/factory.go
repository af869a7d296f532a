package llm

import (
	"fmt"

	"github.com/mohammad-safakhou/delver/config"
)

// NewAdapterFromConfig resolves a routed model name against the configured
// providers and builds an adapter for it.
func NewAdapterFromConfig(cfg *config.Config, modelName string, opts ...Option) (*Adapter, error) {
	for provName, prov := range cfg.LLM.Providers {
		model, ok := prov.Models[modelName]
		if !ok {
			continue
		}
		var backend Backend
		switch prov.Type {
		case "openai":
			backend = NewOpenAIBackend(modelName, model.APIName, prov.APIKey, prov.BaseURL, prov.Timeout)
		case "ollama":
			backend = NewOllamaBackend(modelName, model.APIName, prov.BaseURL, prov.Timeout)
		default:
			return nil, fmt.Errorf("provider %s: unsupported type %q", provName, prov.Type)
		}
		desc := Descriptor{
			Model:           modelName,
			ContextWindow:   model.ContextWindow,
			MaxTokens:       model.MaxTokens,
			Temperature:     model.Temperature,
			CostPer1KInput:  model.CostPer1K,
			CostPer1KOutput: model.CostPer1KOutput,
			Capabilities:    ResolveCapabilities(modelName, model.NativeStructured, model.NativeTools),
		}
		if prov.Type == "ollama" {
			// Local inference never gets the native paths regardless of name.
			desc.Capabilities = Capabilities{NativeStructured: false, NativeTools: false}
			if model.NativeStructured != nil {
				desc.Capabilities.NativeStructured = *model.NativeStructured
			}
			if model.NativeTools != nil {
				desc.Capabilities.NativeTools = *model.NativeTools
			}
		}
		return NewAdapter(backend, desc, opts...), nil
	}
	return nil, fmt.Errorf("model %q not found in any configured provider", modelName)
}
