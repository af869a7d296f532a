package llm

import "strings"

// Model-name families that run through local or aggregator inference stacks
// and do not reliably honor response_format schemas or tool-call payloads.
var localFamilies = []string{"ollama:", "together:", "groq:", "local:"}

// Families with first-party structured output and tool calling.
var nativeFamilies = []string{"openai:", "anthropic:", "google:", "gemini:"}

// DetectCapabilities maps a model name to its capability defaults. Unknown
// families get native tool calling but are treated conservatively for
// structured output, which the JSON-mode fallback handles.
func DetectCapabilities(model string) Capabilities {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, fam := range localFamilies {
		if strings.HasPrefix(m, fam) {
			return Capabilities{NativeStructured: false, NativeTools: false}
		}
	}
	for _, fam := range nativeFamilies {
		if strings.HasPrefix(m, fam) {
			return Capabilities{NativeStructured: true, NativeTools: true}
		}
	}
	return Capabilities{NativeStructured: false, NativeTools: true}
}

// ResolveCapabilities applies optional per-model config overrides on top of
// the family defaults.
func ResolveCapabilities(model string, nativeStructured, nativeTools *bool) Capabilities {
	caps := DetectCapabilities(model)
	if nativeStructured != nil {
		caps.NativeStructured = *nativeStructured
	}
	if nativeTools != nil {
		caps.NativeTools = *nativeTools
	}
	return caps
}
