package config

// DefaultOllamaBaseURL is used when the ollama provider has no base_url.
const DefaultOllamaBaseURL = "http://localhost:11434"

// DefaultModel returns the model used when none is configured for the
// provider. openai_compatible has no sensible default.
func DefaultModel(provider string) string {
	switch provider {
	case ProviderOllama:
		return "deepseek-coder:6.7b"
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderGoogle:
		return "gemini-2.5-flash"
	case ProviderAnthropic:
		return "claude-haiku-4-5"
	default:
		return ""
	}
}
