package llm

import (
	"strings"
	"time"
)

// NewProvider constructs the adapter named by providerName.
func NewProvider(providerName, baseURL, apiKey string, connectTimeout, readTimeout time.Duration) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(providerName)) {
	case "", "ollama":
		return NewOllama(OllamaConfig{
			BaseURL:        baseURL,
			ConnectTimeout: connectTimeout,
			ReadTimeout:    readTimeout,
		}), nil
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:      apiKey,
			BaseURL:     baseURL,
			ReadTimeout: readTimeout,
		})
	default:
		return nil, &ConfigurationError{Message: "unknown provider: " + providerName}
	}
}
