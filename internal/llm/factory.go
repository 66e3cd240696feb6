package llm

import "fmt"

// Provider backends selectable by name.
const (
	ProviderTGI    = "tgi"
	ProviderOllama = "ollama"
)

// ProviderConfig selects and configures a backend.
type ProviderConfig struct {
	Provider string

	// TGI
	Endpoint string // full URL; overrides BaseURL+ModelID when set
	BaseURL  string
	ModelID  string
	Token    string

	// Ollama
	OllamaURL   string
	OllamaModel string
}

// New builds the provider named by cfg.Provider.
func New(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case ProviderTGI, "":
		var opts []TGIOption
		switch {
		case cfg.Endpoint != "":
			opts = append(opts, WithEndpoint(cfg.Endpoint))
		case cfg.BaseURL != "" || cfg.ModelID != "":
			base, model := cfg.BaseURL, cfg.ModelID
			if base == "" {
				base = DefaultTGIBaseURL
			}
			if model == "" {
				model = DefaultTGIModel
			}
			opts = append(opts, WithModelEndpoint(base, model))
		}
		if cfg.Token != "" {
			opts = append(opts, WithToken(cfg.Token))
		}
		return NewTGIClient(opts...), nil
	case ProviderOllama:
		var opts []OllamaOption
		if cfg.OllamaURL != "" {
			opts = append(opts, WithBaseURL(cfg.OllamaURL))
		}
		if cfg.OllamaModel != "" {
			opts = append(opts, WithModel(cfg.OllamaModel))
		}
		return NewOllamaClient(opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
