package llm

import (
	"sync"
	"time"

	"agrimater/pkg/utils"
)

const (
	// DefaultBaseURL is the chat completions endpoint.
	DefaultBaseURL = "https://api.groq.com/openai/v1/chat/completions"
	// DefaultModel is used when GROQ_MODEL is not set.
	DefaultModel = "llama-3.1-8b-instant"

	// DefaultSystemPrompt frames every conversation.
	DefaultSystemPrompt = "You are Agrimater AI assistant. You help people understand Agrimater's mission to transform India's agricultural supply chain with AI-powered transparency, verification, and logistics. Keep responses concise, friendly, and under 3 sentences. ALWAYS respond in English only, regardless of the user's language. Use natural pauses with commas, periods, and proper punctuation to make speech sound realistic and conversational."
)

// Config contains configuration for the completion client and the session
// tokens issued by the gateway.
type Config struct {
	// APIKey is the Groq API key. Chat is unavailable without it.
	APIKey string
	// BaseURL is the chat completions endpoint.
	BaseURL string
	// DefaultModel is the preferred model.
	DefaultModel string
	// FallbackModels is the ordered ladder tried after the preferred model
	// fails. The preferred model is skipped when it appears in the list.
	FallbackModels []string
	// Temperature and MaxTokens are the completion defaults.
	Temperature float64
	MaxTokens   int
	// MaxRetries is the number of application level retries per model.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// SystemPrompt is sent ahead of every user message.
	SystemPrompt string
	// HistoryPairs is the number of past exchanges folded into the prompt.
	HistoryPairs int

	// JWTSecret signs session tokens.
	JWTSecret string
	// AuthDisabled skips session token checks (development only).
	AuthDisabled bool
}

var (
	// config is the singleton instance of the configuration
	config *Config
	// configOnce ensures the configuration is initialized only once
	configOnce sync.Once
)

// GetConfig returns the singleton configuration. On first call it reads the
// optional YAML file and the environment; environment values win.
func GetConfig() *Config {
	configOnce.Do(func() {
		file, err := utils.LoadFileConfig()
		if err != nil {
			file = &utils.FileConfig{}
		}
		config = LoadConfig(file)
	})
	return config
}

// LoadConfig builds a Config from the file sections and the environment.
func LoadConfig(file *utils.FileConfig) *Config {
	if file == nil {
		file = &utils.FileConfig{}
	}
	s := file.LLM

	cfg := &Config{
		BaseURL:        DefaultBaseURL,
		DefaultModel:   DefaultModel,
		FallbackModels: DefaultModels(),
		Temperature:    0.7,
		MaxTokens:      300,
		MaxRetries:     2,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		SystemPrompt:   DefaultSystemPrompt,
		HistoryPairs:   5,
	}
	if s.BaseURL != "" {
		cfg.BaseURL = s.BaseURL
	}
	if s.DefaultModel != "" {
		cfg.DefaultModel = s.DefaultModel
	}
	if len(s.FallbackModels) > 0 {
		cfg.FallbackModels = append([]string(nil), s.FallbackModels...)
	}
	if s.Temperature != nil {
		cfg.Temperature = *s.Temperature
	}
	if s.MaxTokens > 0 {
		cfg.MaxTokens = s.MaxTokens
	}
	if s.MaxRetries != nil && *s.MaxRetries >= 0 {
		cfg.MaxRetries = *s.MaxRetries
	}
	if s.BaseDelay > 0 {
		cfg.BaseDelay = s.BaseDelay
	}
	if s.MaxDelay > 0 {
		cfg.MaxDelay = s.MaxDelay
	}
	if s.SystemPrompt != "" {
		cfg.SystemPrompt = s.SystemPrompt
	}
	if s.HistoryPairs > 0 {
		cfg.HistoryPairs = s.HistoryPairs
	}

	cfg.APIKey = utils.GetEnvWithDefault("GROQ_API_KEY", "")
	cfg.BaseURL = utils.GetEnvWithDefault("GROQ_BASE_URL", cfg.BaseURL)
	cfg.DefaultModel = utils.GetEnvWithDefault("GROQ_MODEL", cfg.DefaultModel)
	cfg.JWTSecret = utils.GetEnvWithDefault("JWT_SECRET", "")
	cfg.AuthDisabled = utils.GetEnvBool("DISABLE_AUTH")
	return cfg
}

// DefaultModels returns the fallback ladder, most preferred first.
func DefaultModels() []string {
	return []string{
		"llama-3.1-8b-instant",
		"llama3-70b-8192",
		"gemma-7b-it",
		"mixtral-8x7b-32768",
	}
}
