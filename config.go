package main

import (
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	LLMModel        string `yaml:"llm_model"`
	LLMTimeoutSecs  int    `yaml:"llm_timeout_seconds"`
	LLMMaxRetries   int    `yaml:"llm_max_retries"`

	OpenAIAPIKey   string `yaml:"openai_api_key"`
	EmbeddingModel string `yaml:"embedding_model"`

	WeaviateURL    string `yaml:"weaviate_url"`
	WeaviateAPIKey string `yaml:"weaviate_api_key"`
	WeaviateClass  string `yaml:"weaviate_class"`
	ContextK       int    `yaml:"context_k"`

	JiraURL      string            `yaml:"jira_url"`
	JiraEmail    string            `yaml:"jira_email"`
	JiraAPIToken string            `yaml:"jira_api_token"`
	JiraProject  string            `yaml:"jira_project"`
	ProjectMap   map[string]string `yaml:"project_map"`

	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"`

	IndexSyncSchedule string `yaml:"index_sync_schedule"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverrideInt(&cfg.LLMTimeoutSecs, "LLM_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.LLMMaxRetries, "LLM_MAX_RETRIES")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.EmbeddingModel, "EMBEDDING_MODEL")
	envOverride(&cfg.WeaviateURL, "WEAVIATE_URL")
	envOverride(&cfg.WeaviateAPIKey, "WEAVIATE_API_KEY")
	envOverride(&cfg.WeaviateClass, "WEAVIATE_CLASS")
	envOverrideInt(&cfg.ContextK, "CONTEXT_K")
	envOverride(&cfg.JiraURL, "JIRA_URL")
	envOverride(&cfg.JiraEmail, "JIRA_EMAIL")
	envOverride(&cfg.JiraAPIToken, "JIRA_API_TOKEN")
	envOverride(&cfg.JiraProject, "JIRA_PROJECT")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.IndexSyncSchedule, "INDEX_SYNC_SCHEDULE")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")

	// Defaults
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultAnthropicModel
	}
	if cfg.LLMTimeoutSecs == 0 {
		cfg.LLMTimeoutSecs = 30
	}
	if cfg.LLMMaxRetries == 0 {
		cfg.LLMMaxRetries = 2
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.WeaviateClass == "" {
		cfg.WeaviateClass = "Ticket"
	}
	if cfg.ContextK == 0 {
		cfg.ContextK = 5
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./ticketbot.db"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	// Validate required fields
	required := map[string]string{
		"anthropic_api_key": cfg.AnthropicAPIKey,
		"jira_url":          cfg.JiraURL,
		"jira_email":        cfg.JiraEmail,
		"jira_api_token":    cfg.JiraAPIToken,
		"jira_project":      cfg.JiraProject,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	if cfg.WeaviateURL != "" && cfg.OpenAIAPIKey == "" {
		log.Fatalf("openai_api_key is required when weaviate_url is set (embeddings)")
	}
	if cfg.LLMTimeoutSecs < 1 || cfg.LLMTimeoutSecs > 300 {
		log.Fatalf("invalid llm_timeout_seconds '%d': must be between 1 and 300", cfg.LLMTimeoutSecs)
	}
	if cfg.LLMMaxRetries < 0 || cfg.LLMMaxRetries > 5 {
		log.Fatalf("invalid llm_max_retries '%d': must be between 0 and 5", cfg.LLMMaxRetries)
	}
	if cfg.ContextK < 1 || cfg.ContextK > 20 {
		log.Fatalf("invalid context_k '%d': must be between 1 and 20", cfg.ContextK)
	}
	if cfg.SlackBotToken != "" && cfg.SlackChannelID == "" {
		log.Fatalf("slack_channel_id is required when slack_bot_token is set")
	}

	cfg.JiraURL = strings.TrimRight(cfg.JiraURL, "/")
	cfg.WeaviateURL = strings.TrimRight(cfg.WeaviateURL, "/")

	return cfg
}

// ProjectKey maps a repo/project identifier to a tracker project key.
// Unmapped repos fall back to the default project.
func (c Config) ProjectKey(repo string) string {
	if key, ok := c.ProjectMap[repo]; ok && key != "" {
		return key
	}
	return c.JiraProject
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
