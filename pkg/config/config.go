package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	SQLite       SQLiteConfig
	Milvus       MilvusConfig
	Redis        RedisConfig
	LLM          LLMConfig
	Ingestion    IngestionConfig
	Retrieval    RetrievalConfig
	Generation   GenerationConfig
	Orchestrator OrchestratorConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	TimeoutSec     int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLHours int
}

type LLMConfig struct {
	APIKey               string
	Model                string
	EmbeddingModel       string
	Temperature          float32
	MaxTokens            int
	CompletionTimeoutSec int
	EmbeddingTimeoutSec  int
	PromptCostPer1K      float64
	CompletionCostPer1K  float64
}

type IngestionConfig struct {
	MaxChunkTokens   int
	OverlapTokens    int
	MinChunkTokens   int
	EmbedBatchSize   int
	EmbedParallelism int
}

type RetrievalConfig struct {
	CandidateMultiplier int
	MinLexicalPool      int
	VectorWeight        float64
	LexicalWeight       float64
	DiversityThreshold  float64
	DefaultTopK         int
}

type GenerationConfig struct {
	PromptTokenCeiling int
	ContextTokens      int
}

type OrchestratorConfig struct {
	Workers             int
	MaxAttempts         int
	RetryInitialDelayMS int
	RetryMaxDelayMS     int
	JobTimeoutSec       int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/docuflow")

	viper.SetEnvPrefix("DOCUFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 20971520)

	viper.SetDefault("sqlite.path", "./data/docuflow.db")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "document_chunks")
	viper.SetDefault("milvus.vectorDim", 1536)
	viper.SetDefault("milvus.timeoutSec", 10)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlHours", 24)

	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.completionTimeoutSec", 60)
	viper.SetDefault("llm.embeddingTimeoutSec", 15)
	viper.SetDefault("llm.promptCostPer1K", 0.01)
	viper.SetDefault("llm.completionCostPer1K", 0.03)

	viper.SetDefault("ingestion.maxChunkTokens", 512)
	viper.SetDefault("ingestion.overlapTokens", 64)
	viper.SetDefault("ingestion.minChunkTokens", 16)
	viper.SetDefault("ingestion.embedBatchSize", 64)
	viper.SetDefault("ingestion.embedParallelism", 2)

	viper.SetDefault("retrieval.candidateMultiplier", 4)
	viper.SetDefault("retrieval.minLexicalPool", 3)
	viper.SetDefault("retrieval.vectorWeight", 0.7)
	viper.SetDefault("retrieval.lexicalWeight", 0.3)
	viper.SetDefault("retrieval.diversityThreshold", 0.85)
	viper.SetDefault("retrieval.defaultTopK", 8)

	viper.SetDefault("generation.promptTokenCeiling", 6144)
	viper.SetDefault("generation.contextTokens", 3072)

	viper.SetDefault("orchestrator.workers", 4)
	viper.SetDefault("orchestrator.maxAttempts", 3)
	viper.SetDefault("orchestrator.retryInitialDelayMS", 500)
	viper.SetDefault("orchestrator.retryMaxDelayMS", 5000)
	viper.SetDefault("orchestrator.jobTimeoutSec", 120)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
