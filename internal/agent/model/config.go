package model

// ================ Config ================

// ResponseModelConfig configures the tool-calling answering model.
type ResponseModelConfig struct {
	Model       string  `envconfig:"RESPONSE_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"RESPONSE_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"RESPONSE_TEMPERATURE" default:"0"`
}

// GraderModelConfig configures the relevance grading model. Grading is a
// single yes/no classification, so the defaults are deliberately tight.
type GraderModelConfig struct {
	Model       string  `envconfig:"GRADER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"GRADER_MAX_TOKENS" default:"16"`
	Temperature float32 `envconfig:"GRADER_TEMPERATURE" default:"0"`
}

// ConversationConfig configures per-thread persistence and the turn loop.
type ConversationConfig struct {
	TTL string `envconfig:"CONVERSATION_TTL" default:"0"`
	Tools struct {
		MaxRounds int `envconfig:"CONVERSATION_TOOL_MAX_ROUNDS" default:"5"`
		TimeoutS  int `envconfig:"CONVERSATION_TOOL_TIMEOUT_SECONDS" default:"15"`
		SearchK   int `envconfig:"CONVERSATION_SEARCH_TOP_K" default:"5"`
	}
}

// PromptConfig parameterizes the fixed system instruction.
type PromptConfig struct {
	AgentName string `envconfig:"PROMPT_AGENT_NAME" default:"Newsdesk"`
}

// HistoryConfig configures the file-based conversation store used when no
// Redis URL is present.
type HistoryConfig struct {
	Dir string `envconfig:"HISTORY_DIR" default:".history"`
}

// IndexConfig locates the on-disk document index the search tool queries.
type IndexConfig struct {
	Path string `envconfig:"INDEX_PATH" default:"news.bleve"`
}

// IngestConfig configures the offline CSV ingestion pipeline.
type IngestConfig struct {
	DataFile     string `envconfig:"INGEST_DATA_FILE" default:"lenta-ru-news.csv"`
	Limit        int    `envconfig:"INGEST_LIMIT" default:"100"`
	ChunkSize    int    `envconfig:"INGEST_CHUNK_SIZE" default:"500"`
	ChunkOverlap int    `envconfig:"INGEST_CHUNK_OVERLAP" default:"200"`
	BatchSize    int    `envconfig:"INGEST_BATCH_SIZE" default:"500"`
}
