package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/newsrag-poc-v1/agent/internal/agent/llm"
	"github.com/newsrag-poc-v1/agent/internal/agent/loop"
	"github.com/newsrag-poc-v1/agent/internal/agent/model"
	"github.com/newsrag-poc-v1/agent/internal/agent/prompts"
	"github.com/newsrag-poc-v1/agent/internal/agent/repo"
	"github.com/newsrag-poc-v1/agent/internal/agent/tools"
	"github.com/newsrag-poc-v1/agent/internal/core"
	"github.com/newsrag-poc-v1/agent/internal/front"
	"github.com/newsrag-poc-v1/agent/internal/index"
	"github.com/newsrag-poc-v1/agent/internal/ingest"
	logx "github.com/newsrag-poc-v1/agent/pkg/logger"
	pkgredis "github.com/newsrag-poc-v1/agent/pkg/redis"
)

// AppConfig is the full environment-driven configuration. A missing .env
// file is fine; real environment variables always win.
type AppConfig struct {
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	GeminiBaseURL string `envconfig:"GEMINI_BASE_URL"`

	Redis pkgredis.Config

	ResponseModel model.ResponseModelConfig
	GraderModel   model.GraderModelConfig
	Conversation  model.ConversationConfig
	Prompt        model.PromptConfig
	History       model.HistoryConfig
	Index         model.IndexConfig
	Ingest        model.IngestConfig
}

func loadConfig() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		logx.Debug().Err(err).Msg("No .env file loaded")
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process config: %w", err)
	}
	return &cfg, nil
}

func newRepository(cfg *AppConfig) (model.ConversationRepository, error) {
	ttl, err := time.ParseDuration(cfg.Conversation.TTL)
	if err != nil {
		return nil, fmt.Errorf("parse conversation TTL: %w", err)
	}

	if cfg.Redis.Enabled() {
		client, err := cfg.Redis.New()
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logx.Info().Msg("Using Redis conversation store")
		return repo.NewRedisConversationRepository(client, ttl), nil
	}

	logx.Info().Str("dir", cfg.History.Dir).Msg("Using file conversation store")
	return repo.NewFileConversationRepository(cfg.History.Dir)
}

// buildController wires the full agent: index, tools, models, grader and
// the turn loop. A missing document index degrades to a search tool that
// reports the knowledge base as unbuilt.
func buildController(ctx context.Context, cfg *AppConfig, convRepo model.ConversationRepository) (*loop.Controller, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	var searcher index.Searcher
	if index.Exists(cfg.Index.Path) {
		idx, err := index.Open(cfg.Index.Path)
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		if n, err := idx.DocCount(); err == nil {
			logx.Info().Str("path", cfg.Index.Path).Uint64("chunks", n).Msg("Document index opened")
		}
		searcher = idx
	} else {
		logx.Warn().Str("path", cfg.Index.Path).Msg("Document index not found - search will report it as unbuilt")
	}

	registry, err := tools.NewRegistry(ctx,
		time.Duration(cfg.Conversation.Tools.TimeoutS)*time.Second,
		tools.Descriptor{Tool: tools.NewSearchNewsTool(searcher, cfg.Conversation.Tools.SearchK), Graded: true},
		tools.Descriptor{Tool: tools.NewCurrentTimeTool(nil)},
	)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	models, err := llm.NewChatModels(ctx, llm.ChatModelConfig{
		APIKey:        cfg.GeminiAPIKey,
		BaseURL:       cfg.GeminiBaseURL,
		ResponseModel: &cfg.ResponseModel,
		GraderModel:   &cfg.GraderModel,
	})
	if err != nil {
		return nil, err
	}
	if err := models.BindToolsToResponseModel(ctx, registry.Infos()); err != nil {
		return nil, err
	}

	systemPrompt, err := prompts.RenderSystem(ctx, cfg.Prompt)
	if err != nil {
		return nil, err
	}

	grader := loop.NewGrader(models.Grader, models.GraderModelName)
	return loop.NewController(models.Response, grader, registry, convRepo, loop.Config{
		SystemPrompt:      systemPrompt,
		MaxRounds:         cfg.Conversation.Tools.MaxRounds,
		ResponseModelName: models.ResponseModelName,
	})
}

func newChatCmd() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal chat with the news agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			convRepo, err := newRepository(cfg)
			if err != nil {
				return err
			}
			ctrl, err := buildController(cmd.Context(), cfg, convRepo)
			if err != nil {
				return err
			}
			return front.NewCLI(ctrl, convRepo, threadID).Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread ID to resume (default: new session)")
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web chat UI with SSE streaming",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			convRepo, err := newRepository(cfg)
			if err != nil {
				return err
			}
			ctrl, err := buildController(cmd.Context(), cfg, convRepo)
			if err != nil {
				return err
			}
			return front.NewWebServer(ctrl, addr).ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Build the document index from the news CSV dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			idx, err := index.OpenOrCreate(cfg.Index.Path)
			if err != nil {
				return err
			}
			defer idx.Close()

			stats, err := ingest.Run(cmd.Context(), cfg.Ingest, idx)
			if err != nil {
				return err
			}
			total, _ := idx.DocCount()
			fmt.Fprintf(cmd.OutOrStdout(),
				"Indexed %d records (%d skipped) into %d chunks; index now holds %d chunks.\n",
				stats.Records, stats.Skipped, stats.Chunks, total)
			return nil
		},
	}
	return cmd
}

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear <thread-id>",
		Short: "Delete the stored conversation history of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			convRepo, err := newRepository(cfg)
			if err != nil {
				return err
			}
			if err := convRepo.ClearHistory(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared thread %s.\n", args[0])
			return nil
		},
	}
	return cmd
}

func main() {
	logx.Init(logx.LoggerOpts{Environment: core.FromEnv()})

	root := &cobra.Command{
		Use:           "newsagent",
		Short:         "Retrieval-augmented news agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newChatCmd(), newServeCmd(), newIngestCmd(), newClearCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logx.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
