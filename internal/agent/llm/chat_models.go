package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/newsrag-poc-v1/agent/internal/agent/model"
	logx "github.com/newsrag-poc-v1/agent/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation.
type ChatModelConfig struct {
	APIKey        string
	BaseURL       string
	ResponseModel *model.ResponseModelConfig
	GraderModel   *model.GraderModelConfig
}

// ChatModels holds the answering model and the relevance grading model.
type ChatModels struct {
	Response          *gemini.ChatModel
	Grader            *gemini.ChatModel
	ResponseModelName string
	GraderModelName   string
}

// NewChatModels creates both chat models on a shared Gemini client.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	chatModelResponse, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.ResponseModel.Model,
		Temperature: &config.ResponseModel.Temperature,
		MaxTokens:   &config.ResponseModel.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating response model")
		return nil, fmt.Errorf("error creating response model: %w", err)
	}

	chatModelGrader, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.GraderModel.Model,
		Temperature: &config.GraderModel.Temperature,
		MaxTokens:   &config.GraderModel.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating grader model")
		return nil, fmt.Errorf("error creating grader model: %w", err)
	}

	return &ChatModels{
		Response:          chatModelResponse,
		Grader:            chatModelGrader,
		ResponseModelName: config.ResponseModel.Model,
		GraderModelName:   config.GraderModel.Model,
	}, nil
}

// BindToolsToResponseModel binds the registered tool infos to the answering model.
func (cm *ChatModels) BindToolsToResponseModel(ctx context.Context, tools []*schema.ToolInfo) error {
	if err := cm.Response.BindTools(tools); err != nil {
		logx.Error().Err(err).Msg("Failed to bind tools")
		return fmt.Errorf("failed to bind tools: %w", err)
	}

	logx.Debug().Int("tool_count", len(tools)).Msg("Successfully bound tools to response model")
	return nil
}
