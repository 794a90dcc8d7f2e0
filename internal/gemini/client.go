// Package gemini implements the generative text/vision capability used
// to describe archived images, transcribe archived audio, and summarize
// exported field notes.
package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/dmateus/fieldlog/internal/config"
)

// Client defines the AI operations used by the media endpoints.
type Client interface {
	// DescribeImage generates a textual description for image bytes.
	DescribeImage(ctx context.Context, data []byte, mimeType, prompt string) (string, error)

	// TranscribeAudio transcribes audio bytes. Large payloads go
	// through the Files API upload/delete lifecycle.
	TranscribeAudio(ctx context.Context, data []byte, mimeType, displayName, prompt string) (string, error)

	// Summarize condenses a block of exported notes into a report.
	Summarize(ctx context.Context, text, prompt string) (string, error)
}

type sdkClient struct {
	genaiClient *genai.Client
	log         *slog.Logger
	modelName   string
	maxRetries  int
	retryDelay  time.Duration
}

// NewClient creates a Gemini client from the given configuration.
func NewClient(ctx context.Context, cfg config.GeminiConfig, logger *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	log := logger.With("component", "gemini_client")
	log.Info("Gemini client initialized", "model", cfg.Model)

	return &sdkClient{
		genaiClient: gi,
		log:         log,
		modelName:   cfg.Model,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
	}, nil
}

func (c *sdkClient) DescribeImage(ctx context.Context, data []byte, mimeType, prompt string) (string, error) {
	if len(data) == 0 || mimeType == "" {
		return "", fmt.Errorf("image data and MIME type are required")
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(data, mimeType),
		}, genai.RoleUser),
	}

	resp, err := c.generateWithRetries(ctx, contents)
	if err != nil {
		return "", fmt.Errorf("image description failed: %w", err)
	}
	return c.extractText(ctx, resp)
}

func (c *sdkClient) TranscribeAudio(ctx context.Context, data []byte, mimeType, displayName, prompt string) (string, error) {
	if len(data) == 0 || mimeType == "" {
		return "", fmt.Errorf("audio data and MIME type are required")
	}

	file, err := c.genaiClient.Files.Upload(ctx, bytes.NewReader(data), &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: displayName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload audio: %w", err)
	}
	defer func() {
		if _, derr := c.genaiClient.Files.Delete(ctx, file.Name, nil); derr != nil {
			c.log.WarnContext(ctx, "Failed to delete uploaded audio file", "file", file.Name, "error", derr)
		}
	}()

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromURI(file.URI, file.MIMEType),
		}, genai.RoleUser),
	}

	resp, err := c.generateWithRetries(ctx, contents)
	if err != nil {
		return "", fmt.Errorf("audio transcription failed: %w", err)
	}
	return c.extractText(ctx, resp)
}

func (c *sdkClient) Summarize(ctx context.Context, text, prompt string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("text to summarize is required")
	}

	full := prompt + "\n\n--- DATA START ---\n" + text + "\n--- DATA END ---"
	contents := []*genai.Content{genai.NewContentFromText(full, genai.RoleUser)}

	resp, err := c.generateWithRetries(ctx, contents)
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}
	return c.extractText(ctx, resp)
}

// generateWithRetries calls the model, retrying on retriable API errors
// (HTTP 500/503) up to maxRetries times.
func (c *sdkClient) generateWithRetries(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, c.modelName, contents, nil)
		if err == nil {
			return resp, nil
		}

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) && i < c.maxRetries {
			c.log.WarnContext(ctx, "Gemini API call failed, retrying",
				"attempt", i+1, "max_retries", c.maxRetries, "code", apiErr.Code, "delay", c.retryDelay)
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

func (c *sdkClient) extractText(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reason := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reason = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "reason", reason)
		return "", fmt.Errorf("request blocked by safety filter: %s", reason)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini returned no content")
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned empty text")
	}

	return text, nil
}
