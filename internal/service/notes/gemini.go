package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const systemPrompt = `You are a clinical documentation assistant. Write a concise clinical note
from the encounter transcript using the requested template's section headings.
Do not invent findings that are not supported by the transcript.`

// GeminiGenerator drafts notes with a Gemini model.
type GeminiGenerator struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiGenerator creates a generator for modelName.
func NewGeminiGenerator(ctx context.Context, apiKey, modelName string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.GenerationConfig.SetMaxOutputTokens(4096)
	model.GenerationConfig.SetTemperature(0.2)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

// Generate implements Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (string, error) {
	template := req.TemplateID
	if template == "" {
		template = "soap"
	}
	prompt := []genai.Part{
		genai.Text(fmt.Sprintf("Template: %s\n", template)),
		genai.Text("<transcript>\n" + req.Transcript + "\n</transcript>\n"),
	}
	if req.ProviderNotes != "" {
		prompt = append(prompt, genai.Text("<provider-notes>\n"+req.ProviderNotes+"\n</provider-notes>\n"))
	}

	resp, err := g.model.GenerateContent(ctx, prompt...)
	if err != nil {
		return "", err
	}
	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return "", errors.New("gemini returned an empty note")
	}
	return text, nil
}

// Close releases the client.
func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
