package dialect

import (
	"encoding/json"
	"fmt"
)

// openAIRequest mirrors the OpenAI-compatible /v1/completions request body.
type openAIRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	MaxTokens        int      `json:"max_tokens"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p"`
	Stop             []string `json:"stop,omitempty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty"`
	Stream           bool     `json:"stream"`
}

// openAIResponse mirrors the subset of the response we read.
type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func buildOpenAIBody(model, prompt string, params Params) ([]byte, error) {
	req := openAIRequest{
		Model:            model,
		Prompt:           prompt,
		MaxTokens:        params.MaxTokens,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		Stop:             params.Stop,
		FrequencyPenalty: params.FrequencyPenalty,
		Stream:           false,
	}
	return json.Marshal(req)
}

func normalizeOpenAIResponse(body []byte) (string, string, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("dialect: openai-style response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", fmt.Errorf("dialect: openai-style response missing choices[0].text")
	}
	return resp.Model, resp.Choices[0].Text, nil
}
