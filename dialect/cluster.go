package dialect

import (
	"encoding/json"
	"fmt"
)

// clusterRequest mirrors the OpenAI chat-style /v1/chat/completions body.
type clusterRequest struct {
	Model       string           `json:"model"`
	Messages    []clusterMessage `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	TopP        float64          `json:"top_p"`
	Stream      bool             `json:"stream"`
}

type clusterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// clusterResponse mirrors the subset of the response we read.
type clusterResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func buildClusterBody(model, prompt string, params Params) ([]byte, error) {
	req := clusterRequest{
		Model: model,
		Messages: []clusterMessage{
			{Role: "user", Content: prompt},
		},
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stream:      false,
	}
	return json.Marshal(req)
}

func normalizeClusterResponse(body []byte) (string, string, error) {
	var resp clusterResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("dialect: cluster-style response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", fmt.Errorf("dialect: cluster-style response missing choices[0].message.content")
	}
	return resp.Model, resp.Choices[0].Message.Content, nil
}
