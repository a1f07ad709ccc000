package dialect

import (
	"encoding/json"
	"fmt"
)

// nativeRequest mirrors the native /api/generate request body.
type nativeRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options nativeOptions `json:"options"`
	Stop    []string `json:"stop,omitempty"`
}

type nativeOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// nativeResponse mirrors the subset of the response we read. Response is a
// pointer so a present-but-empty string is distinguishable from a missing
// field.
type nativeResponse struct {
	Model    string  `json:"model"`
	Response *string `json:"response"`
}

func buildNativeBody(model, prompt string, params Params) ([]byte, error) {
	req := nativeRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: nativeOptions{
			NumPredict:  params.MaxTokens,
			Temperature: params.Temperature,
			TopP:        params.TopP,
		},
		Stop: params.Stop,
	}
	return json.Marshal(req)
}

func normalizeNativeResponse(body []byte) (string, string, error) {
	var resp nativeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("dialect: native-style response: %w", err)
	}
	if resp.Response == nil {
		return "", "", fmt.Errorf("dialect: native-style response missing \"response\" field")
	}
	return resp.Model, *resp.Response, nil
}
