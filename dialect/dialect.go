// Package dialect implements the wire-protocol differences between the
// upstream inference servers a worker can point at. Each dialect is a tagged
// variant: a Dialect value selects which URL layout, request body shape, and
// response extraction rule applies, rather than workers subclassing a base
// type.
package dialect

import "fmt"

// Dialect identifies the wire protocol family spoken by a worker.
type Dialect string

const (
	// OpenAIStyle speaks the OpenAI-compatible /v1/completions API.
	OpenAIStyle Dialect = "openai-style"
	// NativeStyle speaks the Ollama-style /api/generate API.
	NativeStyle Dialect = "native-style"
	// ClusterStyle speaks an OpenAI-compatible /v1/chat/completions API.
	ClusterStyle Dialect = "cluster-style"
)

// Valid reports whether d is one of the known dialects.
func (d Dialect) Valid() bool {
	switch d {
	case OpenAIStyle, NativeStyle, ClusterStyle:
		return true
	default:
		return false
	}
}

// Params carries the caller-supplied generation parameters, already
// defaulted and clamped by the caller (core.Dispatcher) before a dialect
// builds a request body from them.
type Params struct {
	MaxTokens        int
	Temperature      float64
	TopP             float64
	Stop             []string
	FrequencyPenalty float64
}

// RequestPath returns the upstream path used to submit a completion.
func RequestPath(d Dialect) (string, error) {
	switch d {
	case OpenAIStyle:
		return "/v1/completions", nil
	case NativeStyle:
		return "/api/generate", nil
	case ClusterStyle:
		return "/v1/chat/completions", nil
	default:
		return "", fmt.Errorf("dialect: unknown dialect %q", d)
	}
}

// HealthPath returns the upstream path used to probe liveness.
func HealthPath(d Dialect) (string, error) {
	switch d {
	case OpenAIStyle:
		return "/v1/models", nil
	case NativeStyle:
		return "/api/tags", nil
	case ClusterStyle:
		return "/v1/models", nil
	default:
		return "", fmt.Errorf("dialect: unknown dialect %q", d)
	}
}

// BuildRequestBody marshals prompt and params into the dialect's JSON body
// shape for the given model.
func BuildRequestBody(d Dialect, model, prompt string, params Params) ([]byte, error) {
	switch d {
	case OpenAIStyle:
		return buildOpenAIBody(model, prompt, params)
	case NativeStyle:
		return buildNativeBody(model, prompt, params)
	case ClusterStyle:
		return buildClusterBody(model, prompt, params)
	default:
		return nil, fmt.Errorf("dialect: unknown dialect %q", d)
	}
}

// NormalizeResponse extracts {model, response_text} from a dialect's raw
// response body. A non-nil error means the body did not parse or the
// expected extraction path was absent.
func NormalizeResponse(d Dialect, body []byte) (model string, text string, err error) {
	switch d {
	case OpenAIStyle:
		return normalizeOpenAIResponse(body)
	case NativeStyle:
		return normalizeNativeResponse(body)
	case ClusterStyle:
		return normalizeClusterResponse(body)
	default:
		return "", "", fmt.Errorf("dialect: unknown dialect %q", d)
	}
}
