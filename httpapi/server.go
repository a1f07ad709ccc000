// Package httpapi is the thin management HTTP surface over a core.Pool:
// every handler parses the transport payload and delegates to the Pool's
// observable surface, performing no business logic of its own.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LaansDole/distributed-llm-mac/core"
)

// Server wires a core.Pool to a gin engine exposing process/batch/status/
// metrics/health endpoints.
type Server struct {
	pool   *core.Pool
	engine *gin.Engine
}

// NewServer builds the gin engine and registers every route. releaseMode
// disables gin's debug logging for non-development runs.
func NewServer(pool *core.Pool, releaseMode bool) *Server {
	if releaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	s := &Server{pool: pool, engine: r}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.POST("/v1/process", s.handleProcess)
	s.engine.POST("/v1/batch", s.handleBatch)
	s.engine.GET("/v1/status", s.handleStatus)
	s.engine.GET("/v1/metrics", s.handleMetrics)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/health", s.handleHealth)
}

// generationParams is the wire shape of caller-supplied generation
// parameters. Temperature and TopP are pointers so a JSON literal 0 binds to
// a non-nil pointer to 0.0 and is distinguished from a field the caller left
// out entirely (which stays nil): see core.RequestParams.
type generationParams struct {
	MaxTokens        int      `json:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature"`
	TopP             *float64 `json:"top_p"`
	Stop             []string `json:"stop,omitempty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty"`
}

func (b generationParams) toParams() core.RequestParams {
	return core.RequestParams{
		MaxTokens:        b.MaxTokens,
		Temperature:      b.Temperature,
		TopP:             b.TopP,
		Stop:             b.Stop,
		FrequencyPenalty: b.FrequencyPenalty,
	}
}

type processRequestBody struct {
	Prompt string `json:"prompt" binding:"required"`
	generationParams
}

// handleProcess implements POST /v1/process.
func (s *Server) handleProcess(c *gin.Context) {
	var body processRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "invalid request body: " + err.Error(), "type": "invalid_request_error"},
		})
		return
	}

	result, err := s.pool.ProcessRequest(c.Request.Context(), body.Prompt, body.toParams())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"error":   errorPayload(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"worker_id":       result.WorkerID,
		"model":           result.Model,
		"response_text":   result.ResponseText,
		"duration_seconds": result.Duration.Seconds(),
	})
}

type batchRequestBody struct {
	Prompts       []string `json:"prompts" binding:"required"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	generationParams
}

// handleBatch implements POST /v1/batch.
func (s *Server) handleBatch(c *gin.Context) {
	var body batchRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "invalid request body: " + err.Error(), "type": "invalid_request_error"},
		})
		return
	}
	if len(body.Prompts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "prompts must be non-empty", "type": "invalid_request_error"},
		})
		return
	}

	outcomes, err := s.pool.ProcessBatch(c.Request.Context(), body.Prompts, body.generationParams.toParams(), body.MaxConcurrent, nil)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"message": err.Error(), "type": "server_error"},
		})
		return
	}

	out := make([]gin.H, len(outcomes))
	for i, o := range outcomes {
		if o.Success {
			out[i] = gin.H{
				"success":           true,
				"worker_id":         o.Result.WorkerID,
				"model":             o.Result.Model,
				"response_text":     o.Result.ResponseText,
				"duration_seconds":  o.Result.Duration.Seconds(),
			}
		} else {
			out[i] = gin.H{
				"success":      false,
				"prompt_index": o.PromptIndex,
				"error_kind":   string(o.ErrorKind),
				"message":      o.Message,
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": out})
}

// handleStatus implements GET /v1/status.
func (s *Server) handleStatus(c *gin.Context) {
	statuses, err := s.pool.GetWorkerStatus()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"message": err.Error(), "type": "server_error"},
		})
		return
	}

	out := make([]gin.H, len(statuses))
	for i, st := range statuses {
		out[i] = gin.H{
			"id":        st.ID,
			"model":     st.Model,
			"healthy":   st.Healthy,
			"in_flight": st.InFlight,
			"ceiling":   st.Ceiling,
			"total":     st.Total,
		}
	}
	c.JSON(http.StatusOK, gin.H{"workers": out})
}

// handleMetrics implements GET /v1/metrics.
func (s *Server) handleMetrics(c *gin.Context) {
	view, err := s.pool.GetMetrics()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"message": err.Error(), "type": "server_error"},
		})
		return
	}

	workerMetrics := make([]gin.H, len(view.WorkerMetrics))
	for i, wm := range view.WorkerMetrics {
		workerMetrics[i] = gin.H{
			"id":                wm.ID,
			"healthy":           wm.Healthy,
			"in_flight":         wm.InFlight,
			"ceiling":           wm.Ceiling,
			"total":             wm.Total,
			"successes":         wm.Successes,
			"failures":          wm.Failures,
			"success_rate":      wm.SuccessRate,
			"avg_response_time": wm.AvgResponseTime,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"request_metrics": gin.H{
			"total_requests":       view.RequestMetrics.TotalRequests,
			"successful_requests":  view.RequestMetrics.SuccessfulRequests,
			"failed_requests":      view.RequestMetrics.FailedRequests,
			"success_rate":         view.RequestMetrics.SuccessRate,
			"average_response_time": view.RequestMetrics.AverageResponseTime,
			"min_response_time":    view.RequestMetrics.MinResponseTime,
			"max_response_time":    view.RequestMetrics.MaxResponseTime,
			"requests_per_second":  view.RequestMetrics.RequestsPerSecond,
		},
		"worker_metrics": workerMetrics,
	})
}

// handleHealth reports process liveness, distinct from /v1/status's worker
// health.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func errorPayload(err error) gin.H {
	are, ok := err.(*core.AllRetriesExhaustedError)
	if !ok {
		return gin.H{"message": err.Error(), "type": "server_error"}
	}
	kind := "unknown"
	if de, ok := are.Last.(*core.DispatchError); ok {
		kind = string(de.Kind)
	}
	return gin.H{
		"message":  err.Error(),
		"type":     "all_retries_exhausted",
		"attempts": are.Attempts,
		"kind":     kind,
	}
}
