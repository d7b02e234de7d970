package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/stayreel/renderpipe/internal/models"
)

// ---------------------------------------------------------------------------
// Image-to-video generation client.
// Follows a deferred request pattern: submit generation -> poll by task id.
// The REST backend is the default; the Veo backend (veo.go) implements the
// same interface on the Google Gen AI SDK.
// ---------------------------------------------------------------------------

const (
	genMinDuration     = 1
	genMaxDuration     = 10
	genDefaultDuration = 5
	genDefaultAspect   = "9:16" // portrait for mobile
)

// Task tracks one external clip-generation request.
type Task struct {
	ID        string
	Status    models.TaskStatus
	ResultURL string
	Error     string
}

// ClipRequest describes one clip to generate from a source image.
type ClipRequest struct {
	SlotKey     string
	ImageURL    string
	Prompt      string
	Mode        models.ProcessingMode
	DurationSec int
	AspectRatio string
	Seed        *int64
	Watermark   bool
}

// GenerationError is a structured provider failure. It crosses the
// client boundary instead of a raw transport error so the worker can
// decide retryability and keep the raw detail out of user-facing text.
type GenerationError struct {
	Message string
	Detail  string // raw provider payload, operational logs only
}

func (e *GenerationError) Error() string {
	return e.Message
}

// ClipGenerator is the narrow interface the worker drives. Both the
// REST client and the Veo backend implement it.
type ClipGenerator interface {
	SubmitClip(ctx context.Context, req ClipRequest) (*Task, error)
	PollTask(ctx context.Context, taskID string) (*Task, error)
}

// GenClient talks to the REST generation service.
type GenClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewGenClient(baseURL, apiKey, model string, logger zerolog.Logger) *GenClient {
	return &GenClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // per HTTP call, not the full poll cycle
		},
		logger: logger.With().Str("component", "generation").Logger(),
	}
}

// Request / Response wire types

type genImageInput struct {
	URL string `json:"url"`
}

type genSubmitRequest struct {
	Prompt      string        `json:"prompt"`
	Model       string        `json:"model"`
	Image       genImageInput `json:"image"`
	Mode        string        `json:"mode,omitempty"`
	Duration    int           `json:"duration,omitempty"`
	AspectRatio string        `json:"aspect_ratio,omitempty"`
	Seed        *int64        `json:"seed,omitempty"`
	Watermark   bool          `json:"watermark,omitempty"`
}

type genSubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type genPollResponse struct {
	Status    string `json:"status"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SubmitClip sends one clip-generation request and returns the tracked task.
func (c *GenClient) SubmitClip(ctx context.Context, req ClipRequest) (*Task, error) {
	duration := req.DurationSec
	if duration <= 0 {
		duration = genDefaultDuration
	}
	if duration < genMinDuration {
		duration = genMinDuration
	}
	if duration > genMaxDuration {
		duration = genMaxDuration
	}

	aspect := req.AspectRatio
	if aspect == "" {
		aspect = genDefaultAspect
	}

	body := genSubmitRequest{
		Prompt:      req.Prompt,
		Model:       c.model,
		Image:       genImageInput{URL: req.ImageURL},
		Mode:        string(req.Mode),
		Duration:    duration,
		AspectRatio: aspect,
		Seed:        req.Seed,
		Watermark:   req.Watermark,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, &GenerationError{Message: "failed to encode generation request", Detail: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return nil, &GenerationError{Message: "failed to create generation request", Detail: err.Error()}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &GenerationError{Message: "generation request failed", Detail: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GenerationError{Message: "failed to read generation response", Detail: err.Error()}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, &GenerationError{
			Message: fmt.Sprintf("generation service returned status %d", resp.StatusCode),
			Detail:  string(respBody),
		}
	}

	var submitResp genSubmitResponse
	if err := json.Unmarshal(respBody, &submitResp); err != nil {
		return nil, &GenerationError{Message: "failed to parse generation response", Detail: string(respBody)}
	}

	if submitResp.TaskID == "" {
		return nil, &GenerationError{Message: "no task id in generation response", Detail: string(respBody)}
	}

	c.logger.Info().
		Str("task_id", submitResp.TaskID).
		Str("slot", req.SlotKey).
		Int("duration_sec", duration).
		Str("aspect", aspect).
		Msg("clip generation submitted")

	return &Task{ID: submitResp.TaskID, Status: mapTaskStatus(submitResp.Status)}, nil
}

// PollTask fetches the current status of one generation task.
func (c *GenClient) PollTask(ctx context.Context, taskID string) (*Task, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/videos/tasks/%s", c.baseURL, taskID), nil)
	if err != nil {
		return nil, &GenerationError{Message: "failed to create poll request", Detail: err.Error()}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GenerationError{Message: "poll request failed", Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GenerationError{Message: "failed to read poll response", Detail: err.Error()}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &GenerationError{
			Message: fmt.Sprintf("generation service returned status %d", resp.StatusCode),
			Detail:  string(body),
		}
	}

	var pollResp genPollResponse
	if err := json.Unmarshal(body, &pollResp); err != nil {
		return nil, &GenerationError{Message: "failed to parse poll response", Detail: string(body)}
	}

	return &Task{
		ID:        taskID,
		Status:    mapTaskStatus(pollResp.Status),
		ResultURL: pollResp.ResultURL,
		Error:     pollResp.Error,
	}, nil
}

func mapTaskStatus(s string) models.TaskStatus {
	switch models.TaskStatus(s) {
	case models.TaskPending, models.TaskRunning, models.TaskSucceeded, models.TaskFailed, models.TaskCancelled:
		return models.TaskStatus(s)
	case "":
		return models.TaskPending
	default:
		return models.TaskRunning
	}
}

// ---------------------------------------------------------------------------
// Batch polling
// ---------------------------------------------------------------------------

// ProgressFunc receives batch progress: terminal task count vs total.
type ProgressFunc func(done, total int)

// BatchResult is the typed outcome of a batch wait. Tasks still pending
// at the deadline are reported in Errors, never in Completed.
type BatchResult struct {
	Completed []Task
	Failed    []Task
	Errors    []string
}

// Success reports whether every one of total tasks completed.
func (r BatchResult) Success(total int) bool {
	return len(r.Completed) == total && len(r.Failed) == 0 && len(r.Errors) == 0
}

// WaitForBatch polls all outstanding tasks until every task is terminal
// or maxWait elapses, whichever comes first. At most one status check is
// issued per task per interval.
func WaitForBatch(ctx context.Context, gen ClipGenerator, taskIDs []string, maxWait, pollInterval time.Duration, onProgress ProgressFunc) BatchResult {
	var result BatchResult

	pending := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		pending[id] = true
	}
	total := len(taskIDs)
	deadline := time.Now().Add(maxWait)

	for len(pending) > 0 {
		for id := range pending {
			task, err := gen.PollTask(ctx, id)
			if err != nil {
				// Transient poll failure: keep the task pending and
				// try again next interval.
				continue
			}

			switch task.Status {
			case models.TaskSucceeded:
				result.Completed = append(result.Completed, *task)
				delete(pending, id)
			case models.TaskFailed, models.TaskCancelled:
				result.Failed = append(result.Failed, *task)
				delete(pending, id)
			}
		}

		if onProgress != nil {
			onProgress(total-len(pending), total)
		}

		if len(pending) == 0 {
			break
		}

		if time.Now().After(deadline) {
			for id := range pending {
				result.Errors = append(result.Errors, fmt.Sprintf("task %s did not finish within %s", id, maxWait))
			}
			break
		}

		select {
		case <-ctx.Done():
			for id := range pending {
				result.Errors = append(result.Errors, fmt.Sprintf("task %s cancelled: %v", id, ctx.Err()))
			}
			return result
		case <-time.After(pollInterval):
		}
	}

	return result
}

// EstimateCost returns the unit cost of one generated clip. Used for
// reporting and budgeting only, never for control flow. Fast mode runs
// on the priority tier; relaxed queues behind it at a fraction of the
// price.
func EstimateCost(durationSeconds int, mode models.ProcessingMode) int {
	if durationSeconds <= 0 {
		return 0
	}
	blocks := int(math.Ceil(float64(durationSeconds) / 5.0))
	switch mode {
	case models.ModeRelaxed:
		return blocks * 5
	default: // fast
		return blocks * 20
	}
}
