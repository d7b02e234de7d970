package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stayreel/renderpipe/internal/models"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo generation backend.
// Uses the Google Gen AI SDK to generate clips from still images. The SDK
// exposes long-running operations rather than task ids, so this backend
// tracks operations in memory and maps them onto the ClipGenerator
// submit/poll contract. Completed clips are downloaded through the SDK and
// handed to the composer as local paths.
// ---------------------------------------------------------------------------

const defaultVeoModel = "veo-3.1-generate-preview"

type VeoBackend struct {
	client  *genai.Client
	model   string
	tempDir string
	logger  zerolog.Logger

	mu  sync.Mutex
	ops map[string]*genai.GenerateVideosOperation
}

func NewVeoBackend(ctx context.Context, apiKey, model, tempDir string, logger zerolog.Logger) (*VeoBackend, error) {
	if model == "" {
		model = defaultVeoModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	return &VeoBackend{
		client:  client,
		model:   model,
		tempDir: tempDir,
		logger:  logger.With().Str("component", "veo").Logger(),
		ops:     make(map[string]*genai.GenerateVideosOperation),
	}, nil
}

// SubmitClip downloads the source image and starts a Veo generation
// operation for it. The returned task id is local to this backend.
func (v *VeoBackend) SubmitClip(ctx context.Context, req ClipRequest) (*Task, error) {
	imageData, mimeType, err := v.fetchImage(ctx, req.ImageURL)
	if err != nil {
		return nil, &GenerationError{Message: "failed to fetch source image", Detail: err.Error()}
	}

	aspect := req.AspectRatio
	if aspect == "" {
		aspect = genDefaultAspect
	}

	firstFrame := &genai.Image{
		ImageBytes: imageData,
		MIMEType:   mimeType,
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      aspect,
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	operation, err := v.client.Models.GenerateVideos(ctx, v.model, req.Prompt, firstFrame, config)
	if err != nil {
		return nil, &GenerationError{Message: "failed to start video generation", Detail: err.Error()}
	}

	taskID := uuid.New().String()
	v.mu.Lock()
	v.ops[taskID] = operation
	v.mu.Unlock()

	v.logger.Info().
		Str("task_id", taskID).
		Str("operation", operation.Name).
		Str("slot", req.SlotKey).
		Msg("veo generation started")

	return &Task{ID: taskID, Status: models.TaskPending}, nil
}

// PollTask advances the tracked operation by one SDK poll. On success
// the generated clip is downloaded and the task's result location is a
// local file path.
func (v *VeoBackend) PollTask(ctx context.Context, taskID string) (*Task, error) {
	v.mu.Lock()
	operation, ok := v.ops[taskID]
	v.mu.Unlock()

	if !ok {
		return nil, &GenerationError{Message: fmt.Sprintf("unknown veo task %s", taskID)}
	}

	if !operation.Done {
		updated, err := v.client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, &GenerationError{Message: "failed to poll veo operation", Detail: err.Error()}
		}

		v.mu.Lock()
		v.ops[taskID] = updated
		v.mu.Unlock()
		operation = updated
	}

	if !operation.Done {
		return &Task{ID: taskID, Status: models.TaskRunning}, nil
	}

	if operation.Error != nil && len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return &Task{ID: taskID, Status: models.TaskFailed, Error: string(errJSON)}, nil
	}

	resp := operation.Response
	if resp == nil || len(resp.GeneratedVideos) == 0 || resp.GeneratedVideos[0].Video == nil {
		if resp != nil && resp.RAIMediaFilteredCount > 0 {
			reasons := "unknown"
			if len(resp.RAIMediaFilteredReasons) > 0 {
				reasons = strings.Join(resp.RAIMediaFilteredReasons, ", ")
			}
			return &Task{ID: taskID, Status: models.TaskFailed, Error: "clip blocked by safety filters: " + reasons}, nil
		}
		return &Task{ID: taskID, Status: models.TaskFailed, Error: "no video in completed operation"}, nil
	}

	video := resp.GeneratedVideos[0]
	downloadURI := genai.NewDownloadURIFromVideo(video.Video)
	videoBytes, err := v.client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, &GenerationError{Message: "failed to download generated clip", Detail: err.Error()}
	}
	if len(videoBytes) == 0 {
		return &Task{ID: taskID, Status: models.TaskFailed, Error: "downloaded clip is empty"}, nil
	}

	localPath := filepath.Join(v.tempDir, fmt.Sprintf("veo_%s.mp4", taskID))
	if err := os.WriteFile(localPath, videoBytes, 0644); err != nil {
		return nil, &GenerationError{Message: "failed to store generated clip", Detail: err.Error()}
	}

	v.mu.Lock()
	delete(v.ops, taskID)
	v.mu.Unlock()

	v.logger.Info().Str("task_id", taskID).Int("bytes", len(videoBytes)).Msg("veo clip ready")

	return &Task{ID: taskID, Status: models.TaskSucceeded, ResultURL: localPath}, nil
}

func (v *VeoBackend) fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	client := &http.Client{Timeout: 60 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create image request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = "image/jpeg"
	}

	return data, mimeType, nil
}
