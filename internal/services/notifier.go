package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Notifier delivers job outcome webhooks to the host platform. Delivery
// is best effort: callers log failures and move on, a lost notification
// never changes a job's outcome.
type Notifier struct {
	webhookURL    string
	dashboardBase string
	httpClient    *http.Client
	logger        zerolog.Logger
}

func NewNotifier(webhookURL, dashboardBase string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		webhookURL:    webhookURL,
		dashboardBase: dashboardBase,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        logger.With().Str("component", "notifier").Logger(),
	}
}

type notifyPayload struct {
	Event        string `json:"event"`
	JobID        string `json:"job_id"`
	SubmitterID  string `json:"submitter_id"`
	ContactEmail string `json:"contact_email,omitempty"`
	VideoURL     string `json:"video_url,omitempty"`
	Link         string `json:"link,omitempty"`
	Error        string `json:"error,omitempty"`
	SentAt       string `json:"sent_at"`
}

// SendReady announces a delivered render with its signed playback URL
// and a dashboard link for the submitter.
func (n *Notifier) SendReady(jobID, submitterID, contactEmail, signedURL string) error {
	return n.send(notifyPayload{
		Event:        "render.ready",
		JobID:        jobID,
		SubmitterID:  submitterID,
		ContactEmail: contactEmail,
		VideoURL:     signedURL,
		Link:         fmt.Sprintf("%s/renders/%s", n.dashboardBase, jobID),
	})
}

// SendFailed announces a permanently failed job with the failure reason
// and a link back to the submission form for another attempt.
func (n *Notifier) SendFailed(jobID, submitterID, contactEmail, errorMessage string) error {
	return n.send(notifyPayload{
		Event:        "render.failed",
		JobID:        jobID,
		SubmitterID:  submitterID,
		ContactEmail: contactEmail,
		Error:        errorMessage,
		Link:         fmt.Sprintf("%s/renders/new?retry=%s", n.dashboardBase, jobID),
	})
}

func (n *Notifier) send(payload notifyPayload) error {
	if n.webhookURL == "" {
		n.logger.Debug().Str("event", payload.Event).Msg("no webhook configured, skipping notification")
		return nil
	}

	payload.SentAt = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest("POST", n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}

	n.logger.Info().
		Str("event", payload.Event).
		Str("job_id", payload.JobID).
		Msg("notification sent")

	return nil
}
