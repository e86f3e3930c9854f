// Package scoring fetches evaluation scores from the external scoring
// service. Results messaging works without it: a missing or failing service
// just means result messages go out without a score line.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}}
}

type scoreResponse struct {
	ParticipantID string  `json:"participant_id"`
	Score         float64 `json:"score"`
}

// Score returns the participant's aggregate score. ok is false when the
// service is unreachable, times out, or has no score for the participant.
func (c *Client) Score(ctx context.Context, participantID string) (float64, bool) {
	if c == nil || c.BaseURL == "" {
		return 0, false
	}
	url := fmt.Sprintf("%s/scores/%s", c.BaseURL, participantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false
	}
	var payload scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, false
	}
	return payload.Score, true
}
