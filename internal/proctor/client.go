// Package proctor wraps the remote visual inference service. The service
// is an opaque function from JPEG frames to structured gaze/face results;
// this client only speaks its HTTP protocol and normalizes responses.
package proctor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FrameResult is the per-frame response from the inference service. All
// fields are pointers because the service may return any subset; a nil
// field means "no update" and the previous value is retained.
type FrameResult struct {
	FaceDetected      *bool       `json:"face_detected"`
	LookingAtScreen   *bool       `json:"looking_at_screen"`
	LookDirection     *string     `json:"look_direction"`
	EyesClosed        *bool       `json:"eyes_closed"`
	BlinkDuration     *float64    `json:"blink_duration"`
	LongBlinkCount    *int        `json:"long_blink_count"`
	HeadPose          *[3]float64 `json:"head_pose"`
	EAR               *float64    `json:"ear"`
	Warnings          *int        `json:"warnings"`
	MaxWarnings       *int        `json:"max_warnings"`
	ViolationDetected *bool       `json:"violation_detected"`
}

// Client is a session-scoped protocol wrapper for the inference service.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// StartSession opens an exam session on the inference service. It must
// succeed before any frame is submitted; a failure here aborts the whole
// session start and is not retried.
func (c *Client) StartSession(ctx context.Context) error {
	if err := c.post(ctx, "/start-exam", nil, nil); err != nil {
		return fmt.Errorf("start exam session: %w", err)
	}
	return nil
}

// SubmitFrame sends one JPEG frame and returns the parsed result. The
// image travels as a base64 data URL, matching what the service expects
// from browser captures.
func (c *Client) SubmitFrame(ctx context.Context, jpeg []byte) (*FrameResult, error) {
	body := map[string]string{
		"image": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
	}
	var result FrameResult
	if err := c.post(ctx, "/process-frame", body, &result); err != nil {
		return nil, fmt.Errorf("process frame: %w", err)
	}
	return &result, nil
}

// EndSession closes the exam session. Best-effort: callers log failures
// and move on with teardown.
func (c *Client) EndSession(ctx context.Context) error {
	if err := c.post(ctx, "/end-exam", nil, nil); err != nil {
		return fmt.Errorf("end exam session: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: %d %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
