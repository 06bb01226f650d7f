// Package quiz is the HTTP client for the quiz backend: form creation,
// response retrieval, and automated evaluation. The monitor only needs
// CreateForm at session start; the remaining calls back the proxy
// endpoints the frontend uses.
package quiz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateForm asks the backend to create a fresh Google Form for the
// current quiz and returns its public link.
func (c *Client) CreateForm(ctx context.Context) (string, error) {
	var out struct {
		Link string `json:"google_form_link"`
	}
	if err := c.getJSON(ctx, "/create-google-form", &out); err != nil {
		return "", err
	}
	if out.Link == "" {
		return "", fmt.Errorf("quiz: backend returned no form link")
	}
	return out.Link, nil
}

// LatestFormID returns the ID of the most recently created form.
func (c *Client) LatestFormID(ctx context.Context) (string, error) {
	var out struct {
		FormID string `json:"form_id"`
	}
	if err := c.getJSON(ctx, "/latest-form-id", &out); err != nil {
		return "", err
	}
	if out.FormID == "" {
		return "", fmt.Errorf("quiz: no form has been created yet")
	}
	return out.FormID, nil
}

// FetchResponses retrieves the raw response sheet for a form. The shape
// depends on the form, so the body is passed through untouched.
func (c *Client) FetchResponses(ctx context.Context, formID string) (json.RawMessage, error) {
	return c.getRaw(ctx, "/fetch-responses/"+url.PathEscape(formID))
}

// Evaluation is the graded result of the latest quiz submission.
type Evaluation struct {
	Score           int               `json:"score"`
	TotalQuestions  int               `json:"total_questions"`
	Percentage      float64           `json:"percentage"`
	QuestionResults []json.RawMessage `json:"question_results"`
}

// Evaluate grades the most recent submission against the answer key.
func (c *Client) Evaluate(ctx context.Context) (*Evaluation, error) {
	var out Evaluation
	if err := c.getJSON(ctx, "/evaluate-quiz", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateRequest describes the source material for quiz generation.
// Exactly one of File or YouTubeURL should be set.
type GenerateRequest struct {
	File         io.Reader
	Filename     string
	ContentType  string // source kind: pdf, video, or youtube
	YouTubeURL   string
	Difficulty   string
	NumQuestions int
}

// GenerateQuiz uploads source material and has the backend produce quiz
// questions from it. Returns the backend's response verbatim.
func (c *Client) GenerateQuiz(ctx context.Context, req GenerateRequest) (json.RawMessage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if req.File != nil {
		part, err := w.CreateFormFile("file", req.Filename)
		if err != nil {
			return nil, fmt.Errorf("quiz: build upload: %w", err)
		}
		if _, err := io.Copy(part, req.File); err != nil {
			return nil, fmt.Errorf("quiz: build upload: %w", err)
		}
	}
	fields := map[string]string{
		"content_type":  req.ContentType,
		"youtube_url":   req.YouTubeURL,
		"difficulty":    req.Difficulty,
		"num_questions": strconv.Itoa(req.NumQuestions),
	}
	for name, value := range fields {
		if value == "" || value == "0" {
			continue
		}
		if err := w.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("quiz: build upload: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("quiz: build upload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate-quiz", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(httpReq)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("quiz: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quiz: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("quiz: read %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("quiz: %s returned %d: %s", req.URL.Path, resp.StatusCode, snippet)
	}
	return json.RawMessage(body), nil
}
