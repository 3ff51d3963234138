package classify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// OpenRouterConfig drives the chat-completions classifier. TextModel handles
// text passages, VisionModel handles images and video frames.
type OpenRouterConfig struct {
	BaseURL     string
	APIKey      string
	TextModel   string
	VisionModel string
	Timeout     time.Duration
	Attempts    int
}

// OpenRouterClassifier talks to an OpenAI-compatible chat-completions
// endpoint and parses the model's JSON reply into findings.
type OpenRouterClassifier struct {
	cfg        OpenRouterConfig
	httpClient *http.Client
}

func NewOpenRouterClassifier(cfg OpenRouterConfig) (*OpenRouterClassifier, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("classify: base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("classify: API key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 2
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &OpenRouterClassifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenRouterClassifier) ClassifyText(ctx context.Context, req TextRequest) ([]Finding, error) {
	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = SourceOCR
	}
	if _, err := ParseSourceType(sourceType); err != nil {
		return nil, err
	}
	content := fmt.Sprintf("%s\n\nContent to review:\n%s", req.Prompt, req.Text)
	raw, err := c.complete(ctx, c.cfg.TextModel, []chatMessage{{Role: "user", Content: content}})
	if err != nil {
		return nil, err
	}
	findings, err := parseFindings(raw)
	if err != nil {
		return nil, err
	}
	for i := range findings {
		findings[i].SourceType = sourceType
		findings[i].PageNumber = req.PageNumber
		findings[i].ModelName = c.cfg.TextModel
		findings[i].RawResponse = raw
	}
	return findings, nil
}

func (c *OpenRouterClassifier) ClassifyImage(ctx context.Context, req ImageRequest) ([]Finding, error) {
	dataURL, err := encodeImageDataURL(req.Path)
	if err != nil {
		return nil, err
	}
	content := []map[string]any{
		{"type": "text", "text": req.Prompt},
		{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
	}
	raw, err := c.complete(ctx, c.cfg.VisionModel, []chatMessage{{Role: "user", Content: content}})
	if err != nil {
		return nil, err
	}
	findings, err := parseFindings(raw)
	if err != nil {
		return nil, err
	}
	for i := range findings {
		findings[i].SourceType = SourceVisual
		findings[i].Evidence = req.Path
		findings[i].TimestampSec = req.TimestampSec
		findings[i].PageNumber = req.PageNumber
		findings[i].ModelName = c.cfg.VisionModel
		findings[i].RawResponse = raw
	}
	return findings, nil
}

func (c *OpenRouterClassifier) complete(ctx context.Context, model string, messages []chatMessage) (string, error) {
	reqBody := chatRequest{Model: model, Messages: messages, Temperature: 0.1}
	var out chatResponse
	var lastErr error
	for i := 0; i < c.cfg.Attempts; i++ {
		if i > 0 {
			sleep := time.Duration(i*250) * time.Millisecond
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(sleep):
			}
		}
		lastErr = c.postJSON(ctx, c.cfg.BaseURL+"/chat/completions", reqBody, &out)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	if out.Error != nil {
		return "", fmt.Errorf("classifier error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("classifier returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func (c *OpenRouterClassifier) postJSON(ctx context.Context, url string, reqBody any, out any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("classifier http %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type rawFinding struct {
	Verdict      string         `json:"verdict"`
	Confidence   float64        `json:"confidence"`
	EvidenceText string         `json:"evidence_text"`
	Position     map[string]any `json:"position"`
}

type findingEnvelope struct {
	Results []rawFinding `json:"results"`
}

// parseFindings decodes the model reply. Verdicts go through ParseVerdict,
// so a reply with an invent-a-verdict entry fails the whole call.
func parseFindings(raw string) ([]Finding, error) {
	body := stripCodeFences(raw)
	var env findingEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		// Some models answer with a bare array.
		var list []rawFinding
		if err2 := json.Unmarshal([]byte(body), &list); err2 != nil {
			return nil, fmt.Errorf("unparseable classifier reply: %w", err)
		}
		env.Results = list
	}
	out := make([]Finding, 0, len(env.Results))
	for _, rf := range env.Results {
		verdict, err := ParseVerdict(rf.Verdict)
		if err != nil {
			return nil, err
		}
		out = append(out, Finding{
			Verdict:      verdict,
			Confidence:   rf.Confidence,
			EvidenceText: rf.EvidenceText,
			Position:     rf.Position,
		})
	}
	return out, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func encodeImageDataURL(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}
