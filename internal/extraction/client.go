// Package extraction turns photos of insurance cards and medication labels into
// structured fields through a vision-capable chat model. Model output is treated as
// untrusted: every field is coerced to a non-empty string and checked against a schema.
package extraction

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/vitalink/backend/internal/metrics"
	"github.com/vitalink/backend/internal/models"
)

// Unknown is the value of every field the model could not read.
const Unknown = "unknown"

const (
	DefaultModel   = "gpt-4.1-mini"
	MaxImageBytes  = 8 << 20
	defaultTimeout = 45 * time.Second
	maxTokens      = 500
)

type Document string

const (
	InsuranceCard   Document = "insurance_card"
	MedicationLabel Document = "medication_label"
)

// Documents lists the supported document kinds.
func Documents() []Document { return []Document{InsuranceCard, MedicationLabel} }

// Fields returns the output keys of a document kind, in response order.
func (d Document) Fields() []string {
	switch d {
	case InsuranceCard:
		return []string{"carrier", "policy", "memberId", "group"}
	case MedicationLabel:
		return []string{"name", "strength", "dose", "frequency", "pharmacy", "doctor"}
	}
	return nil
}

func (d Document) prompt() (system, user string) {
	keys := strings.Join(d.Fields(), ", ")
	switch d {
	case InsuranceCard:
		system = "You are an OCR parser for health insurance cards. Return a single JSON object with the string fields " +
			keys + ". If a field is not visible, use the string \"unknown\"."
		user = "Extract the insurance policy details from this card."
	case MedicationLabel:
		system = "You are a medication label parser. Return a single JSON object with the string fields " +
			keys + ". If a field is not visible, use the string \"unknown\"."
		user = "Extract {" + keys + "} from this prescription label. If unknown, use \"unknown\" exactly."
	}
	return system, user
}

// Image is either a URL or base64 content (raw or a data URL).
type Image struct {
	URL    string
	Base64 string
}

// dataURL validates the image and returns the URL sent to the model.
func (img Image) dataURL() (string, error) {
	if u := strings.TrimSpace(img.URL); u != "" {
		if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "data:image/") {
			return "", fmt.Errorf("%w: imageUrl must be an http(s) or data URL", models.ErrValidation)
		}
		return u, nil
	}
	b := strings.TrimSpace(img.Base64)
	if b == "" {
		return "", fmt.Errorf("%w: imageUrl or imageBase64 is required", models.ErrValidation)
	}
	payload := b
	if strings.HasPrefix(strings.ToLower(b), "data:image/") {
		_, after, ok := strings.Cut(b, ",")
		if !ok {
			return "", fmt.Errorf("%w: malformed data URL", models.ErrValidation)
		}
		payload = after
	} else {
		b = "data:image/jpeg;base64," + b
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxImageBytes+2 {
		return "", fmt.Errorf("%w: image exceeds %d MiB", models.ErrValidation, MaxImageBytes>>20)
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", fmt.Errorf("%w: imageBase64 is not valid base64", models.ErrValidation)
	}
	return b, nil
}

// Result is a normalized extraction. RawText is set only when the model reply
// could not be parsed as JSON.
type Result struct {
	Document Document          `json:"document"`
	Fields   map[string]string `json:"data"`
	RawText  string            `json:"rawText,omitempty"`
}

// Completer is the chat completion call of the OpenAI client.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewOpenAI builds the OpenAI client for cfg, or nil when no key is configured.
func NewOpenAI(cfg Config) *openai.Client {
	if cfg.APIKey == "" {
		return nil
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(oc)
}

type Client struct {
	api       Completer
	model     string
	timeout   time.Duration
	validator *Validator
	log       *slog.Logger
}

// NewClient wires the gateway. A nil api leaves extraction unconfigured: calls fail
// with an upstream error.
func NewClient(api Completer, validator *Validator, cfg Config, log *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{api: api, model: cfg.Model, timeout: cfg.Timeout, validator: validator, log: log}
}

func (c *Client) Configured() bool { return c.api != nil }

// Extract reads the document in img.
func (c *Client) Extract(ctx context.Context, doc Document, img Image) (res *Result, err error) {
	defer func() {
		result := "ok"
		switch {
		case err != nil && errors.Is(err, models.ErrValidation):
			result = "invalid"
		case err != nil:
			result = "upstream_error"
		case res != nil && res.RawText != "":
			result = "unparsed"
		}
		metrics.ExtractionsTotal.WithLabelValues(string(doc), result).Inc()
	}()

	if doc.Fields() == nil {
		return nil, fmt.Errorf("%w: unknown document %q", models.ErrValidation, doc)
	}
	url, err := img.dataURL()
	if err != nil {
		return nil, err
	}
	if c.api == nil {
		return nil, fmt.Errorf("%w: extraction is not configured", models.ErrUpstream)
	}

	system, user := doc.prompt()
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.api.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: user},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
						URL:    url,
						Detail: openai.ImageURLDetailAuto,
					}},
				},
			},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.log.Error("extraction request failed", "document", doc, "status", apiErr.HTTPStatusCode, "error", apiErr.Message)
		} else {
			c.log.Error("extraction request failed", "document", doc, "error", err)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", models.ErrUpstream)
	}

	res = Parse(doc, resp.Choices[0].Message.Content)
	if res.RawText != "" {
		c.log.Warn("extraction output not parseable", "document", doc, "length", len(res.RawText))
		return res, nil
	}
	if c.validator != nil {
		if verr := c.validator.ValidateOutput(doc, res.Fields); verr != nil {
			c.log.Warn("extraction output failed schema", "document", doc, "error", verr)
		}
	}
	return res, nil
}

// Parse normalizes a model reply. Non-JSON replies yield all-unknown fields and RawText.
func Parse(doc Document, content string) *Result {
	res := &Result{Document: doc}
	var obj map[string]any
	if err := json.Unmarshal([]byte(stripFences(content)), &obj); err != nil || obj == nil {
		res.Fields = Normalize(doc, nil)
		res.RawText = content
		return res
	}
	res.Fields = Normalize(doc, obj)
	return res
}

// Normalize keeps only the document's keys and trims each value. Missing, blank
// or non-string values become Unknown.
func Normalize(doc Document, obj map[string]any) map[string]string {
	keys := doc.Fields()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = Unknown
		if s, ok := obj[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out[k] = s
			}
		}
	}
	return out
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
