package detect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	openAIClassifierName    = "openai"
	openAIDefaultModel      = openai.ChatModelGPT4o
	openAIDefaultMaxRetries = 3
)

// detectionSchemaJSON constrains the classifier's structured output. The
// model is asked for center+extent boxes normalized to the image it was
// given; responses are validated locally before any coordinate is trusted.
const detectionSchemaJSON = `{
	"type": "object",
	"properties": {
		"detections": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"label": {"type": "string"},
					"x": {"type": "number", "minimum": 0, "maximum": 1},
					"y": {"type": "number", "minimum": 0, "maximum": 1},
					"width": {"type": "number", "minimum": 0, "maximum": 1},
					"height": {"type": "number", "minimum": 0, "maximum": 1},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"targetSheetRef": {"type": "string"}
				},
				"required": ["label", "x", "y", "confidence"]
			}
		}
	},
	"required": ["detections"]
}`

const detectionPrompt = `You are analyzing a crop of a construction drawing sheet.
Find every cross-reference callout marker: circular or hexagonal symbols that
reference another sheet or detail (e.g. "5/A-201" meaning detail 5 on sheet A-201).

For each marker report its center (x, y) and extents (width, height) as fractions
of this image's dimensions, a confidence in [0,1], a short label, and the
referenced sheet number as targetSheetRef when legible.

Respond with JSON only.`

// OpenAIClassifierConfig configures the vision classifier client.
type OpenAIClassifierConfig struct {
	APIKey     string
	Model      string        // default gpt-4o
	RateLimit  int           // requests per minute, default 60
	MaxRetries int           // transport retry attempts, default 3
	Timeout    time.Duration // HTTP timeout, default 120s
	BaseURL    string        // optional (tests)
	HTTPClient *http.Client  // optional (tests)
}

// OpenAIClassifier implements Classifier using the OpenAI vision API with
// schema-validated structured output.
type OpenAIClassifier struct {
	model       string
	client      openai.Client
	rateLimiter *RateLimiter
	maxRetries  int
	schema      *jsonschema.Schema
}

// NewOpenAIClassifier creates a vision classifier client.
func NewOpenAIClassifier(cfg OpenAIClassifierConfig) (*OpenAIClassifier, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = openAIDefaultMaxRetries
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	schema, err := jsonschema.CompileString("detections.json", detectionSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to compile detection schema: %w", err)
	}

	return &OpenAIClassifier{
		model:       cfg.Model,
		client:      openai.NewClient(opts...),
		rateLimiter: NewRateLimiter(cfg.RateLimit),
		maxRetries:  cfg.MaxRetries,
		schema:      schema,
	}, nil
}

// Name returns the classifier backend identifier.
func (c *OpenAIClassifier) Name() string {
	return openAIClassifierName
}

// Detect sends the image to the vision model and parses the structured
// detection list. Transient transport failures are retried with backoff;
// schema violations are not retried here (the caller marks the sheet
// failed and it is retryable independently).
func (c *OpenAIClassifier) Detect(ctx context.Context, imagePNG []byte) ([]RawDetection, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(imagePNG)

	var schemaMap map[string]any
	if err := json.Unmarshal([]byte(detectionSchemaJSON), &schemaMap); err != nil {
		return nil, fmt.Errorf("failed to parse detection schema: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(detectionPrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL:    dataURL,
					Detail: "high",
				}),
			}),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "callout_detections",
					Schema: schemaMap,
					Strict: openai.Bool(true),
				},
			},
		},
	}

	var content string
	err := retry.Do(
		func() error {
			resp, err := c.client.Chat.Completions.New(ctx, params)
			if err != nil {
				return err
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("empty completion response")
			}
			content = resp.Choices[0].Message.Content
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("vision completion failed: %w", err)
	}

	return c.parseDetections(content)
}

// parseDetections validates the model output against the schema and maps
// it into RawDetections.
func (c *OpenAIClassifier) parseDetections(content string) ([]RawDetection, error) {
	content = stripCodeFence(content)

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("classifier returned invalid JSON: %w", err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("classifier output failed schema validation: %w", err)
	}

	var parsed struct {
		Detections []RawDetection `json:"detections"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode detections: %w", err)
	}
	return parsed.Detections, nil
}

// stripCodeFence removes a markdown code fence if the model wrapped its
// JSON in one despite the response format.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
