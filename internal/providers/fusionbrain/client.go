package fusionbrain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fusiongen/internal/domain"
	"fusiongen/internal/infra"
	"fusiongen/internal/metrics"
	"fusiongen/internal/ratelimit"
)

const (
	// DefaultBaseURL is the public FusionBrain key API.
	DefaultBaseURL = "https://api-key.fusionbrain.ai/"
	// DefaultNegativePrompt is sent with every generation unless overridden.
	DefaultNegativePrompt = "яркие цвета, кислотность, высокая контрастность"

	generationType = "GENERATE"
	statusDone     = "DONE"
	statusFail     = "FAIL"

	opModels = "models"
	opSubmit = "submit"
	opStatus = "status"
)

// ErrMissingCredentials indicates that the client was configured without a key pair.
var ErrMissingCredentials = errors.New("fusionbrain: token and secret are required")

// Throttle paces requests; *ratelimit.Limiter satisfies it.
type Throttle interface {
	Acquire(ctx context.Context) error
}

// Options configures a client bound to a single credential.
type Options struct {
	BaseURL        string
	Credential     domain.Credential
	Throttle       Throttle
	Clock          ratelimit.Clock
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	NegativePrompt string
	Logger         *infra.Logger
	Metrics        *metrics.Collector
}

// Client performs HTTP calls to the FusionBrain text-to-image API. Every call
// passes through the credential's throttle first.
type Client struct {
	baseURL        string
	credential     domain.Credential
	throttle       Throttle
	clock          ratelimit.Clock
	httpClient     *http.Client
	negativePrompt string
	logger         *infra.Logger
	metrics        *metrics.Collector
}

type model struct {
	ID   json.RawMessage `json:"id"`
	Name string          `json:"name"`
}

type generationParams struct {
	Type                  string         `json:"type"`
	Style                 string         `json:"style,omitempty"`
	NumImages             int            `json:"numImages"`
	Width                 int            `json:"width"`
	Height                int            `json:"height"`
	NegativePromptDecoder string         `json:"negativePromptDecoder"`
	GenerateParams        generateParams `json:"generateParams"`
}

type generateParams struct {
	Query string `json:"query"`
}

type runResponse struct {
	UUID    string `json:"uuid"`
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type statusResponse struct {
	UUID             string   `json:"uuid"`
	Status           string   `json:"status"`
	Images           []string `json:"images"`
	ErrorDescription string   `json:"errorDescription"`
	Censored         bool     `json:"censored"`
	Result           struct {
		Files    []string `json:"files"`
		Censored bool     `json:"censored"`
	} `json:"result"`
}

// NewClient constructs a client with its own connection pool.
func NewClient(opts Options) (*Client, error) {
	cred := domain.Credential{
		Token:  strings.TrimSpace(opts.Credential.Token),
		Secret: strings.TrimSpace(opts.Credential.Secret),
	}
	if cred.Token == "" || cred.Secret == "" {
		return nil, ErrMissingCredentials
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = strings.TrimRight(DefaultBaseURL, "/")
	}
	throttle := opts.Throttle
	if throttle == nil {
		throttle = ratelimit.New(0)
	}
	clock := opts.Clock
	if clock == nil {
		clock = ratelimit.SystemClock
	}
	negative := strings.TrimSpace(opts.NegativePrompt)
	if negative == "" {
		negative = DefaultNegativePrompt
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		baseURL:        baseURL + "/",
		credential:     cred,
		throttle:       throttle,
		clock:          clock,
		httpClient:     httpClient,
		negativePrompt: negative,
		logger:         logger,
		metrics:        opts.Metrics,
	}, nil
}

// ResolveModel returns the id of the first model the key can use.
func (c *Client) ResolveModel(ctx context.Context) (string, error) {
	var models []model
	if err := c.send(ctx, opModels, http.MethodGet, "key/api/v1/models", nil, "", &models); err != nil {
		return "", err
	}
	if len(models) == 0 {
		return "", domain.NewAPIError(domain.KindNoModelAvailable, c.op(opModels), nil)
	}
	id := strings.Trim(strings.TrimSpace(string(models[0].ID)), `"`)
	if id == "" || id == "null" {
		return "", domain.NewAPIError(domain.KindNoModelAvailable, c.op(opModels), errors.New("first model has no id"))
	}
	c.logger.Debug().Str("model_id", id).Str("model", models[0].Name).Msg("fusionbrain: resolved model")
	return id, nil
}

// SubmitGeneration starts a generation job and returns its id.
func (c *Client) SubmitGeneration(ctx context.Context, modelID string, params domain.GenerationParams) (string, error) {
	numImages := params.NumImages
	if numImages <= 0 {
		numImages = 1
	}
	negative := strings.TrimSpace(params.NegativePrompt)
	if negative == "" {
		negative = c.negativePrompt
	}
	payload := generationParams{
		Type:                  generationType,
		Style:                 strings.TrimSpace(params.Style),
		NumImages:             numImages,
		Width:                 params.Width,
		Height:                params.Height,
		NegativePromptDecoder: negative,
		GenerateParams:        generateParams{Query: params.Prompt},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fusionbrain: encode params: %w", err)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("model_id", modelID); err != nil {
		return "", fmt.Errorf("fusionbrain: build form: %w", err)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="params"`)
	header.Set("Content-Type", "application/json")
	part, err := form.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("fusionbrain: build form: %w", err)
	}
	if _, err := part.Write(encoded); err != nil {
		return "", fmt.Errorf("fusionbrain: build form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("fusionbrain: build form: %w", err)
	}

	var out runResponse
	if err := c.send(ctx, opSubmit, http.MethodPost, "key/api/v1/text2image/run", body.Bytes(), form.FormDataContentType(), &out); err != nil {
		return "", err
	}
	jobID := strings.TrimSpace(out.UUID)
	if jobID == "" {
		detail := firstNonEmpty(out.Message, out.Error)
		if detail == "" {
			detail = "response has no uuid"
		}
		return "", domain.NewAPIError(domain.KindSubmissionFailed, c.op(opSubmit), errors.New(detail))
	}
	c.logger.Debug().Str("job_id", jobID).Str("status", out.Status).Msg("fusionbrain: job submitted")
	return jobID, nil
}

// PollUntilDone checks the job status up to maxAttempts times, sleeping delay
// between checks. It returns the decoded images and true as soon as the job is
// DONE. Running out of attempts returns false with a nil error.
func (c *Client) PollUntilDone(ctx context.Context, jobID string, maxAttempts int, delay time.Duration) ([][]byte, bool, error) {
	path := "key/api/v1/text2image/status/" + url.PathEscape(jobID)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var out statusResponse
		if err := c.send(ctx, opStatus, http.MethodGet, path, nil, "", &out); err != nil {
			return nil, false, err
		}
		switch strings.ToUpper(strings.TrimSpace(out.Status)) {
		case statusDone:
			payloads := out.Images
			if len(payloads) == 0 {
				payloads = out.Result.Files
			}
			images, err := decodeImages(payloads)
			if err != nil {
				return nil, false, domain.NewAPIError(domain.KindTransport, c.op(opStatus), err)
			}
			if out.Censored || out.Result.Censored {
				c.logger.Debug().Str("job_id", jobID).Msg("fusionbrain: job result censored")
			}
			return images, true, nil
		case statusFail:
			detail := out.ErrorDescription
			if detail == "" {
				detail = "job reported FAIL"
			}
			return nil, false, domain.NewAPIError(domain.KindGenerationFailed, c.op(opStatus), errors.New(detail))
		}
		if attempt < maxAttempts {
			if err := c.clock.Sleep(ctx, delay); err != nil {
				return nil, false, err
			}
		}
	}
	return nil, false, nil
}

// Close releases pooled connections held by this client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, body []byte, contentType string, out any) (err error) {
	if err := c.throttle.Acquire(ctx); err != nil {
		return err
	}
	defer func() { c.metrics.APIRequest(op, err) }()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.op(op), err)
	}
	req.Header.Set("X-Key", "Key "+c.credential.Token)
	req.Header.Set("X-Secret", "Secret "+c.credential.Secret)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewAPIError(domain.KindTransport, c.op(op), fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewAPIError(domain.KindTransport, c.op(op), fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NewAPIError(domain.KindTransport, c.op(op),
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.NewAPIError(domain.KindTransport, c.op(op), fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) op(name string) string {
	return "fusionbrain: " + name
}

func decodeImages(payloads []string) ([][]byte, error) {
	images := make([][]byte, 0, len(payloads))
	for i, payload := range payloads {
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		images = append(images, data)
	}
	return images, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
