package jasmine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/ollama/ollama/api"
	"golang.org/x/time/rate"
)

// allGPULayers is the num_gpu value sent when GPULayers is -1, large
// enough that the runner offloads every layer.
const allGPULayers = 999

var errNoModelResponse = errors.New("model returned an empty response")

// noImagePayloadError means the image-generation model answered with
// text instead of an image, and carries that text. Callers surface the
// condition to the user rather than treating it as a transport failure.
type noImagePayloadError struct {
	text string
}

func (e *noImagePayloadError) Error() string {
	return fmt.Sprintf(
		"model did not return an image payload: %s",
		shortenString(e.text, 200),
	)
}

// dataURIImagePattern matches base64 image payloads with a data URI
// prefix in generation responses.
var dataURIImagePattern = regexp.MustCompile(
	`data:image/(png|jpeg);base64,([A-Za-z0-9+/=]+)`,
)

// bareBase64Pattern matches responses that are a single raw base64
// blob with no prefix.
var bareBase64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)

// GeneratedImage is a decoded image produced by the image-generation
// model.
type GeneratedImage struct {
	Data []byte
	MIME string
}

// Filename returns a download name matching the image's MIME type.
func (g GeneratedImage) Filename() string {
	if g.MIME == "image/jpeg" {
		return "generated.jpg"
	}
	return "generated.png"
}

// Ollama calls a locally hosted Ollama instance for chat completion,
// vision description, image generation and fact extraction. Requests
// are throttled by a shared rate limiter.
type Ollama struct {
	client     *api.Client
	httpClient *http.Client
	config     OllamaConfig
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewOllama returns a gateway for the configured Ollama host.
func NewOllama(cfg OllamaConfig, logger *slog.Logger) (*Ollama, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL: %w", err)
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	rps := cfg.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultOllamaMaxRequestsPerSecond
	}
	return &Ollama{
		client:     api.NewClient(parsedURL, hc),
		httpClient: hc,
		config:     cfg,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger.With(loggerNameKey, "ollama"),
	}, nil
}

// resourceOptions translates the GPU/CPU configuration into Ollama
// request options. With the GPU disabled, num_gpu is forced to 0 for
// CPU-only inference. num_thread is only sent when explicitly set.
func (o *Ollama) resourceOptions() map[string]any {
	options := map[string]any{}
	if !o.config.GPUEnabled {
		options["num_gpu"] = 0
		return options
	}
	if o.config.NumThreads > 0 {
		options["num_thread"] = o.config.NumThreads
	}
	if o.config.GPULayers == -1 {
		options["num_gpu"] = allGPULayers
	} else {
		options["num_gpu"] = o.config.GPULayers
	}
	return options
}

func (o *Ollama) wait(ctx context.Context) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return nil
}

// chat issues a non-streaming chat request and returns the assistant
// message content.
func (o *Ollama) chat(
	ctx context.Context,
	model string,
	messages []api.Message,
) (string, error) {
	if err := o.wait(ctx); err != nil {
		return "", err
	}
	streaming := false
	var content strings.Builder
	err := o.client.Chat(
		ctx,
		&api.ChatRequest{
			Model:    model,
			Messages: messages,
			Stream:   &streaming,
			Options:  o.resourceOptions(),
		},
		func(resp api.ChatResponse) error {
			content.WriteString(resp.Message.Content)
			return nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("ollama chat request: %w", err)
	}
	result := strings.TrimSpace(content.String())
	if result == "" {
		return "", errNoModelResponse
	}
	return result, nil
}

// generate issues a non-streaming generate request and returns the
// raw response text.
func (o *Ollama) generate(
	ctx context.Context,
	model string,
	prompt string,
	images []api.ImageData,
) (string, error) {
	if err := o.wait(ctx); err != nil {
		return "", err
	}
	streaming := false
	var content strings.Builder
	err := o.client.Generate(
		ctx,
		&api.GenerateRequest{
			Model:   model,
			Prompt:  prompt,
			Images:  images,
			Stream:  &streaming,
			Options: o.resourceOptions(),
		},
		func(resp api.GenerateResponse) error {
			content.WriteString(resp.Response)
			return nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("ollama generate request: %w", err)
	}
	return strings.TrimSpace(content.String()), nil
}

// ChatCompletion answers a user query in the bot's current
// personality, with the guild's remembered facts as context.
func (o *Ollama) ChatCompletion(
	ctx context.Context,
	personality string,
	facts string,
	query string,
) (string, error) {
	o.logger.DebugContext(
		ctx,
		"chat completion",
		"model", o.config.ChatModel,
		"query", shortenString(query, 100),
	)
	return o.chat(
		ctx,
		o.config.ChatModel,
		[]api.Message{
			{Role: "system", Content: chatSystemPrompt(personality, facts)},
			{Role: "user", Content: query},
		},
	)
}

// Search answers a query with a single concise sentence.
func (o *Ollama) Search(ctx context.Context, query string) (string, error) {
	return o.chat(
		ctx,
		o.config.ChatModel,
		[]api.Message{
			{Role: "system", Content: searchSystemPrompt},
			{Role: "user", Content: query},
		},
	)
}

// ExtractFacts asks the chat model whether a conversation turn
// revealed facts worth remembering, returning its raw answer.
func (o *Ollama) ExtractFacts(
	ctx context.Context,
	existing []Fact,
	userMessage string,
	botReply string,
) (string, error) {
	return o.chat(
		ctx,
		o.config.ChatModel,
		[]api.Message{
			{
				Role:    "user",
				Content: extractionPrompt(existing, userMessage, botReply),
			},
		},
	)
}

// DescribeImage downloads the image at imageURL and asks the vision
// model to describe it. When either the download or the vision call
// fails, it falls back to a URL-only prompt so the turn can still
// produce something useful; an error is only returned when the
// fallback fails too.
func (o *Ollama) DescribeImage(
	ctx context.Context,
	personality string,
	facts string,
	imageURL string,
) (string, error) {
	description, err := o.describeImagePayload(
		ctx,
		personality,
		facts,
		imageURL,
	)
	if err == nil {
		return description, nil
	}
	o.logger.WarnContext(
		ctx,
		"image description failed, falling back to URL prompt",
		"image_url", imageURL,
		tint.Err(err),
	)

	fallback, err := o.generate(
		ctx,
		o.config.VisionModel,
		imageURLFallbackPrompt(imageURL),
		nil,
	)
	if err != nil {
		return "", err
	}
	if fallback == "" {
		return "", errNoModelResponse
	}
	return fallback, nil
}

// describeImagePayload is the primary description path: download the
// image and pass it to the vision model as base64 data.
func (o *Ollama) describeImagePayload(
	ctx context.Context,
	personality string,
	facts string,
	imageURL string,
) (string, error) {
	payload, err := o.downloadImage(ctx, imageURL)
	if err != nil {
		return "", err
	}
	description, err := o.generate(
		ctx,
		o.config.VisionModel,
		imageDescriptionPrompt(personality, facts),
		[]api.ImageData{payload},
	)
	if err != nil {
		return "", err
	}
	if description == "" {
		return "", errNoModelResponse
	}
	return description, nil
}

// GenerateImage renders a prompt with the image-generation model and
// decodes the base64 payload from its response. Models that answer
// with plain text instead of an image yield an error carrying that
// text.
func (o *Ollama) GenerateImage(
	ctx context.Context,
	prompt string,
) (*GeneratedImage, error) {
	text, err := o.generate(ctx, o.config.ImageModel, prompt, nil)
	if err != nil {
		return nil, err
	}
	img, err := parseGeneratedImage(text)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// parseGeneratedImage extracts base64 image data from a generation
// response, accepting either a data URI or a bare base64 blob
// (assumed PNG).
func parseGeneratedImage(text string) (*GeneratedImage, error) {
	if match := dataURIImagePattern.FindStringSubmatch(text); match != nil {
		data, err := base64.StdEncoding.DecodeString(match[2])
		if err != nil {
			return nil, fmt.Errorf("decoding image payload: %w", err)
		}
		return &GeneratedImage{
			Data: data,
			MIME: fmt.Sprintf("image/%s", strings.ToLower(match[1])),
		}, nil
	}
	if len(text) > 128 && bareBase64Pattern.MatchString(text) {
		data, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("decoding image payload: %w", err)
		}
		return &GeneratedImage{Data: data, MIME: "image/png"}, nil
	}
	return nil, &noImagePayloadError{text: text}
}

// downloadImage fetches an attachment so it can be passed to the
// vision model as base64 data.
func (o *Ollama) downloadImage(
	ctx context.Context,
	imageURL string,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		imageURL,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating image request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading image: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"downloading image: unexpected status %s",
			resp.Status,
		)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading image body: %w", err)
	}
	return data, nil
}

// CheckConnection verifies the Ollama host is reachable and logs the
// models it advertises.
func (o *Ollama) CheckConnection(ctx context.Context) error {
	resp, err := o.client.List(ctx)
	if err != nil {
		return fmt.Errorf("listing ollama models: %w", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	o.logger.InfoContext(
		ctx,
		"connected to ollama",
		"url", o.config.URL,
		"models", strings.Join(names, ", "),
	)
	return nil
}
