package jasmine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOllama(t *testing.T, serverURL string) *Ollama {
	t.Helper()
	gateway, err := NewOllama(
		OllamaConfig{
			URL:                  serverURL,
			ChatModel:            "phi",
			VisionModel:          "llava",
			ImageModel:           "flux",
			GPUEnabled:           true,
			GPULayers:            -1,
			Timeout:              5 * time.Second,
			MaxRequestsPerSecond: 100,
		},
		nil,
	)
	require.NoError(t, err)
	return gateway
}

func TestResourceOptions(t *testing.T) {
	gateway := newTestOllama(t, "http://localhost:11434")

	// -1 layers means offload everything
	assert.Equal(
		t,
		map[string]any{"num_gpu": allGPULayers},
		gateway.resourceOptions(),
	)

	gateway.config.GPULayers = 32
	gateway.config.NumThreads = 8
	assert.Equal(
		t,
		map[string]any{"num_gpu": 32, "num_thread": 8},
		gateway.resourceOptions(),
	)

	// zero threads: let the runner auto-detect
	gateway.config.NumThreads = 0
	assert.Equal(
		t,
		map[string]any{"num_gpu": 32},
		gateway.resourceOptions(),
	)

	// disabling the GPU forces CPU-only inference
	gateway.config.GPUEnabled = false
	gateway.config.NumThreads = 8
	assert.Equal(
		t,
		map[string]any{"num_gpu": 0},
		gateway.resourceOptions(),
	)
}

func TestOllamaChatCompletion(t *testing.T) {
	var gotReq api.ChatRequest
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/api/chat", r.URL.Path)
				require.NoError(
					t,
					json.NewDecoder(r.Body).Decode(&gotReq),
				)
				resp := api.ChatResponse{
					Model: gotReq.Model,
					Message: api.Message{
						Role:    "assistant",
						Content: "hello there",
					},
					Done: true,
				}
				require.NoError(t, json.NewEncoder(w).Encode(resp))
			},
		),
	)
	t.Cleanup(server.Close)

	gateway := newTestOllama(t, server.URL)
	result, err := gateway.ChatCompletion(
		context.Background(),
		"cheerful",
		"fact one,fact two",
		"hi",
	)
	require.NoError(t, err)
	assert.Equal(t, "hello there", result)

	assert.Equal(t, "phi", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Contains(t, gotReq.Messages[0].Content, "cheerful")
	assert.Contains(t, gotReq.Messages[0].Content, "fact one,fact two")
	assert.Equal(t, "hi", gotReq.Messages[1].Content)
	assert.Equal(t, float64(allGPULayers), gotReq.Options["num_gpu"])
}

func TestOllamaSearch(t *testing.T) {
	var gotReq api.ChatRequest
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.NoError(
					t,
					json.NewDecoder(r.Body).Decode(&gotReq),
				)
				resp := api.ChatResponse{
					Message: api.Message{
						Role:    "assistant",
						Content: "Paris is the capital of France.",
					},
					Done: true,
				}
				require.NoError(t, json.NewEncoder(w).Encode(resp))
			},
		),
	)
	t.Cleanup(server.Close)

	gateway := newTestOllama(t, server.URL)
	result, err := gateway.Search(
		context.Background(),
		"capital of france",
	)
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", result)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, searchSystemPrompt, gotReq.Messages[0].Content)
}

func TestOllamaEmptyResponse(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				resp := api.ChatResponse{
					Message: api.Message{Role: "assistant"},
					Done:    true,
				}
				require.NoError(t, json.NewEncoder(w).Encode(resp))
			},
		),
	)
	t.Cleanup(server.Close)

	gateway := newTestOllama(t, server.URL)
	_, err := gateway.ChatCompletion(
		context.Background(),
		"",
		"",
		"hi",
	)
	assert.ErrorIs(t, err, errNoModelResponse)
}

func TestOllamaDescribeImage(t *testing.T) {
	imageData := bytes.Repeat([]byte{0x89, 0x50, 0x4e, 0x47}, 16)
	imageServer := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write(imageData)
			},
		),
	)
	t.Cleanup(imageServer.Close)

	var gotReq api.GenerateRequest
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/api/generate", r.URL.Path)
				require.NoError(
					t,
					json.NewDecoder(r.Body).Decode(&gotReq),
				)
				resp := api.GenerateResponse{
					Response: "a png header, repeated",
					Done:     true,
				}
				require.NoError(t, json.NewEncoder(w).Encode(resp))
			},
		),
	)
	t.Cleanup(server.Close)

	gateway := newTestOllama(t, server.URL)
	description, err := gateway.DescribeImage(
		context.Background(),
		"concise",
		"some facts",
		imageServer.URL+"/image.png",
	)
	require.NoError(t, err)
	assert.Equal(t, "a png header, repeated", description)

	assert.Equal(t, "llava", gotReq.Model)
	require.Len(t, gotReq.Images, 1)
	assert.Equal(t, api.ImageData(imageData), gotReq.Images[0])
	assert.Contains(t, gotReq.Prompt, "concise")
}

func TestOllamaDescribeImageURLFallback(t *testing.T) {
	imageServer := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
		),
	)
	t.Cleanup(imageServer.Close)

	var gotReq api.GenerateRequest
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.NoError(
					t,
					json.NewDecoder(r.Body).Decode(&gotReq),
				)
				resp := api.GenerateResponse{
					Response: "described from URL alone",
					Done:     true,
				}
				require.NoError(t, json.NewEncoder(w).Encode(resp))
			},
		),
	)
	t.Cleanup(server.Close)

	imageURL := imageServer.URL + "/gone.png"
	gateway := newTestOllama(t, server.URL)
	description, err := gateway.DescribeImage(
		context.Background(),
		"concise",
		"",
		imageURL,
	)
	require.NoError(t, err)
	assert.Equal(t, "described from URL alone", description)

	// no image payload on the fallback path, just the URL in the prompt
	assert.Empty(t, gotReq.Images)
	assert.Contains(t, gotReq.Prompt, imageURL)
}

func TestOllamaDescribeImageVisionFallback(t *testing.T) {
	// the download succeeds, but the vision call on the payload fails;
	// the URL-only prompt still has to be tried
	imageServer := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write([]byte("png bytes"))
			},
		),
	)
	t.Cleanup(imageServer.Close)

	var lastReq api.GenerateRequest
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				var req api.GenerateRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				lastReq = req
				if len(req.Images) > 0 {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				resp := api.GenerateResponse{
					Response: "described from URL alone",
					Done:     true,
				}
				require.NoError(t, json.NewEncoder(w).Encode(resp))
			},
		),
	)
	t.Cleanup(server.Close)

	imageURL := imageServer.URL + "/image.png"
	gateway := newTestOllama(t, server.URL)
	description, err := gateway.DescribeImage(
		context.Background(),
		"concise",
		"",
		imageURL,
	)
	require.NoError(t, err)
	assert.Equal(t, "described from URL alone", description)

	assert.Empty(t, lastReq.Images)
	assert.Contains(t, lastReq.Prompt, imageURL)
}

func TestOllamaDescribeImageEmptyVisionFallback(t *testing.T) {
	// an empty vision answer counts as a failed primary path
	imageServer := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write([]byte("png bytes"))
			},
		),
	)
	t.Cleanup(imageServer.Close)

	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				var req api.GenerateRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				resp := api.GenerateResponse{Done: true}
				if len(req.Images) == 0 {
					resp.Response = "described from URL alone"
				}
				require.NoError(t, json.NewEncoder(w).Encode(resp))
			},
		),
	)
	t.Cleanup(server.Close)

	gateway := newTestOllama(t, server.URL)
	description, err := gateway.DescribeImage(
		context.Background(),
		"concise",
		"",
		imageServer.URL+"/image.png",
	)
	require.NoError(t, err)
	assert.Equal(t, "described from URL alone", description)
}

func TestOllamaDescribeImageBothPathsFail(t *testing.T) {
	imageServer := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
		),
	)
	t.Cleanup(imageServer.Close)

	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		),
	)
	t.Cleanup(server.Close)

	gateway := newTestOllama(t, server.URL)
	_, err := gateway.DescribeImage(
		context.Background(),
		"concise",
		"",
		imageServer.URL+"/gone.png",
	)
	assert.Error(t, err)
}

func TestParseGeneratedImage(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab, 0xcd}, 80)
	encoded := base64.StdEncoding.EncodeToString(payload)

	img, err := parseGeneratedImage(
		fmt.Sprintf("data:image/png;base64,%s", encoded),
	)
	require.NoError(t, err)
	assert.Equal(t, payload, img.Data)
	assert.Equal(t, "image/png", img.MIME)
	assert.Equal(t, "generated.png", img.Filename())

	img, err = parseGeneratedImage(
		fmt.Sprintf("data:image/jpeg;base64,%s", encoded),
	)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.MIME)
	assert.Equal(t, "generated.jpg", img.Filename())

	// bare base64 with no data URI prefix is assumed to be PNG
	img, err = parseGeneratedImage(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, img.Data)
	assert.Equal(t, "image/png", img.MIME)

	// text answers surface as a typed error carrying the model's reply
	_, err = parseGeneratedImage("I cannot generate images.")
	require.Error(t, err)
	var noImage *noImagePayloadError
	require.ErrorAs(t, err, &noImage)
	assert.Contains(t, noImage.Error(), "I cannot generate images.")
}

func TestOllamaGenerateImage(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 60)
	encoded := base64.StdEncoding.EncodeToString(payload)

	var gotReq api.GenerateRequest
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.NoError(
					t,
					json.NewDecoder(r.Body).Decode(&gotReq),
				)
				resp := api.GenerateResponse{
					Response: "data:image/png;base64," + encoded,
					Done:     true,
				}
				require.NoError(t, json.NewEncoder(w).Encode(resp))
			},
		),
	)
	t.Cleanup(server.Close)

	gateway := newTestOllama(t, server.URL)
	img, err := gateway.GenerateImage(
		context.Background(),
		"a sunset over mountains",
	)
	require.NoError(t, err)
	assert.Equal(t, payload, img.Data)
	assert.Equal(t, "flux", gotReq.Model)
	assert.Equal(t, "a sunset over mountains", gotReq.Prompt)
}

func TestOllamaCheckConnection(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/api/tags", r.URL.Path)
				_, _ = w.Write(
					[]byte(`{"models":[{"name":"phi"},{"name":"llava"}]}`),
				)
			},
		),
	)
	t.Cleanup(server.Close)

	gateway := newTestOllama(t, server.URL)
	assert.NoError(t, gateway.CheckConnection(context.Background()))
}
