package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/ratelimit"
)

const defaultImagesBaseURL = "https://api.openai.com/v1"

// ErrImageRateLimited is returned when a user exhausted the image window.
var ErrImageRateLimited = errors.New("image generation limit reached, try again later")

type generateImageInput struct {
	Prompt           string `json:"prompt" required:"true" description:"Detailed description of the image to draw"`
	ImageOrientation string `json:"image_orientation,omitempty" enum:"landscape,portrait" description:"Orientation of the image"`
	ImageStyle       string `json:"image_style,omitempty" enum:"natural,vivid" description:"Natural for realistic images, vivid for dramatic ones"`
}

// ImageTool generates an image through the OpenAI images API.
type ImageTool struct {
	Client  *http.Client
	APIKey  string
	BaseURL string
	Model   string
	Size    string
	Limiter *ratelimit.Window
}

// Name returns the tool name.
func (t ImageTool) Name() string {
	return "generate_image"
}

// Description returns the tool description for the model.
func (t ImageTool) Description() string {
	return "Draw an image from a text prompt. Use only when the user asks for a picture."
}

// Schema returns the JSON schema for generate_image args.
func (t ImageTool) Schema() map[string]any {
	return reflectSchema(generateImageInput{})
}

// Execute draws the image. The result carries the base64 PNG and the revised
// prompt as caption. Only successful generations count against the user's
// window.
func (t ImageTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var in generateImageInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	userID, ok := UserID(ctx)
	if !ok {
		return t.generate(ctx, in)
	}
	release, ok := t.Limiter.Reserve(userID)
	if !ok {
		wait := t.Limiter.RetryAfter(userID).Round(time.Minute)
		if wait <= 0 {
			wait = time.Minute
		}
		return nil, fmt.Errorf("%w (next image available in %s)", ErrImageRateLimited, wait)
	}
	result, err := t.generate(ctx, in)
	if err != nil {
		release()
	}
	return result, err
}

func (t ImageTool) generate(ctx context.Context, in generateImageInput) (*ToolResult, error) {

	payload := map[string]any{
		"model":           t.Model,
		"prompt":          in.Prompt,
		"n":               1,
		"size":            t.sizeFor(in.ImageOrientation),
		"response_format": "b64_json",
	}
	if in.ImageStyle == "natural" || in.ImageStyle == "vivid" {
		payload["style"] = in.ImageStyle
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}

	baseURL := strings.TrimRight(t.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultImagesBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.APIKey)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image response: %w", err)
	}

	var parsed struct {
		Data []struct {
			B64JSON       string `json:"b64_json"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode image response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Error.Message != "" {
			return nil, errors.New(parsed.Error.Message)
		}
		return nil, fmt.Errorf("image request failed: %s", resp.Status)
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return nil, errors.New("image response has no image")
	}

	caption := parsed.Data[0].RevisedPrompt
	if caption == "" {
		caption = in.Prompt
	}
	return &ToolResult{Output: caption, ImageBase64: parsed.Data[0].B64JSON}, nil
}

func (t ImageTool) sizeFor(orientation string) string {
	switch orientation {
	case "landscape":
		return "1792x1024"
	case "portrait":
		return "1024x1792"
	}
	if t.Size != "" {
		return t.Size
	}
	return "1024x1024"
}
