// Package ocr reads numbers and short labels out of screen regions.
//
// The production reader sends a cropped region to an OpenAI vision model and
// parses the reply. Readings are treated as noisy upstream: the engine pushes
// them through consensus buffering, so an occasional misread is tolerated and
// an unreadable region is simply skipped.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/ScreenPilot/internal/models"
	"github.com/BTreeMap/ScreenPilot/internal/vision"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrUnreadable reports that the model could not produce a usable reading for
// the region.
var ErrUnreadable = errors.New("ocr: unreadable region")

// Reader extracts values from frame regions.
type Reader interface {
	ReadNumber(ctx context.Context, frame *models.Frame, region models.Rect) (int, error)
	ReadText(ctx context.Context, frame *models.Frame, region models.Rect) (string, error)
}

// DefaultModel is the vision model used unless overridden.
const DefaultModel = openai.ChatModelGPT4oMini

const (
	numberPrompt = "You read numeric counters from small UI screenshots. Reply with the number only, digits and separators, no words. Reply UNREADABLE if no number is visible."
	textPrompt   = "You read short labels from small UI screenshots. Reply with the exact visible text only. Reply UNREADABLE if no text is visible."
)

// chatCompleter is the slice of the OpenAI client the reader uses.
type chatCompleter interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type openaiChat struct {
	svc openai.ChatCompletionService
}

func (o openaiChat) New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return o.svc.New(ctx, params)
}

// Opts holds configuration for the vision reader.
type Opts struct {
	// APIKey for the OpenAI API. Falls back to OPENAI_API_KEY.
	APIKey string
	// Model overrides DefaultModel.
	Model string
}

// Option configures Opts.
type Option func(*Opts)

// WithAPIKey sets the API key explicitly.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel selects the vision model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// VisionReader implements Reader against the OpenAI chat completions API.
type VisionReader struct {
	chat  chatCompleter
	model string
}

// NewVisionReader builds a reader from options and the environment.
func NewVisionReader(opts ...Option) (*VisionReader, error) {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.APIKey == "" {
		return nil, fmt.Errorf("ocr: no API key provided and OPENAI_API_KEY not set")
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(o.APIKey))
	return &VisionReader{chat: openaiChat{svc: cli.Chat.Completions}, model: o.Model}, nil
}

// ReadNumber reads an integer counter from the region.
func (r *VisionReader) ReadNumber(ctx context.Context, frame *models.Frame, region models.Rect) (int, error) {
	reply, err := r.ask(ctx, frame, region, numberPrompt)
	if err != nil {
		return 0, err
	}
	return parseNumber(reply)
}

// ReadText reads a short label from the region.
func (r *VisionReader) ReadText(ctx context.Context, frame *models.Frame, region models.Rect) (string, error) {
	reply, err := r.ask(ctx, frame, region, textPrompt)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.EqualFold(reply, "UNREADABLE") {
		return "", ErrUnreadable
	}
	return reply, nil
}

func (r *VisionReader) ask(ctx context.Context, frame *models.Frame, region models.Rect, prompt string) (string, error) {
	if !region.Within(frame.Width, frame.Height) {
		return "", fmt.Errorf("ocr: region %s exceeds frame %dx%d", region, frame.Width, frame.Height)
	}
	url, err := encodeDataURL(vision.CropRGBA(frame, region))
	if err != nil {
		return "", fmt.Errorf("ocr: encode region: %w", err)
	}
	resp, err := r.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: r.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}),
			}),
		},
		Temperature:         openai.Float(0),
		MaxCompletionTokens: openai.Int(32),
	})
	if err != nil {
		return "", fmt.Errorf("ocr: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ocr: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// encodeDataURL packs an image into a PNG data URL for the vision API.
func encodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

var numberPattern = regexp.MustCompile(`-?\d[\d,.]*`)

// parseNumber extracts the first integer from a model reply, tolerating
// thousands separators and stray prose around the value.
func parseNumber(reply string) (int, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.EqualFold(reply, "UNREADABLE") {
		return 0, ErrUnreadable
	}
	raw := numberPattern.FindString(reply)
	if raw == "" {
		return 0, fmt.Errorf("%w: %q", ErrUnreadable, reply)
	}
	raw = strings.NewReplacer(",", "", ".", "").Replace(raw)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnreadable, reply)
	}
	return n, nil
}
