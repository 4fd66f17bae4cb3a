package ocr

import (
	"context"
	"fmt"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// VisionConfig configures the Google Cloud Vision engine.
type VisionConfig struct {
	CredentialsFile string
	Language        string
	Logger          zerolog.Logger
}

// VisionEngine runs document text detection through Google Cloud Vision.
type VisionEngine struct {
	client   *vision.ImageAnnotatorClient
	language string
	logger   zerolog.Logger
}

// NewVisionEngine dials the Vision API.
func NewVisionEngine(ctx context.Context, cfg VisionConfig) (*VisionEngine, error) {
	opts := []option.ClientOption{}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}

	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = DefaultLanguage
	}

	return &VisionEngine{
		client:   client,
		language: language,
		logger:   cfg.Logger.With().Str("component", "vision_ocr").Logger(),
	}, nil
}

// Recognize returns the full text annotation of the image.
func (e *VisionEngine) Recognize(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", nil
	}

	resp, err := e.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:        &visionpb.Image{Content: image},
			Features:     []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			ImageContext: &visionpb.ImageContext{LanguageHints: []string{e.language}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("vision annotate: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return "", nil
	}

	first := resp.Responses[0]
	if first.Error != nil && first.Error.Message != "" {
		return "", fmt.Errorf("vision annotate error: %s", first.Error.Message)
	}
	if first.FullTextAnnotation == nil {
		return "", nil
	}

	e.logger.Debug().Str("mime_type", mimeType).Int("pages", len(first.FullTextAnnotation.Pages)).Msg("image recognised")

	return strings.TrimSpace(first.FullTextAnnotation.Text), nil
}

// Close releases the underlying gRPC connection.
func (e *VisionEngine) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}
