package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"
)

type annotateFunc func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error)

// Vision recognizes images with Google Cloud Vision DOCUMENT_TEXT_DETECTION.
type Vision struct {
	annotate annotateFunc
	closeFn  func() error
}

// NewVision dials the image annotator. credentialsFile may be empty to use
// application default credentials.
func NewVision(ctx context.Context, credentialsFile string) (*Vision, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &Vision{
		annotate: func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error) {
			return client.BatchAnnotateImages(ctx, req)
		},
		closeFn: client.Close,
	}, nil
}

// Close releases the underlying gRPC connection.
func (v *Vision) Close() error {
	if v == nil || v.closeFn == nil {
		return nil
	}
	return v.closeFn()
}

// Recognize sends one image and returns its full text annotation.
func (v *Vision) Recognize(ctx context.Context, image []byte, filename, lang string) (string, error) {
	_ = filename
	if v == nil || v.annotate == nil {
		return "", errors.New("vision client not configured")
	}
	req := &visionpb.AnnotateImageRequest{
		Image: &visionpb.Image{Content: image},
		Features: []*visionpb.Feature{
			{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
		},
	}
	if hints := languageHints(lang); len(hints) > 0 {
		req.ImageContext = &visionpb.ImageContext{LanguageHints: hints}
	}

	resp, err := v.annotate(ctx, &visionpb.BatchAnnotateImagesRequest{Requests: []*visionpb.AnnotateImageRequest{req}})
	if err != nil {
		return "", fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return "", nil
	}
	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return "", fmt.Errorf("vision annotate error: %s", r0.Error.Message)
	}
	if r0.FullTextAnnotation == nil {
		return "", nil
	}
	return strings.TrimSpace(r0.FullTextAnnotation.Text), nil
}

var tesseractToBCP47 = map[string]string{
	"rus": "ru",
	"eng": "en",
	"ukr": "uk",
	"deu": "de",
	"fra": "fr",
	"kaz": "kk",
}

// languageHints maps "rus+eng" style codes to Vision language hints.
func languageHints(lang string) []string {
	var out []string
	for _, code := range strings.Split(lang, "+") {
		code = strings.ToLower(strings.TrimSpace(code))
		if mapped, ok := tesseractToBCP47[code]; ok {
			out = append(out, mapped)
		} else if len(code) == 2 {
			out = append(out, code)
		}
	}
	return out
}

var _ Recognizer = (*Vision)(nil)
