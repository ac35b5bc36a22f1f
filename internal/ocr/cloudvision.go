package ocr

import (
	"context"
	"fmt"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
	"google.golang.org/api/option"
)

// CloudVision runs Google Cloud Vision text detection.
type CloudVision struct {
	client *vision.ImageAnnotatorClient
}

// NewCloudVision creates a Vision client. An empty credentialsFile uses
// application default credentials.
func NewCloudVision(ctx context.Context, credentialsFile string) (*CloudVision, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &CloudVision{client: client}, nil
}

func (v *CloudVision) Close() error {
	return v.client.Close()
}

func (v *CloudVision) DetectText(ctx context.Context, img providers.Image) (*Result, error) {
	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image: &visionpb.Image{Content: img.Data},
			Features: []*visionpb.Feature{
				{Type: visionpb.Feature_TEXT_DETECTION},
			},
		}},
	}

	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return &Result{}, nil
	}

	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return nil, fmt.Errorf("vision annotate error: %s", r0.Error.Message)
	}
	return fromAnnotation(r0.FullTextAnnotation), nil
}

func fromAnnotation(fta *visionpb.TextAnnotation) *Result {
	if fta == nil {
		return &Result{}
	}

	res := &Result{FullText: fta.Text}
	for _, page := range fta.Pages {
		if page == nil {
			continue
		}
		for _, b := range page.Blocks {
			if b == nil {
				continue
			}
			text := blockText(b)
			if strings.TrimSpace(text) == "" {
				continue
			}
			res.Blocks = append(res.Blocks, Block{Text: text, Bounds: boundsOf(b.BoundingBox)})
		}
	}
	return res
}

func blockText(b *visionpb.Block) string {
	paragraphs := make([]string, 0, len(b.Paragraphs))
	for _, p := range b.Paragraphs {
		if p == nil {
			continue
		}
		words := make([]string, 0, len(p.Words))
		for _, w := range p.Words {
			if w == nil {
				continue
			}
			var sb strings.Builder
			for _, s := range w.Symbols {
				if s != nil {
					sb.WriteString(s.Text)
				}
			}
			if sb.Len() > 0 {
				words = append(words, sb.String())
			}
		}
		if len(words) > 0 {
			paragraphs = append(paragraphs, strings.Join(words, " "))
		}
	}
	return strings.Join(paragraphs, "\n")
}

func boundsOf(poly *visionpb.BoundingPoly) *Bounds {
	if poly == nil || len(poly.Vertices) == 0 {
		return nil
	}
	minX, minY := poly.Vertices[0].X, poly.Vertices[0].Y
	maxX, maxY := minX, minY
	for _, v := range poly.Vertices[1:] {
		if v == nil {
			continue
		}
		minX, maxX = min(minX, v.X), max(maxX, v.X)
		minY, maxY = min(minY, v.Y), max(maxY, v.Y)
	}
	return &Bounds{X: int(minX), Y: int(minY), Width: int(maxX - minX), Height: int(maxY - minY)}
}
