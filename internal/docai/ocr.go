package docai

import (
	"context"
	"fmt"

	documentai "google.golang.org/api/documentai/v1beta3"

	"github.com/verozhao/document-ai-v2/internal/models"
)

// OCRExtractor runs documents through a dedicated OCR processor to obtain
// the text and page geometry needed for labeled training documents. Text
// extraction is a collaborator of the orchestrator, not part of it; this is
// the whole integration surface.
type OCRExtractor struct {
	client         *Client
	ocrProcessorID string
}

// NewOCRExtractor wraps an existing Client with the OCR processor to use.
func NewOCRExtractor(client *Client, ocrProcessorID string) (*OCRExtractor, error) {
	if ocrProcessorID == "" {
		return nil, fmt.Errorf("ocrProcessorID must be provided")
	}
	return &OCRExtractor{client: client, ocrProcessorID: ocrProcessorID}, nil
}

// Extract OCRs the PDF at the given GCS URI synchronously.
func (e *OCRExtractor) Extract(ctx context.Context, gcsURI string) (*models.ExtractedText, error) {
	req := &documentai.GoogleCloudDocumentaiV1beta3ProcessRequest{
		GcsDocument: &documentai.GoogleCloudDocumentaiV1beta3GcsDocument{
			GcsUri:   gcsURI,
			MimeType: "application/pdf",
		},
		SkipHumanReview: true,
	}
	resp, err := e.client.svc.Projects.Locations.Processors.
		Process(e.client.processorPath(e.ocrProcessorID), req).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to OCR %s: %w", gcsURI, err)
	}
	if resp.Document == nil {
		return nil, fmt.Errorf("OCR of %s returned no document", gcsURI)
	}

	out := &models.ExtractedText{Text: resp.Document.Text}
	for _, p := range resp.Document.Pages {
		page := models.ExtractedPage{PageNumber: int(p.PageNumber)}
		if p.Dimension != nil {
			page.Width = p.Dimension.Width
			page.Height = p.Dimension.Height
		}
		out.Pages = append(out.Pages, page)
	}
	return out, nil
}
