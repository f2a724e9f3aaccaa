package council

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/decideplease/councild/pkg/config"
	"github.com/decideplease/councild/pkg/llm"
	"github.com/decideplease/councild/pkg/models"
)

// BuildMultimodalMessage assembles the per-endpoint message for a query
// with attachments. Vision endpoints get images as data-URI parts;
// text-only endpoints get the pre-generated description instead.
// Documents are inlined as text for everyone.
func BuildMultimodalMessage(userQuery string, attachments []models.Attachment, model string, descriptions map[string]string) llm.Message {
	parts := []llm.ContentPart{{Type: "text", Text: userQuery}}

	for _, att := range attachments {
		switch att.Kind {
		case models.AttachmentImage:
			if config.IsVisionModel(model) {
				parts = append(parts, llm.ContentPart{
					Type:     "image_url",
					ImageURL: &llm.ImageURL{URL: att.DataURI},
				})
				continue
			}
			description, ok := descriptions[att.Filename]
			if !ok {
				description = fmt.Sprintf("[Image: %s - description unavailable]", att.Filename)
			}
			parts = append(parts, llm.ContentPart{
				Type: "text",
				Text: fmt.Sprintf("\n\n[ATTACHED IMAGE: %s]\n%s", att.Filename, description),
			})
		default:
			text := att.ExtractedText
			if text == "" {
				text = "[Document content unavailable]"
			}
			parts = append(parts, llm.ContentPart{
				Type: "text",
				Text: fmt.Sprintf("\n\n[ATTACHED %s: %s]\n%s", strings.ToUpper(att.Kind), att.Filename, text),
			})
		}
	}

	return llm.Message{Role: "user", Content: parts}
}

// DescribeImages produces textual descriptions of image attachments via
// the auxiliary description endpoint, one call per image, all in
// parallel. A failed description is simply absent from the result map.
func DescribeImages(ctx context.Context, q llm.Querier, attachments []models.Attachment) map[string]string {
	descriptions := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, att := range attachments {
		if att.Kind != models.AttachmentImage || att.DataURI == "" {
			continue
		}
		wg.Add(1)
		go func(att models.Attachment) {
			defer wg.Done()
			msg := llm.Message{Role: "user", Content: []llm.ContentPart{
				{Type: "text", Text: "Describe this image in detail so a reader who cannot see it can reason about its contents. Be factual and concise."},
				{Type: "image_url", ImageURL: &llm.ImageURL{URL: att.DataURI}},
			}}
			answer, err := q.Query(ctx, config.DescriptionModel, []llm.Message{msg})
			if err != nil {
				slog.Warn("Image description failed", "filename", att.Filename, "error", err)
				return
			}
			mu.Lock()
			descriptions[att.Filename] = answer.Content
			mu.Unlock()
		}(att)
	}

	wg.Wait()
	return descriptions
}

// needsImageDescriptions reports whether any endpoint in the pool will
// need a textual stand-in for an image attachment.
func needsImageDescriptions(attachments []models.Attachment, pool []string) bool {
	hasImage := false
	for _, att := range attachments {
		if att.Kind == models.AttachmentImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return false
	}
	for _, model := range pool {
		if !config.IsVisionModel(model) {
			return true
		}
	}
	return false
}
