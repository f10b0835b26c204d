/*
gemini.go - Gemini-backed receipt extraction

PURPOSE:
  Sends the receipt image to Gemini and parses the strict-JSON response
  into a session.ExtractionResult. The model is instructed to return a
  single JSON object; stray Markdown fences are stripped defensively
  because models occasionally ignore the instruction.

CLASSIFICATION:
  quota         - 429 / RESOURCE_EXHAUSTED from the API
  unrecognized  - model answered but the output is not a usable receipt
  network       - everything else (transport, timeout, 5xx)

SEE ALSO:
  - scan.go: ImageSource and the rest of the package
*/
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/genai"

	"github.com/ledgerlens/session-engine/session"
)

const receiptPrompt = `You are a receipt parser for an expense tracker.

Task:
- Extract the fields of the attached receipt image.
- Output STRICT JSON only (no comments, no trailing commas, no extra text).
- Output a single JSON object.

The object must have these fields:
- "merchant": string or null
- "category": string or null
- "total": number or null
- "currency": string or null (ISO 4217, e.g. "EUR")
- "location": string or null
- "date": string or null, ISO format "YYYY-MM-DD"
- "line_items": array of {"description": string, "quantity": integer, "amount": number}

Rules:
- If a field cannot be determined, set it to null (empty array for line_items).
- "amount" is the line total for that item, not the unit price.
Return ONLY valid raw JSON.
Do NOT wrap the response in code fences.
Do NOT use ` + "```json" + ` or any Markdown.
Output must begin with "{" and end with "}".`

// GeminiScanner implements session.Scanner against the Gemini API.
type GeminiScanner struct {
	client *genai.Client
	model  string
	images ImageSource
}

// NewGeminiScanner creates the scanner. Credentials come from the
// environment (GEMINI_API_KEY), same as the rest of the genai SDK.
func NewGeminiScanner(ctx context.Context, model string, images ImageSource) (*GeminiScanner, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiScanner{client: client, model: model, images: images}, nil
}

func (g *GeminiScanner) StartScan(ctx context.Context, ref session.ImageRef) (*session.ExtractionResult, error) {
	data, mimeType, err := g.images.Fetch(ctx, ref)
	if err != nil {
		return nil, &session.ScanFailure{
			Class:   session.ScanFailureNetwork,
			Message: fmt.Sprintf("fetch image: %v", err),
		}
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: receiptPrompt},
				{
					InlineData: &genai.Blob{
						MIMEType: mimeType,
						Data:     data,
					},
				},
			},
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	rawText := resp.Text()
	if rawText == "" {
		return nil, &session.ScanFailure{
			Class:   session.ScanFailureUnrecognized,
			Message: "empty response from model",
		}
	}

	result, err := parseExtraction(cleanModelJSON(rawText))
	if err != nil {
		return nil, &session.ScanFailure{
			Class:   session.ScanFailureUnrecognized,
			Message: err.Error(),
		}
	}
	return result, nil
}

func classifyAPIError(err error) *session.ScanFailure {
	msg := err.Error()
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(strings.ToLower(msg), "quota") {
		return &session.ScanFailure{Class: session.ScanFailureQuota, Message: msg}
	}
	return &session.ScanFailure{Class: session.ScanFailureNetwork, Message: msg}
}

// =============================================================================
// RESPONSE PARSING
// =============================================================================

type extractionJSON struct {
	Merchant  *string  `json:"merchant"`
	Category  *string  `json:"category"`
	Total     *float64 `json:"total"`
	Currency  *string  `json:"currency"`
	Location  *string  `json:"location"`
	Date      *string  `json:"date"`
	LineItems []struct {
		Description string  `json:"description"`
		Quantity    int     `json:"quantity"`
		Amount      float64 `json:"amount"`
	} `json:"line_items"`
}

func parseExtraction(raw string) (*session.ExtractionResult, error) {
	var parsed extractionJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("unparsable model output: %w", err)
	}

	out := &session.ExtractionResult{}
	if parsed.Merchant != nil {
		out.Merchant = *parsed.Merchant
	}
	if parsed.Category != nil {
		out.Category = *parsed.Category
	}
	if parsed.Total != nil {
		out.Total = decimal.NewFromFloat(*parsed.Total)
	}
	if parsed.Currency != nil {
		out.Currency = *parsed.Currency
	}
	if parsed.Location != nil {
		out.Location = *parsed.Location
	}
	if parsed.Date != nil {
		if t, err := time.Parse("2006-01-02", *parsed.Date); err == nil {
			out.OccurredAt = t
		}
	}
	for _, li := range parsed.LineItems {
		out.LineItems = append(out.LineItems, session.LineItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			Amount:      decimal.NewFromFloat(li.Amount),
		})
	}

	if out.Merchant == "" && out.Total.IsZero() && len(out.LineItems) == 0 {
		return nil, fmt.Errorf("model output contains no recognizable receipt fields")
	}
	return out, nil
}

// cleanModelJSON strips Markdown fences the model sometimes adds
// despite instructions.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
