// Copyright Peton Labs, 2026. All rights reserved.

package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

// extractionPromptTmpl is the prompt sent to the service for one category
// and one chunk of article text. It lists the category's fields with their
// instructions and demands a bare JSON object in response.
var extractionPromptTmpl = template.Must(template.New("extraction").Parse(`You are a systematic-review data extraction assistant. Read the article text below and extract the requested fields for the category "{{.Category}}".

Fields to extract:
{{range .Fields}}- {{.Name}}: {{.Desc}}
{{end}}
Rules:
- Take values from the text only; never infer or invent them.
- Preserve numbers and units exactly as written.
- Use "not reported" for any field the text does not contain.

Respond with a single JSON object mapping every field name to its value as a string. Do not include any text outside the JSON object.

Article text:
{{.Text}}
`))

// renderPrompt executes the extraction prompt template for one category and
// chunk.
func renderPrompt(cat Category, text string) (string, error) {
	var buf bytes.Buffer
	err := extractionPromptTmpl.Execute(&buf, struct {
		Category string
		Fields   []Field
		Text     string
	}{Category: cat.Name, Fields: cat.Fields, Text: text})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// anthropicAPIURL is the Messages API endpoint. Package-level var for test
// substitution.
var anthropicAPIURL = "https://api.anthropic.com/v1/messages"

// AnthropicBackend calls the Anthropic Messages API.
type AnthropicBackend struct {
	APIKey string
	Model  string
	Client *http.Client
}

// anthropicRequest is the request body for the Messages API.
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

// anthropicMessage is a single message in the conversation.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the response body from the Messages API.
type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

// anthropicContent is a content block in the response.
type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Extract sends one rendered prompt and parses the JSON object the model
// returns. A 429 comes back as a rate-limited error so the pipeline can
// requeue the item; other failures are extraction-service errors.
func (b *AnthropicBackend) Extract(ctx context.Context, prompt string) (Fields, error) {
	reqBody := anthropicRequest{
		Model:     b.Model,
		MaxTokens: 4096,
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling extraction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, types.WithKind(types.KindRateLimited,
			fmt.Errorf("extraction service rate limited"))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, types.WithKind(types.KindExtractionService,
			fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, string(body)))
	}

	var aResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aResp); err != nil {
		return nil, fmt.Errorf("decoding service response: %w", err)
	}

	for _, block := range aResp.Content {
		if block.Type != "text" {
			continue
		}
		fields, err := decodeFields(block.Text)
		if err != nil {
			return nil, types.WithKind(types.KindExtractionService,
				fmt.Errorf("parsing extraction response: %w", err))
		}
		return fields, nil
	}
	return nil, types.WithKind(types.KindExtractionService,
		fmt.Errorf("no text content in extraction response"))
}

// decodeFields parses the model's JSON object into field values. Models
// sometimes wrap the object in a Markdown code fence; strip it before
// parsing. Scalar values are stringified, compound values re-encoded.
func decodeFields(text string) (Fields, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, err
	}

	fields := make(Fields, len(raw))
	for name, value := range raw {
		switch v := value.(type) {
		case nil:
			fields[name] = ""
		case string:
			fields[name] = v
		case float64, bool:
			fields[name] = fmt.Sprintf("%v", v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			fields[name] = string(encoded)
		}
	}
	return fields, nil
}
