// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
)

const (
	// MaxInputChars bounds the text sent to the model.
	MaxInputChars = 8000

	maxErrorBody = 512
)

// LLM classifies text with an OpenAI-compatible chat completions endpoint.
type LLM struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

// NewLLM creates a chat completions classifier. baseURL is the API root
// (for example https://api.openai.com/v1). httpClient carries the
// credentials, either a bearer token or OAuth2 client credentials.
func NewLLM(baseURL, model string, httpClient *http.Client) *LLM {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	return &LLM{
		endpoint:   strings.TrimRight(baseURL, "/") + "/chat/completions",
		model:      model,
		httpClient: httpClient,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// llmEntity is one entry of the entities list the prompt asks for.
type llmEntity struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type llmResult struct {
	DocumentType   string          `json:"document_type"`
	Confidence     float64         `json:"confidence"`
	Entities       []llmEntity     `json:"entities"`
	KeyEntities    map[string]any  `json:"key_entities"`
	RiskAssessment string          `json:"risk_assessment"`
	Priority       string          `json:"priority"`
	PriorityLevel  string          `json:"priority_level"`
	RiskScore      *float64        `json:"risk_score"`
	Summary        string          `json:"summary"`
	KeyFindings    json.RawMessage `json:"key_findings"`
}

// Classify implements Classifier.
func (l *LLM) Classify(ctx context.Context, text string) (models.ClassificationResult, error) {
	body, err := json.Marshal(chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: userPrompt(truncate(text, MaxInputChars))},
		},
		MaxTokens:      500,
		Temperature:    0.1,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return models.ClassificationResult{}, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.ClassificationResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return models.ClassificationResult{}, fmt.Errorf("call classifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return models.ClassificationResult{}, &apperr.UpstreamError{
			Service:    "classifier",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return models.ClassificationResult{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return models.ClassificationResult{}, fmt.Errorf("classifier returned no choices")
	}

	var out llmResult
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &out); err != nil {
		return models.ClassificationResult{}, fmt.Errorf("decode classification: %w", err)
	}

	res := toResult(out)
	res.Model = "llm:" + l.model
	slog.Debug("document classified",
		"doc_type", res.DocType,
		"confidence", res.Confidence,
		"model", l.model,
	)
	return res, nil
}

func toResult(out llmResult) models.ClassificationResult {
	res := models.ClassificationResult{
		DocType:    models.ParseDocumentType(out.DocumentType),
		Confidence: out.Confidence,
		Entities:   make(map[string]string),
		Risk:       models.ParseLevel(out.RiskAssessment),
		Summary:    strings.TrimSpace(out.Summary),
	}

	res.Priority = models.ParseLevel(out.PriorityLevel)
	if res.Priority == models.LevelUnknown {
		res.Priority = models.ParseLevel(out.Priority)
	}

	if out.RiskScore != nil {
		res.RiskScore = *out.RiskScore
	} else {
		res.RiskScore = res.Risk.Score()
	}

	for k, v := range out.KeyEntities {
		if s := entityString(v); s != "" {
			res.Entities[k] = s
		}
	}
	for _, e := range out.Entities {
		s := entityString(e.Value)
		if e.Type == "" || s == "" {
			continue
		}
		if prev, ok := res.Entities[e.Type]; ok && prev != s {
			s = prev + ", " + s
		}
		res.Entities[e.Type] = s
	}
	return res
}

func entityString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			if s := entityString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		if val, ok := x["value"]; ok {
			return entityString(val)
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+entityString(x[k]))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(v)
}

// truncate cuts s to at most n runes, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are an expert insurance document classifier. Analyze the provided document text ")
	b.WriteString("and classify it into exactly one of the following document types:\n\n")
	for i, d := range models.DocumentTypes {
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, d, d.Description())
	}
	b.WriteString("\nFor each document, also extract:\n")
	b.WriteString("- Key entities (names, dates, amounts, policy numbers, claim numbers)\n")
	b.WriteString("- Risk assessment (High, Medium, Low)\n")
	b.WriteString("- Priority level (High, Medium, Low)\n")
	b.WriteString("- Risk score (0.0 to 1.0)\n")
	b.WriteString("- Confidence score (0.0 to 1.0)\n\n")
	b.WriteString("Respond with a JSON object containing your analysis.")
	return b.String()
}

func userPrompt(text string) string {
	return `Please analyze and classify the following insurance document text:

DOCUMENT TEXT:
` + text + `

Please provide your analysis in the following JSON format:
{
    "document_type": "document_type_from_list",
    "confidence": 0.95,
    "key_entities": {"policy_number": "POL123456", "claim_amount": "$5000", "date": "2024-01-15"},
    "risk_assessment": "Medium",
    "priority_level": "High",
    "risk_score": 0.5,
    "summary": "Brief summary of the document content"
}`
}
