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
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/claimdesk/docpipe/internal/models"
)

// KeywordModel is the model name recorded for keyword classifications.
const KeywordModel = "keyword-v1"

type keyword struct {
	term   string
	weight float64
}

// keywordTable lists weighted indicator terms per document type. Terms are
// matched case-insensitively as substrings.
var keywordTable = map[models.DocumentType][]keyword{
	models.DocClaim: {
		{"claim form", 3}, {"claim number", 2}, {"claimant", 2}, {"date of loss", 2},
		{"notice of loss", 2}, {"claim", 1},
	},
	models.DocPolicy: {
		{"policy number", 2}, {"declarations page", 3}, {"policyholder", 2},
		{"coverage", 1}, {"premium", 1}, {"endorsement", 1}, {"deductible", 1},
	},
	models.DocMedicalReport: {
		{"diagnosis", 2}, {"patient", 2}, {"physician", 2}, {"treatment", 1},
		{"hospital", 1}, {"medical", 1}, {"prescription", 1},
	},
	models.DocAccidentReport: {
		{"accident report", 3}, {"police report", 3}, {"collision", 2},
		{"incident", 1}, {"officer", 1}, {"vehicle", 1}, {"witness", 1},
	},
	models.DocFinancialDocument: {
		{"invoice", 3}, {"receipt", 2}, {"amount due", 2}, {"bank statement", 3},
		{"balance", 1}, {"subtotal", 2}, {"payment", 1},
	},
	models.DocLegalDocument: {
		{"court", 2}, {"plaintiff", 3}, {"defendant", 3}, {"subpoena", 3},
		{"attorney", 2}, {"hereby", 1}, {"legal notice", 2},
	},
	models.DocCorrespondence: {
		{"dear ", 2}, {"sincerely", 2}, {"regards", 1}, {"to whom it may concern", 3},
	},
	models.DocIdentification: {
		{"driver's license", 3}, {"drivers license", 3}, {"passport", 3},
		{"date of birth", 1}, {"identification", 2},
	},
	models.DocPhotoEvidence: {
		{"photo", 2}, {"photograph", 2}, {"image of damage", 3}, {"exhibit", 1},
	},
}

var entityPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"policy_number", regexp.MustCompile(`(?i)\bpolicy\s*(?:no\.?|number|#)?\s*[:#]?\s*([A-Z]{2,4}-?\d{4,12})\b`)},
	{"claim_number", regexp.MustCompile(`(?i)\bclaim\s*(?:no\.?|number|#)?\s*[:#]?\s*([A-Z]{2,4}-?\d{3,12})\b`)},
	{"amount", regexp.MustCompile(`([$€£]\s?\d{1,3}(?:,\d{3})*(?:\.\d{2})?)`)},
	{"date", regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)},
	{"email", regexp.MustCompile(`\b([A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,})\b`)},
}

var highRiskTerms = []string{"fraud", "litigation", "lawsuit", "injury", "fatal", "total loss", "urgent"}

// Keyword classifies text by weighted keyword matches. It is deterministic
// and needs no network access.
type Keyword struct{}

// NewKeyword creates a keyword classifier.
func NewKeyword() *Keyword { return &Keyword{} }

func (k *Keyword) Classify(ctx context.Context, text string) (models.ClassificationResult, error) {
	lower := strings.ToLower(text)

	scores := make(map[models.DocumentType]float64, len(keywordTable))
	var total float64
	for doc, kws := range keywordTable {
		for _, kw := range kws {
			if n := strings.Count(lower, kw.term); n > 0 {
				s := kw.weight * float64(min(n, 3))
				scores[doc] += s
				total += s
			}
		}
	}

	best, bestScore := models.DocOther, 0.0
	for _, doc := range models.DocumentTypes {
		if scores[doc] > bestScore {
			best, bestScore = doc, scores[doc]
		}
	}

	confidence := 0.0
	if total > 0 {
		confidence = min(0.95, 0.3+0.65*bestScore/total)
	}

	risk := models.LevelLow
	for _, term := range highRiskTerms {
		if strings.Contains(lower, term) {
			risk = models.LevelHigh
			break
		}
	}
	if risk == models.LevelLow && (best == models.DocClaim || best == models.DocAccidentReport || best == models.DocLegalDocument) {
		risk = models.LevelMedium
	}

	entities := extractEntities(text)
	return models.ClassificationResult{
		DocType:    best,
		Confidence: confidence,
		Entities:   entities,
		Risk:       risk,
		RiskScore:  risk.Score(),
		Priority:   risk,
		Summary:    summarize(best, entities),
		Model:      KeywordModel,
	}, nil
}

func extractEntities(text string) map[string]string {
	out := make(map[string]string)
	for _, p := range entityPatterns {
		var values []string
		seen := make(map[string]bool)
		for _, m := range p.re.FindAllStringSubmatch(text, 5) {
			v := strings.TrimSpace(m[1])
			if v != "" && !seen[v] {
				seen[v] = true
				values = append(values, v)
			}
		}
		if len(values) > 0 {
			out[p.name] = strings.Join(values, ", ")
		}
	}
	return out
}

func summarize(doc models.DocumentType, entities map[string]string) string {
	if len(entities) == 0 {
		return doc.Description()
	}
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+entities[k])
	}
	return doc.Description() + "; " + strings.Join(parts, "; ")
}
