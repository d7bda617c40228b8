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

// Package classify is the document classification stage.
package classify

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/claimdesk/docpipe/internal/models"
)

// Classifier assigns a taxonomy document type to extracted text. Results
// always carry a DocType inside the taxonomy.
type Classifier interface {
	Classify(ctx context.Context, text string) (models.ClassificationResult, error)
}

// Limited wraps a classifier with a rate limiter.
type Limited struct {
	next    Classifier
	limiter *rate.Limiter
}

// NewLimited limits calls to next. A nil limiter returns next unchanged.
func NewLimited(next Classifier, limiter *rate.Limiter) Classifier {
	if limiter == nil {
		return next
	}
	return &Limited{next: next, limiter: limiter}
}

func (l *Limited) Classify(ctx context.Context, text string) (models.ClassificationResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return models.ClassificationResult{}, fmt.Errorf("classifier rate limit: %w", err)
	}
	return l.next.Classify(ctx, text)
}
