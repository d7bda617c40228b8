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

package coordinator

import (
	"context"

	"github.com/claimdesk/docpipe/internal/apperr"
	"github.com/claimdesk/docpipe/internal/models"
)

// Step is the outstanding work for one processable attachment.
type Step struct {
	AttachmentID string
	Filename     string
	MIMEType     string
	// Index is the attachment's position in the original request.
	Index      int
	StorageURI string
	// Text is the recorded OCR text once the OCR stage is done.
	Text string

	Upload   bool
	OCR      bool
	Classify bool
}

// Pending reports whether any stage remains for the attachment.
func (s Step) Pending() bool {
	return s.Upload || s.OCR || s.Classify
}

// Plan is the work still outstanding for a record.
type Plan struct {
	ProcessingID    string
	SourceType      models.SourceKind
	Status          models.Status
	CancelRequested bool
	// Source is set when the raw email still has to be stored.
	Source bool
	Steps  []Step
}

// Done reports whether nothing is outstanding.
func (p Plan) Done() bool {
	if p.Source {
		return false
	}
	for _, s := range p.Steps {
		if s.Pending() {
			return false
		}
	}
	return true
}

// Outstanding derives the remaining stages of a record from its stored
// results. Skippable attachments never appear in the plan.
func (c *Coordinator) Outstanding(ctx context.Context, pid string) (Plan, error) {
	d, err := c.store.Detail(ctx, pid)
	if err != nil {
		return Plan{}, err
	}
	return planFor(d), nil
}

func planFor(d models.RecordDetail) Plan {
	p := Plan{
		ProcessingID:    d.ProcessingID,
		SourceType:      d.SourceType,
		Status:          d.Status,
		CancelRequested: d.CancelRequested,
		Source:          d.SourceType == models.SourceEmail && d.SourceURI == "",
	}
	for i, a := range d.Attachments {
		if a.Skippable {
			continue
		}
		s := Step{
			AttachmentID: a.AttachmentID,
			Filename:     a.Filename,
			MIMEType:     a.MIMEType,
			Index:        i,
			Upload:       !a.Uploaded(),
			OCR:          a.OCR == nil,
			Classify:     a.Classification == nil,
		}
		if a.Uploaded() {
			s.StorageURI = *a.StorageURI
		}
		if a.OCR != nil {
			s.Text = a.OCR.Text
		}
		p.Steps = append(p.Steps, s)
	}
	return p
}

// SubmissionView is a submission with the live status of its members.
type SubmissionView struct {
	models.SubmissionRecord
	Status  models.SubmissionStatus `json:"status"`
	Members []MemberStatus          `json:"members"`
}

// MemberStatus is the status of one submission member.
type MemberStatus struct {
	ProcessingID  string        `json:"processing_id"`
	Status        models.Status `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// CreateSubmission groups existing records under a new submission ID.
func (c *Coordinator) CreateSubmission(ctx context.Context, pids []string) (models.SubmissionRecord, error) {
	seen := make(map[string]bool, len(pids))
	members := make([]string, 0, len(pids))
	for _, pid := range pids {
		if pid == "" || seen[pid] {
			continue
		}
		seen[pid] = true
		members = append(members, pid)
	}
	if len(members) == 0 {
		return models.SubmissionRecord{}, apperr.Validation("processing_ids", "at least one processing id is required")
	}

	sub := models.SubmissionRecord{
		SubmissionID:  c.ids.SubmissionID(),
		ProcessingIDs: members,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.store.CreateSubmission(ctx, sub); err != nil {
		return models.SubmissionRecord{}, err
	}
	return sub, nil
}

// Submission returns a submission with its aggregate status derived from
// the current member statuses.
func (c *Coordinator) Submission(ctx context.Context, sid string) (SubmissionView, error) {
	sub, err := c.store.GetSubmission(ctx, sid)
	if err != nil {
		return SubmissionView{}, err
	}

	view := SubmissionView{SubmissionRecord: sub, Members: make([]MemberStatus, 0, len(sub.ProcessingIDs))}
	statuses := make([]models.Status, 0, len(sub.ProcessingIDs))
	for _, pid := range sub.ProcessingIDs {
		rec, err := c.store.Get(ctx, pid)
		if err != nil {
			return SubmissionView{}, err
		}
		statuses = append(statuses, rec.Status)
		view.Members = append(view.Members, MemberStatus{
			ProcessingID:  pid,
			Status:        rec.Status,
			FailureReason: rec.FailureReason,
		})
	}
	view.Status = models.AggregateStatus(statuses)
	return view, nil
}
