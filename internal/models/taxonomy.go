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

package models

import "strings"

// DocumentType is the closed taxonomy of document classes. Anything a
// classifier reports outside this set is recorded as DocOther.
type DocumentType string

const (
	DocClaim             DocumentType = "claim"
	DocPolicy            DocumentType = "policy"
	DocMedicalReport     DocumentType = "medical_report"
	DocAccidentReport    DocumentType = "accident_report"
	DocFinancialDocument DocumentType = "financial_document"
	DocLegalDocument     DocumentType = "legal_document"
	DocCorrespondence    DocumentType = "correspondence"
	DocIdentification    DocumentType = "identification"
	DocPhotoEvidence     DocumentType = "photo_evidence"
	DocOther             DocumentType = "other"
)

// DocumentTypes lists the taxonomy in display order.
var DocumentTypes = []DocumentType{
	DocClaim,
	DocPolicy,
	DocMedicalReport,
	DocAccidentReport,
	DocFinancialDocument,
	DocLegalDocument,
	DocCorrespondence,
	DocIdentification,
	DocPhotoEvidence,
	DocOther,
}

// Description returns a short human description, used in classifier prompts.
func (d DocumentType) Description() string {
	switch d {
	case DocClaim:
		return "insurance claim forms and claim submissions"
	case DocPolicy:
		return "insurance policies, certificates and endorsements"
	case DocMedicalReport:
		return "medical reports, bills and treatment records"
	case DocAccidentReport:
		return "police reports and incident or accident reports"
	case DocFinancialDocument:
		return "invoices, receipts, estimates and financial statements"
	case DocLegalDocument:
		return "legal documents, contracts and court papers"
	case DocCorrespondence:
		return "letters, emails and general communication"
	case DocIdentification:
		return "ID cards, licenses and identity documents"
	case DocPhotoEvidence:
		return "photos of damage or evidence"
	case DocOther:
		return "documents that do not fit the other categories"
	}
	return ""
}

// ParseDocumentType maps a classifier label onto the taxonomy. It never
// fails: unknown labels become DocOther.
func ParseDocumentType(label string) DocumentType {
	switch normalizeLabel(label) {
	case "claim", "claim_form", "claim_submission":
		return DocClaim
	case "policy", "policy_document", "certificate":
		return DocPolicy
	case "medical_report", "medical", "medical_record", "medical_bill":
		return DocMedicalReport
	case "accident_report", "police_report", "incident_report":
		return DocAccidentReport
	case "financial_document", "financial_statement", "invoice", "receipt", "invoice_receipt", "estimate":
		return DocFinancialDocument
	case "legal_document", "legal", "contract":
		return DocLegalDocument
	case "correspondence", "letter", "email":
		return DocCorrespondence
	case "identification", "id", "id_document", "identity_document":
		return DocIdentification
	case "photo_evidence", "photo", "photograph", "image":
		return DocPhotoEvidence
	}
	return DocOther
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(s)
}
