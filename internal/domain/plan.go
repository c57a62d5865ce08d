package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Intent is the backend's classification of a query
type Intent string

// Biomedical research intents
const (
	IntentLiteratureReview    Intent = "LITERATURE_REVIEW"
	IntentClinicalTrials      Intent = "CLINICAL_TRIALS"
	IntentDrugSafety          Intent = "DRUG_SAFETY"
	IntentComparativeResearch Intent = "COMPARATIVE_RESEARCH"
	IntentDataAnalysis        Intent = "DATA_ANALYSIS"
)

// General health intents
const (
	IntentSymptomsRelated Intent = "SYMPTOMS_RELATED"
	IntentInformational   Intent = "INFORMATIONAL"
	IntentGeneralHealth   Intent = "GENERAL_HEALTH"
)

var knownIntents = map[Intent]bool{
	IntentLiteratureReview:    true,
	IntentClinicalTrials:      true,
	IntentDrugSafety:          true,
	IntentComparativeResearch: true,
	IntentDataAnalysis:        true,
	IntentSymptomsRelated:     true,
	IntentInformational:       true,
	IntentGeneralHealth:       true,
}

// Valid reports whether the intent is one the backend can produce
func (i Intent) Valid() bool {
	return knownIntents[i]
}

// SourceName names a retrieval source
type SourceName string

const (
	SourcePubMed         SourceName = "PubMed"
	SourceClinicalTrials SourceName = "ClinicalTrials"
	SourceFDA            SourceName = "FDA"
	SourceMedlinePlus    SourceName = "MedlinePlus"
	SourceCDC            SourceName = "CDC"
	SourceWHO            SourceName = "WHO"
)

var knownSources = map[SourceName]bool{
	SourcePubMed:         true,
	SourceClinicalTrials: true,
	SourceFDA:            true,
	SourceMedlinePlus:    true,
	SourceCDC:            true,
	SourceWHO:            true,
}

// Valid reports whether the source is one the backend can query
func (s SourceName) Valid() bool {
	return knownSources[s]
}

// Entities holds the entities extracted from a query
type Entities struct {
	Diseases  []string `json:"diseases"`
	Drugs     []string `json:"drugs"`
	Therapies []string `json:"therapies"`
	Symptoms  []string `json:"symptoms,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// ExecutionPlan is the backend's structured reading of a query
type ExecutionPlan struct {
	Intent           Intent       `json:"intent"`
	Sources          []SourceName `json:"sources"`
	Entities         Entities     `json:"entities"`
	AnalysisRequired bool         `json:"analysis_required,omitempty"`
}

// Validate checks the plan's structure. Semantics are the backend's business.
func (p *ExecutionPlan) Validate() error {
	if !p.Intent.Valid() {
		return fmt.Errorf("invalid intent %q", p.Intent)
	}
	seen := make(map[SourceName]bool, len(p.Sources))
	for _, s := range p.Sources {
		if !s.Valid() {
			return fmt.Errorf("invalid source %q", s)
		}
		if seen[s] {
			return fmt.Errorf("duplicate source %q", s)
		}
		seen[s] = true
	}
	return nil
}

// Year is a publication year. Sources report it as a number or a string.
type Year string

// UnmarshalJSON accepts both numeric and string years
func (y *Year) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*y = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*y = Year(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid year %s", data)
	}
	*y = Year(n.String())
	return nil
}

// EvidenceMetadata carries optional source-specific details
type EvidenceMetadata struct {
	Year   Year   `json:"year,omitempty"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	Phase  string `json:"phase,omitempty"`
}

// EvidenceItem is one retrieved record backing an answer
type EvidenceItem struct {
	Source   SourceName        `json:"source"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata *EvidenceMetadata `json:"metadata,omitempty"`
}
