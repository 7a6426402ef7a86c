// Package patent implements the patent-grant bounded context: the parsed
// grant record, its claims, the evidence chunks derived from it, and the
// ports through which records and chunks reach storage, indexing, and
// embedding. All content rules (normalization, identity, claim dependency,
// chunking) live here; persistence and transport are handled by the
// infrastructure adapters.
package patent

import (
	"strings"
	"time"

	"github.com/grantline/grantline/pkg/errors"
)

// SectionType identifies which part of a grant an evidence chunk was cut from.
type SectionType string

const (
	SectionClaim       SectionType = "CLAIM"
	SectionAbstract    SectionType = "ABSTRACT"
	SectionSummary     SectionType = "SUMMARY"
	SectionDescription SectionType = "DESCRIPTION"
)

func (s SectionType) String() string { return string(s) }

func (s SectionType) IsValid() bool {
	switch s {
	case SectionClaim, SectionAbstract, SectionSummary, SectionDescription:
		return true
	default:
		return false
	}
}

// Claim is one claim of a granted patent. Text is stored post-normalization.
// IsDependent holds iff DependsOn is non-empty or the text matches the
// dependency cue pattern (see ParseClaimDependency).
type Claim struct {
	ClaimNum    string   `json:"claim_num"`
	Text        string   `json:"text"`
	IsDependent bool     `json:"is_dependent"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// PatentRecord is one granted patent as extracted from a weekly archive
// member. It is created by the parser, persisted by the ingest orchestrator,
// and never mutated in place afterwards.
type PatentRecord struct {
	// PublicationNumber is the unique identity, e.g. "US12345678B2".
	PublicationNumber string `json:"publication_number"`

	// GrantDate is a compact YYYYMMDD date string, empty when absent.
	GrantDate string `json:"grant_date"`

	Title    string `json:"title"`
	Abstract string `json:"abstract"`

	// SummaryParagraphs and DescriptionParagraphs are disjoint: a paragraph
	// under a summary subtree is never emitted into the description list.
	SummaryParagraphs     []string `json:"summary_paragraphs,omitempty"`
	DescriptionParagraphs []string `json:"description_paragraphs,omitempty"`

	Claims []Claim `json:"claims,omitempty"`

	// CPCCodes may contain duplicates; writes dedupe them.
	CPCCodes []string `json:"cpc_codes,omitempty"`

	// Citations are cited publication numbers in document order.
	Citations []string `json:"citations,omitempty"`

	// Raw preserves the canonical identity fields exactly as parsed. It is
	// stored verbatim in the patents.raw_json column.
	Raw map[string]interface{} `json:"raw,omitempty"`
}

// Validate enforces the record invariant: a non-empty publication number.
func (p *PatentRecord) Validate() error {
	if p.PublicationNumber == "" {
		return errors.New(errors.ErrCodeDocumentInvalid, "patent record has no publication number")
	}
	return nil
}

// HasCPCPrefix reports whether any CPC code starts with prefix,
// case-insensitively. An empty prefix matches every record that has at
// least one CPC code.
func (p *PatentRecord) HasCPCPrefix(prefix string) bool {
	up := strings.ToUpper(prefix)
	for _, code := range p.CPCCodes {
		if strings.HasPrefix(strings.ToUpper(code), up) {
			return true
		}
	}
	return false
}

// BuildRaw populates Raw with the canonical identity fields. The parser
// calls this once after all fields are extracted.
func (p *PatentRecord) BuildRaw() {
	p.Raw = map[string]interface{}{
		"publication_number": p.PublicationNumber,
		"grant_date":         p.GrantDate,
		"title":              p.Title,
		"abstract":           p.Abstract,
		"cpc_codes":          p.CPCCodes,
		"citations":          p.Citations,
	}
}

// EvidenceChunk is a content-addressed slice of a patent used as retrieval
// evidence. ChunkID is derived from the publication, section, section-scoped
// key, and normalized text (see ChunkID); any change to the normalized text
// produces a new identity.
type EvidenceChunk struct {
	ChunkID           string      `json:"chunk_id"`
	PublicationNumber string      `json:"publication_number"`
	SectionType       SectionType `json:"section_type"`

	// Text is stored post-normalization; TextHash is its hex SHA-256.
	Text     string `json:"text"`
	TextHash string `json:"text_hash"`

	// ClaimNum is set for CLAIM chunks only.
	ClaimNum string `json:"claim_num,omitempty"`

	// ParaID is the section-scoped ordinal for ABSTRACT, SUMMARY, and
	// DESCRIPTION chunks ("abstract_0", "summary_2_0", ...).
	ParaID string `json:"para_id,omitempty"`

	// IsDependent is set for CLAIM chunks only, nil otherwise.
	IsDependent *bool `json:"is_dependent,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IngestionState records, per source identifier, the most recent week that
// completed ingestion.
type IngestionState struct {
	Source    string    `json:"source"`
	LastWeek  string    `json:"last_week"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SourcePTGRXML is the ingestion-state source identifier for the weekly
// patent grant full-text dataset.
const SourcePTGRXML = "ptgrxml"
