package patent

import (
	"fmt"
	"strings"
)

// Chunking window parameters for summary and description paragraphs.
const (
	ChunkMaxChars = 1200
	ChunkOverlap  = 150
)

// BuildChunks cuts a patent record into evidence chunks: one chunk per
// claim, one for the abstract when non-empty, and one per window of each
// summary and description paragraph. Chunk order is claims, abstract,
// summary, description; identities are content-addressed so re-chunking an
// unchanged record reproduces the same IDs.
func BuildChunks(rec *PatentRecord) []EvidenceChunk {
	var chunks []EvidenceChunk

	for _, claim := range rec.Claims {
		text := NormalizeText(claim.Text)
		dependsOn := claim.DependsOn
		if dependsOn == nil {
			dependsOn = []string{}
		}
		isDep := claim.IsDependent
		chunks = append(chunks, EvidenceChunk{
			ChunkID:           ChunkID(rec.PublicationNumber, SectionClaim, claim.ClaimNum, text),
			PublicationNumber: rec.PublicationNumber,
			SectionType:       SectionClaim,
			Text:              text,
			TextHash:          SHA256Hex(text),
			ClaimNum:          claim.ClaimNum,
			IsDependent:       &isDep,
			Metadata:          map[string]interface{}{"depends_on": dependsOn},
		})
	}

	if abstract := NormalizeText(rec.Abstract); abstract != "" {
		chunks = append(chunks, EvidenceChunk{
			ChunkID:           ChunkID(rec.PublicationNumber, SectionAbstract, "0", abstract),
			PublicationNumber: rec.PublicationNumber,
			SectionType:       SectionAbstract,
			Text:              abstract,
			TextHash:          SHA256Hex(abstract),
			ParaID:            "abstract_0",
		})
	}

	chunks = append(chunks, paragraphChunks(rec, SectionSummary, rec.SummaryParagraphs)...)
	chunks = append(chunks, paragraphChunks(rec, SectionDescription, rec.DescriptionParagraphs)...)

	return chunks
}

// paragraphChunks windows each paragraph and assigns section-scoped ids
// "{section}_{paragraph}_{piece}", both indices zero-based.
func paragraphChunks(rec *PatentRecord, section SectionType, paragraphs []string) []EvidenceChunk {
	prefix := strings.ToLower(string(section))
	var chunks []EvidenceChunk
	for paraIdx, para := range paragraphs {
		for pieceIdx, piece := range SplitWithOverlap(para, ChunkMaxChars, ChunkOverlap) {
			paraID := fmt.Sprintf("%s_%d_%d", prefix, paraIdx, pieceIdx)
			chunks = append(chunks, EvidenceChunk{
				ChunkID:           ChunkID(rec.PublicationNumber, section, paraID, piece),
				PublicationNumber: rec.PublicationNumber,
				SectionType:       section,
				Text:              piece,
				TextHash:          SHA256Hex(piece),
				ParaID:            paraID,
			})
		}
	}
	return chunks
}
