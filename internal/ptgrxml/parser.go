// Package ptgrxml handles the USPTO weekly patent-grant full-text archives:
// discovery of weekly batches, resumable download, processed-week state, and
// extraction of patent records from the archives' XML members.
package ptgrxml

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/grantline/grantline/internal/domain/patent"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// node is a minimal element-tree representation of one grant document.
// Element names keep only their local part, which makes every lookup
// namespace-agnostic; grants come with inconsistent namespacing across
// years. Text runs are stored as nameless children so document order is
// preserved when concatenating inner text.
type node struct {
	local string
	attrs []xml.Attr
	kids  []*node
	text  string
}

func (n *node) isText() bool { return n.local == "" }

func (n *node) attr(name string) string {
	for _, a := range n.attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// innerText concatenates every text run in the subtree in document order.
func (n *node) innerText() string {
	var sb strings.Builder
	n.appendText(&sb)
	return sb.String()
}

func (n *node) appendText(sb *strings.Builder) {
	if n.isText() {
		sb.WriteString(n.text)
		return
	}
	for _, k := range n.kids {
		k.appendText(sb)
	}
}

// findAll returns every descendant element whose local name is in names,
// in document order. Matches inside a matched subtree are not revisited.
func (n *node) findAll(names ...string) []*node {
	var out []*node
	for _, k := range n.kids {
		if k.isText() {
			continue
		}
		if matchesLocal(k.local, names) {
			out = append(out, k)
			continue
		}
		out = append(out, k.findAll(names...)...)
	}
	return out
}

// first returns the first descendant element with one of the given local
// names, or nil.
func (n *node) first(names ...string) *node {
	for _, k := range n.kids {
		if k.isText() {
			continue
		}
		if matchesLocal(k.local, names) {
			return k
		}
		if found := k.first(names...); found != nil {
			return found
		}
	}
	return nil
}

func matchesLocal(local string, names []string) bool {
	for _, name := range names {
		if local == name {
			return true
		}
	}
	return false
}

// decodeNode consumes tokens from dec until the element opened by start is
// closed, building its subtree.
func decodeNode(dec *xml.Decoder, start xml.StartElement) (*node, error) {
	n := &node{local: start.Name.Local, attrs: start.Attr}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeNode(dec, t)
			if err != nil {
				return nil, err
			}
			n.kids = append(n.kids, child)
		case xml.CharData:
			n.kids = append(n.kids, &node{text: string(t)})
		case xml.EndElement:
			return n, nil
		}
	}
}

// ParseReader extracts patent records from grant XML. The input may contain
// one or many us-patent-grant documents concatenated back to back, each with
// its own prolog, which is how the weekly archives ship. Records without a
// publication number are skipped silently; a malformed document fails the
// whole call.
func ParseReader(r io.Reader) ([]*patent.PatentRecord, error) {
	dec := xml.NewDecoder(r)
	// The weekly files reference external DTDs and use HTML-style entities.
	dec.Strict = false
	dec.Entity = xml.HTMLEntity

	var records []*patent.PatentRecord
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeXMLMalformed, "decode grant XML failed")
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "us-patent-grant" {
			continue
		}
		grant, err := decodeNode(dec, start)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeXMLMalformed, "decode grant XML failed")
		}
		if rec := extractRecord(grant); rec != nil {
			records = append(records, rec)
		}
	}
}

// ParseBytes is ParseReader over an in-memory member.
func ParseBytes(data []byte) ([]*patent.PatentRecord, error) {
	return ParseReader(bytes.NewReader(data))
}

// extractRecord maps one grant element tree to a PatentRecord, or nil when
// the grant has no publication number.
func extractRecord(grant *node) *patent.PatentRecord {
	rec := &patent.PatentRecord{}

	if pubRef := grant.first("publication-reference"); pubRef != nil {
		if docNum := pubRef.first("doc-number"); docNum != nil {
			rec.PublicationNumber = stripAllSpace(docNum.innerText())
		}
		if date := pubRef.first("date"); date != nil {
			rec.GrantDate = stripAllSpace(date.innerText())
		}
	}
	if rec.PublicationNumber == "" {
		return nil
	}

	if title := grant.first("invention-title"); title != nil {
		rec.Title = patent.NormalizeText(title.innerText())
	}

	if abstract := grant.first("abstract"); abstract != nil {
		rec.Abstract = joinParagraphText(abstract)
	}

	rec.SummaryParagraphs, rec.DescriptionParagraphs = extractBodyParagraphs(grant)
	rec.Claims = extractClaims(grant)

	for _, cpc := range grant.findAll("classification-cpc-text") {
		if code := patent.NormalizeText(cpc.innerText()); code != "" {
			rec.CPCCodes = append(rec.CPCCodes, code)
		}
	}

	for _, cited := range grant.findAll("references-cited", "us-references-cited") {
		for _, docNum := range cited.findAll("doc-number") {
			if num := stripAllSpace(docNum.innerText()); num != "" {
				rec.Citations = append(rec.Citations, num)
			}
		}
	}

	rec.BuildRaw()
	return rec
}

// summaryLocals are the local names whose subtrees count as summary content.
var summaryLocals = []string{"summary", "summary-of-invention"}

// extractBodyParagraphs walks the grant's summary and description subtrees.
// A paragraph under a summary subtree is emitted into the summary list only,
// even when that subtree is nested inside the description element, so the
// two lists stay disjoint.
func extractBodyParagraphs(grant *node) (summary, description []string) {
	for _, sum := range grant.findAll(summaryLocals...) {
		summary = append(summary, paragraphTexts(sum)...)
	}
	for _, desc := range grant.findAll("description", "detailed-description") {
		description = append(description, paragraphTextsExcluding(desc, summaryLocals)...)
	}
	return summary, description
}

// paragraphTexts returns the normalized non-empty text of every <p>
// descendant of n.
func paragraphTexts(n *node) []string {
	var out []string
	for _, p := range n.findAll("p") {
		if text := patent.NormalizeText(p.innerText()); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// paragraphTextsExcluding is paragraphTexts but does not descend into
// subtrees whose local name is in excluded.
func paragraphTextsExcluding(n *node, excluded []string) []string {
	var out []string
	for _, k := range n.kids {
		if k.isText() || matchesLocal(k.local, excluded) {
			continue
		}
		if k.local == "p" {
			if text := patent.NormalizeText(k.innerText()); text != "" {
				out = append(out, text)
			}
			continue
		}
		out = append(out, paragraphTextsExcluding(k, excluded)...)
	}
	return out
}

// extractClaims maps every <claim> under <claims> to a Claim. The claim
// number prefers the num attribute, then a <claim-num> child, then the
// 1-based position. Claim text prefers <claim-text> descendants and falls
// back to the whole claim's inner text.
func extractClaims(grant *node) []patent.Claim {
	var claims []patent.Claim
	for _, claimsEl := range grant.findAll("claims") {
		for _, cl := range claimsEl.findAll("claim") {
			num := strings.TrimSpace(cl.attr("num"))
			if num == "" {
				if numEl := cl.first("claim-num"); numEl != nil {
					num = stripAllSpace(numEl.innerText())
				}
			}
			if num == "" {
				num = strconv.Itoa(len(claims) + 1)
			}

			var parts []string
			for _, ct := range cl.findAll("claim-text") {
				if text := patent.NormalizeText(ct.innerText()); text != "" {
					parts = append(parts, text)
				}
			}
			text := strings.Join(parts, " ")
			if text == "" {
				text = patent.NormalizeText(cl.innerText())
			}

			isDep, deps := patent.ParseClaimDependency(text)
			claims = append(claims, patent.Claim{
				ClaimNum:    num,
				Text:        text,
				IsDependent: isDep,
				DependsOn:   deps,
			})
		}
	}
	return claims
}

// joinParagraphText joins the <p> descendants of n with single spaces, or
// falls back to the element's own inner text when it has no <p> children.
func joinParagraphText(n *node) string {
	ps := paragraphTexts(n)
	if len(ps) == 0 {
		return patent.NormalizeText(n.innerText())
	}
	return patent.NormalizeText(strings.Join(ps, " "))
}

func stripAllSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
