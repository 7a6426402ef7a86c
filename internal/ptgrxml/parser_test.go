package ptgrxml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantline/grantline/internal/domain/patent"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

func loadSampleRecords(t *testing.T) []*patent.PatentRecord {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "ipg_sample.xml"))
	require.NoError(t, err)
	records, err := ParseBytes(data)
	require.NoError(t, err)
	return records
}

func TestParseBytes_SampleGrants(t *testing.T) {
	t.Parallel()

	records := loadSampleRecords(t)
	// Three documents in the file; the one without a doc-number is dropped.
	require.Len(t, records, 2)

	rec := records[0]
	assert.Equal(t, "US12345678B2", rec.PublicationNumber)
	assert.Equal(t, "20240102", rec.GrantDate)
	assert.Equal(t, "Adaptive cache eviction for distributed query engines", rec.Title)
	assert.Equal(t,
		"A cache layer for a distributed query engine evicts entries based on observed access frequency and query cost.",
		rec.Abstract)
	assert.Equal(t, []string{"G06F 16/2455", "G06F 12/0871"}, rec.CPCCodes)
	assert.Equal(t, []string{"9876543", "10111222"}, rec.Citations)

	second := records[1]
	assert.Equal(t, "US12345679B1", second.PublicationNumber)
	assert.Equal(t, "Chromatography column packing — pressure control", second.Title)
	assert.Equal(t, "A packing method keeps column pressure within bounds.", second.Abstract)
	require.Len(t, second.Claims, 1)
	// No num attribute on this claim; the claim-num child supplies it.
	assert.Equal(t, "1", second.Claims[0].ClaimNum)
}

func TestParseBytes_SummaryDescriptionDisjoint(t *testing.T) {
	t.Parallel()

	rec := loadSampleRecords(t)[0]
	assert.Equal(t, []string{"The invention provides an adaptive eviction policy."},
		rec.SummaryParagraphs)
	assert.Equal(t, []string{
		"Query engines distribute work across many nodes.",
		"FIG. 1 shows the cache interface between nodes.",
	}, rec.DescriptionParagraphs)
	for _, sum := range rec.SummaryParagraphs {
		assert.NotContains(t, rec.DescriptionParagraphs, sum)
	}
}

func TestParseBytes_Claims(t *testing.T) {
	t.Parallel()

	rec := loadSampleRecords(t)[0]
	require.Len(t, rec.Claims, 2)

	first := rec.Claims[0]
	assert.Equal(t, "00001", first.ClaimNum)
	assert.Equal(t,
		"1. A caching device comprising: a frequency counter; and an eviction controller coupled to the counter.",
		first.Text)
	assert.False(t, first.IsDependent)
	assert.Empty(t, first.DependsOn)

	second := rec.Claims[1]
	assert.Equal(t, "00002", second.ClaimNum)
	assert.True(t, second.IsDependent)
	assert.Equal(t, []string{"1"}, second.DependsOn)
	assert.Contains(t, second.Text, "claim 1")
}

func TestParseBytes_DocNumberWhitespaceStripped(t *testing.T) {
	t.Parallel()

	const doc = `<us-patent-grant>
  <us-bibliographic-data-grant>
    <publication-reference>
      <document-id>
        <doc-number> US 11222333 B2 </doc-number>
        <date>20230905</date>
      </document-id>
    </publication-reference>
  </us-bibliographic-data-grant>
</us-patent-grant>`

	records, err := ParseBytes([]byte(doc))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "US11222333B2", records[0].PublicationNumber)
	assert.Equal(t, "20230905", records[0].GrantDate)
}

func TestParseBytes_ClaimNumberOrdinalFallback(t *testing.T) {
	t.Parallel()

	const doc = `<us-patent-grant>
  <us-bibliographic-data-grant>
    <publication-reference>
      <document-id><doc-number>US10000001B2</doc-number></document-id>
    </publication-reference>
  </us-bibliographic-data-grant>
  <claims>
    <claim num="5"><claim-text>5. A widget.</claim-text></claim>
    <claim><claim-text>A widget holder.</claim-text></claim>
  </claims>
</us-patent-grant>`

	records, err := ParseBytes([]byte(doc))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, records[0].Claims, 2)
	assert.Equal(t, "5", records[0].Claims[0].ClaimNum)
	// Neither num attribute nor claim-num child: position in the claim list.
	assert.Equal(t, "2", records[0].Claims[1].ClaimNum)
}

func TestParseBytes_AbstractWithoutParagraphs(t *testing.T) {
	t.Parallel()

	const doc = `<us-patent-grant>
  <us-bibliographic-data-grant>
    <publication-reference>
      <document-id><doc-number>US10000002B2</doc-number></document-id>
    </publication-reference>
  </us-bibliographic-data-grant>
  <abstract>Bare abstract text without paragraph markup.</abstract>
</us-patent-grant>`

	records, err := ParseBytes([]byte(doc))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Bare abstract text without paragraph markup.", records[0].Abstract)
}

func TestParseBytes_RawSnapshot(t *testing.T) {
	t.Parallel()

	rec := loadSampleRecords(t)[0]
	require.NotNil(t, rec.Raw)
	assert.Equal(t, "US12345678B2", rec.Raw["publication_number"])
	assert.Equal(t, "20240102", rec.Raw["grant_date"])
	assert.Equal(t, rec.Title, rec.Raw["title"])
}

func TestParseBytes_MalformedXML(t *testing.T) {
	t.Parallel()

	records, err := ParseBytes([]byte(`<us-patent-grant><claims><1bad></claims></us-patent-grant>`))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeXMLMalformed))
	assert.Nil(t, records)
}

func TestParseBytes_EmptyInput(t *testing.T) {
	t.Parallel()

	records, err := ParseBytes(nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}
