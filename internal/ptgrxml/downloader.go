package ptgrxml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/grantline/grantline/internal/config"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// ErrNotFound reports a week whose archive URL returned 404. The server
// will never produce the file, so callers skip the week instead of
// aborting the run; the week stays unmarked for a later retry.
var ErrNotFound = errors.New("archive not found")

// WeekBatch identifies one weekly grant archive offered for download.
type WeekBatch struct {
	WeekID   string `json:"week_id"`
	FileName string `json:"file_name"`
	URL      string `json:"url"`
}

// zipLinkRE matches hyperlinks to weekly archives on the dataset page.
var zipLinkRE = regexp.MustCompile(`href=["']([^"']*ipg(\d{8})\.zip)["']`)

// zipNameRE pulls the week out of an archive file name.
var zipNameRE = regexp.MustCompile(`ipg(\d{8})\.zip`)

var digitsRE = regexp.MustCompile(`\d`)

// Downloader discovers and fetches weekly PTGRXML archives. Discovery
// scrapes the bulk-data dataset page first and falls back to the Open Data
// Portal search API, which needs an API key for some deployments.
type Downloader struct {
	cfg     config.DownloaderConfig
	rawRoot string
	client  *http.Client
	logger  logging.Logger
}

// NewDownloader builds a Downloader writing archives under rawRoot.
func NewDownloader(cfg config.DownloaderConfig, rawRoot string, logger logging.Logger) *Downloader {
	return &Downloader{
		cfg:     cfg,
		rawRoot: rawRoot,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  logger.Named("downloader"),
	}
}

// DiscoverWeeks returns the weekly batches currently offered, newest first.
// weeks sizes the search-API page when the fallback is used.
func (d *Downloader) DiscoverWeeks(ctx context.Context, weeks int) ([]WeekBatch, error) {
	if d.cfg.DatasetPageURL != "" {
		batches, err := d.scrapeDatasetPage(ctx)
		if err != nil {
			d.logger.Warn("dataset page discovery failed, trying search API",
				logging.String("url", d.cfg.DatasetPageURL), logging.Err(err))
		} else if len(batches) > 0 {
			d.logger.Info("discovered weekly batches from dataset page",
				logging.Int("count", len(batches)))
			return batches, nil
		}
	}

	if d.cfg.BulkSearchURL != "" {
		batches, err := d.queryBulkSearch(ctx, weeks)
		if err != nil {
			return nil, err
		}
		if len(batches) > 0 {
			d.logger.Info("discovered weekly batches from search API",
				logging.Int("count", len(batches)))
			return batches, nil
		}
	}

	return nil, apperrors.New(apperrors.ErrCodeDiscoveryFailed,
		"no weekly batches discovered from dataset page or search API")
}

func (d *Downloader) scrapeDatasetPage(ctx context.Context) ([]WeekBatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.DatasetPageURL, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDiscoveryFailed, "build dataset page request failed")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDiscoveryFailed, "fetch dataset page failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.ErrCodeDiscoveryFailed,
			"dataset page returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDiscoveryFailed, "read dataset page failed")
	}
	return ParseDatasetPageLinks(string(body), d.cfg.DatasetPageURL), nil
}

// ParseDatasetPageLinks extracts weekly archive links from the dataset page
// HTML. Relative targets are resolved against pageURL, the first link wins
// when a week appears twice, and the result is sorted newest first.
func ParseDatasetPageLinks(html, pageURL string) []WeekBatch {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	seen := make(map[string]struct{})
	var batches []WeekBatch
	for _, m := range zipLinkRE.FindAllStringSubmatch(html, -1) {
		href, week := m[1], m[2]
		if _, dup := seen[week]; dup {
			continue
		}
		seen[week] = struct{}{}

		resolved := href
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				resolved = base.ResolveReference(ref).String()
			}
		}
		batches = append(batches, WeekBatch{
			WeekID:   week,
			FileName: fmt.Sprintf("ipg%s.zip", week),
			URL:      resolved,
		})
	}
	sortBatchesDesc(batches)
	return batches
}

func (d *Downloader) queryBulkSearch(ctx context.Context, weeks int) ([]WeekBatch, error) {
	size := weeks * 4
	if size < 100 {
		size = 100
	}
	payload, err := json.Marshal(map[string]interface{}{
		"dataset": "PTGRXML",
		"page":    0,
		"size":    size,
		"sort":    []map[string]string{{"fileDataToDate": "desc"}},
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDiscoveryFailed, "encode search request failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BulkSearchURL, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDiscoveryFailed, "build search request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDiscoveryFailed, "search API request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.ErrCodeDiscoveryFailed,
			"search API returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDiscoveryFailed, "read search response failed")
	}
	return ParseSearchResponse(body)
}

// searchRowLists is every key under which the search API has been observed
// to nest its result rows.
var searchRowLists = []string{"results", "items", "data"}

var searchNameKeys = []string{"fileName", "filename", "name", "downloadFileName"}

var searchDateKeys = []string{"fileDataToDate", "fileDataFromDate", "fileDate"}

var searchURLKeys = []string{"downloadUrl", "fileDownloadUrl", "url"}

// ParseSearchResponse extracts weekly batches from a search-API response
// body. Rows missing a recognizable week or download URL are skipped, the
// first row wins per week, and the result is sorted newest first.
func ParseSearchResponse(body []byte) ([]WeekBatch, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDiscoveryFailed, "decode search response failed")
	}

	var rows []interface{}
	for _, key := range searchRowLists {
		if list, ok := doc[key].([]interface{}); ok && len(list) > 0 {
			rows = list
			break
		}
	}
	if rows == nil {
		if response, ok := doc["response"].(map[string]interface{}); ok {
			if docs, ok := response["docs"].([]interface{}); ok {
				rows = docs
			}
		}
	}

	seen := make(map[string]struct{})
	var batches []WeekBatch
	for _, raw := range rows {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		week := weekFromRow(row)
		dlURL := firstStringField(row, searchURLKeys)
		if week == "" || dlURL == "" {
			continue
		}
		if _, dup := seen[week]; dup {
			continue
		}
		seen[week] = struct{}{}
		batches = append(batches, WeekBatch{
			WeekID:   week,
			FileName: fmt.Sprintf("ipg%s.zip", week),
			URL:      dlURL,
		})
	}
	sortBatchesDesc(batches)
	return batches, nil
}

func weekFromRow(row map[string]interface{}) string {
	if name := firstStringField(row, searchNameKeys); name != "" {
		if m := zipNameRE.FindStringSubmatch(name); m != nil {
			return m[1]
		}
	}
	for _, key := range searchDateKeys {
		val, ok := row[key].(string)
		if !ok {
			continue
		}
		digits := strings.Join(digitsRE.FindAllString(val, -1), "")
		if len(digits) >= 8 {
			return digits[:8]
		}
	}
	return ""
}

func firstStringField(row map[string]interface{}, keys []string) string {
	for _, key := range keys {
		if val, ok := row[key].(string); ok && val != "" {
			return val
		}
	}
	return ""
}

func sortBatchesDesc(batches []WeekBatch) {
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].WeekID > batches[j].WeekID
	})
}

// SelectWeeks picks the batches an ingest run should process: the newest n
// discovered weeks that are not yet in the processed set and, when sinceWeek
// is non-empty, are strictly newer than it. The result is ordered oldest
// first so runs advance the resume marker monotonically. skipped reports the
// already-processed weeks that were passed over.
func SelectWeeks(discovered []WeekBatch, n int, processed map[string]struct{}, sinceWeek string) (selected []WeekBatch, skipped []string) {
	for _, batch := range discovered {
		if len(selected) == n {
			break
		}
		if sinceWeek != "" && batch.WeekID <= sinceWeek {
			continue
		}
		if _, done := processed[batch.WeekID]; done {
			skipped = append(skipped, batch.WeekID)
			continue
		}
		selected = append(selected, batch)
	}
	// Oldest first.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected, skipped
}

const downloadBufSize = 1 << 20

// DownloadWeek fetches one weekly archive into {rawRoot}/ipg{week}/ and
// returns the archive path. A complete archive on disk is reused as is. An
// interrupted download leaves a .part file that the next attempt resumes
// with a Range request; the final name only appears after a full download.
func (d *Downloader) DownloadWeek(ctx context.Context, batch WeekBatch) (string, error) {
	weekDir := filepath.Join(d.rawRoot, "ipg"+batch.WeekID)
	if err := os.MkdirAll(weekDir, 0o755); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeDownloadFailed, "create week directory failed")
	}

	finalPath := filepath.Join(weekDir, batch.FileName)
	if info, err := os.Stat(finalPath); err == nil && info.Size() > 0 {
		d.logger.Info("archive already downloaded",
			logging.String("week", batch.WeekID), logging.String("path", finalPath))
		return finalPath, nil
	}

	partPath := finalPath + ".part"
	var offset int64
	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, batch.URL, nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeDownloadFailed, "build download request failed")
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrCodeDownloadFailed,
			"download %s failed", batch.FileName)
	}
	defer resp.Body.Close() //nolint:errcheck

	var out *os.File
	switch resp.StatusCode {
	case http.StatusPartialContent:
		out, err = os.OpenFile(partPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	case http.StatusOK:
		// Server ignored the Range header; start over.
		out, err = os.OpenFile(partPath, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	case http.StatusNotFound:
		return "", apperrors.Wrapf(ErrNotFound, apperrors.ErrCodeDownloadFailed,
			"download %s returned status 404", batch.FileName)
	default:
		return "", apperrors.Newf(apperrors.ErrCodeDownloadFailed,
			"download %s returned status %d", batch.FileName, resp.StatusCode)
	}
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeDownloadFailed, "open partial file failed")
	}

	buf := make([]byte, downloadBufSize)
	written, err := io.CopyBuffer(out, resp.Body, buf)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrCodeDownloadFailed,
			"write %s failed after %d bytes", batch.FileName, written)
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeDownloadFailed, "finalize archive failed")
	}
	d.logger.Info("archive downloaded",
		logging.String("week", batch.WeekID),
		logging.String("path", finalPath),
		logging.Int64("bytes", written))
	return finalPath, nil
}
