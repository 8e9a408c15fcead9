// Package attachment downloads and caches files referenced by issue and
// comment bodies. Downloads are parallel across URLs but serialized per URL,
// and every failure is non-fatal: the caller gets back whatever downloaded
// plus a warning per problem.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/models"
)

// downloadConcurrency bounds parallel downloads per Collect call.
const downloadConcurrency = 4

// Result is the outcome of a Collect call. Warnings are human-readable and
// intended to be recorded as warning activities by the caller.
type Result struct {
	Attachments []models.Attachment
	Warnings    []string
}

// Cache downloads attachments into <home>/attachments/<issueID>/ with
// 1-based insertion-ordered file names. Safe for concurrent use.
type Cache struct {
	homeDir  string
	maxCount int
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger

	mu        sync.Mutex
	locks     map[string]*sync.Mutex       // per-URL download locks
	byKey     map[string]models.Attachment // issueID \x00 URL -> cached record
	nextIndex map[string]int               // issueID -> next 1-based file index
}

// NewCache creates a Cache rooted at cfg.HomeDir using cfg.Limits caps.
func NewCache(cfg config.Config, logger *slog.Logger) *Cache {
	return &Cache{
		homeDir:   cfg.HomeDir,
		maxCount:  cfg.Limits.MaxAttachments,
		maxBytes:  cfg.Limits.MaxAttachmentBytes,
		client:    &http.Client{Timeout: cfg.Timeouts.NetworkTimeout},
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		byKey:     make(map[string]models.Attachment),
		nextIndex: make(map[string]int),
	}
}

// OverrideHTTPClientForTest replaces the internal HTTP client.
// For testing only.
func (c *Cache) OverrideHTTPClientForTest(client *http.Client) {
	c.client = client
}

// Collect extracts attachment URLs from the given texts, downloads the ones
// not already cached for this issue, and returns Attachment records in the
// order the URLs were first encountered. Over-cap URLs are dropped with a
// single warning; per-URL failures produce one warning each and never fail
// the call.
func (c *Cache) Collect(ctx context.Context, issueID string, texts ...string) Result {
	var urls []string
	seen := make(map[string]bool)
	for _, text := range texts {
		for _, u := range ExtractURLs(text) {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}

	var res Result
	if len(urls) > c.maxCount {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"attachment limit reached: downloading %d of %d referenced attachments",
			c.maxCount, len(urls)))
		urls = urls[:c.maxCount]
	}

	// Reserve file indices in encounter order up front so names stay
	// deterministic regardless of download completion order. A reserved
	// index for a URL that then fails to download is simply skipped.
	indices := make([]int, len(urls))
	c.mu.Lock()
	for i, rawURL := range urls {
		if _, ok := c.byKey[issueID+"\x00"+rawURL]; !ok {
			c.nextIndex[issueID]++
			indices[i] = c.nextIndex[issueID]
		}
	}
	c.mu.Unlock()

	type slot struct {
		att     models.Attachment
		ok      bool
		warning string
	}
	slots := make([]slot, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for i, rawURL := range urls {
		i, rawURL := i, rawURL
		g.Go(func() error {
			att, err := c.fetch(gctx, issueID, rawURL, indices[i])
			if err != nil {
				slots[i] = slot{warning: err.Error()}
				return nil
			}
			slots[i] = slot{att: att, ok: true}
			return nil
		})
	}
	// Workers never return errors; Wait only joins them.
	_ = g.Wait()

	for _, s := range slots {
		if s.ok {
			res.Attachments = append(res.Attachments, s.att)
		} else if s.warning != "" {
			res.Warnings = append(res.Warnings, s.warning)
		}
	}
	return res
}

// fetch returns the cached record for a URL or downloads it. The per-URL
// lock serializes concurrent downloads of the same URL; distinct URLs
// proceed in parallel.
func (c *Cache) fetch(ctx context.Context, issueID, rawURL string, index int) (models.Attachment, error) {
	key := issueID + "\x00" + rawURL

	lock := c.urlLock(rawURL)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	cached, ok := c.byKey[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	start := time.Now()
	body, err := c.download(ctx, rawURL)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to download attachment %s: %w", rawURL, err)
	}

	if int64(len(body)) > c.maxBytes {
		return models.Attachment{}, fmt.Errorf(
			"attachment %s exceeds size limit (%d bytes > %d)", rawURL, len(body), c.maxBytes)
	}

	sum := sha256.Sum256(append([]byte(rawURL), body...))

	localPath, err := c.write(issueID, rawURL, body, index)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to store attachment %s: %w", rawURL, err)
	}

	att := models.Attachment{
		URL:       rawURL,
		LocalPath: localPath,
		Hash:      hex.EncodeToString(sum[:]),
		MimeType:  mimeFor(rawURL),
		SizeBytes: int64(len(body)),
		IssueID:   issueID,
	}

	c.mu.Lock()
	c.byKey[key] = att
	c.mu.Unlock()

	c.logger.Debug("attachment cached",
		"issue_id", issueID,
		"url", rawURL,
		"bytes", att.SizeBytes,
		"duration", time.Since(start))
	return att, nil
}

func (c *Cache) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// Read one byte past the cap so oversize bodies are detected without
	// buffering the whole thing.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// write places the content under <home>/attachments/<issueID>/ using the
// index reserved at Collect time, reserving a fresh one when none was.
func (c *Cache) write(issueID, rawURL string, body []byte, n int) (string, error) {
	if n == 0 {
		c.mu.Lock()
		c.nextIndex[issueID]++
		n = c.nextIndex[issueID]
		c.mu.Unlock()
	}

	dir := filepath.Join(c.homeDir, "attachments", issueID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("attachment_%04d%s", n, extensionOf(rawURL))
	localPath := filepath.Join(dir, name)
	if err := os.WriteFile(localPath, body, 0o644); err != nil {
		return "", err
	}
	return localPath, nil
}

func (c *Cache) urlLock(rawURL string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[rawURL]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[rawURL] = lock
	}
	return lock
}

// mimeFor sniffs a MIME type from the URL's extension, falling back to
// application/octet-stream.
func mimeFor(rawURL string) string {
	if typ := mime.TypeByExtension(extensionOf(rawURL)); typ != "" {
		return typ
	}
	return "application/octet-stream"
}
