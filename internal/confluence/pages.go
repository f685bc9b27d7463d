package confluence

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/mescon/contentguardian/internal/domain"
)

// Timestamps stay raw strings so one malformed page cannot fail the whole
// batch; record parses them per page.
type pageVersion struct {
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type pageJSON struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	SpaceID   string       `json:"spaceId"`
	CreatedAt string       `json:"createdAt"`
	Version   *pageVersion `json:"version"`
}

type pagesResponse struct {
	Results []pageJSON `json:"results"`
	Links   struct {
		Next string `json:"next"`
	} `json:"_links"`
}

var cursorPattern = regexp.MustCompile(`cursor=([^&]+)`)

// NextCursor extracts and URL-decodes the cursor parameter of a next link.
// It returns nil when the link carries no cursor.
func NextCursor(next string) *string {
	if next == "" {
		return nil
	}
	m := cursorPattern.FindStringSubmatch(next)
	if m == nil {
		return nil
	}
	c, err := url.PathUnescape(m[1])
	if err != nil {
		c = m[1]
	}
	return &c
}

// parseTimestamp returns nil for an empty or unparseable value.
func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		log.Debugf("ignoring malformed timestamp %q", s)
		return nil
	}
	return &t
}

func (p pageJSON) record() domain.PageRecord {
	rec := domain.PageRecord{ID: p.ID, Title: p.Title, SpaceID: p.SpaceID, CreatedAt: parseTimestamp(p.CreatedAt)}
	if p.Version != nil {
		versionCreated := parseTimestamp(p.Version.CreatedAt)
		if rec.CreatedAt == nil {
			rec.CreatedAt = versionCreated
		}
		rec.UpdatedAt = parseTimestamp(p.Version.UpdatedAt)
		if rec.UpdatedAt == nil {
			rec.UpdatedAt = versionCreated
		}
	}
	return rec
}

// FetchPageBatch returns up to limit pages starting at cursor; a nil cursor
// starts at the first page. 429 and 5xx answers are retried with backoff.
func (c *Client) FetchPageBatch(ctx context.Context, cursor *string, limit int) (*domain.PageBatch, error) {
	if limit <= 0 || limit > c.maxBatch {
		limit = c.maxBatch
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != nil && *cursor != "" {
		q.Set("cursor", *cursor)
	}
	endpoint := "/pages?" + q.Encode()

	resp, err := c.guarded(ctx, "fetch pages", defaultRetry, func() (*response, error) {
		return c.tryBases(ctx, v2, func(base string) (*response, error) {
			return c.do(ctx, http.MethodGet, base+endpoint, nil)
		})
	})
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, fmt.Errorf("fetch pages: %w", err)
	}

	var body pagesResponse
	if err := resp.decode(&body); err != nil {
		return nil, err
	}
	batch := &domain.PageBatch{Items: make([]domain.PageRecord, 0, len(body.Results)), NextCursor: NextCursor(body.Links.Next)}
	for _, p := range body.Results {
		batch.Items = append(batch.Items, p.record())
	}
	return batch, nil
}

// HasChildren reports whether pageID has at least one child page.
func (c *Client) HasChildren(ctx context.Context, pageID string) (bool, error) {
	endpoint := "/pages?parentId=" + url.QueryEscape(pageID) + "&limit=1"
	resp, err := c.tryBases(ctx, v2, func(base string) (*response, error) {
		return c.do(ctx, http.MethodGet, base+endpoint, nil)
	})
	if err != nil {
		return false, err
	}
	if err := resp.err(); err != nil {
		return false, fmt.Errorf("child lookup for %s: %w", pageID, err)
	}
	var body pagesResponse
	if err := resp.decode(&body); err != nil {
		return false, err
	}
	return len(body.Results) > 0, nil
}

// ResolveSpaceKey maps a space id to its key. Successful lookups are cached
// for the lifetime of the client.
func (c *Client) ResolveSpaceKey(ctx context.Context, spaceID string) (string, error) {
	if spaceID == "" {
		return "", fmt.Errorf("empty space id")
	}

	c.spaceMu.RLock()
	key, ok := c.spaceKeys[spaceID]
	c.spaceMu.RUnlock()
	if ok {
		return key, nil
	}

	endpoint := "/spaces/" + url.PathEscape(spaceID)
	resp, err := c.withRetry(ctx, "space lookup", spaceRetry, func() (*response, error) {
		return c.tryBases(ctx, v2, func(base string) (*response, error) {
			return c.do(ctx, http.MethodGet, base+endpoint, nil)
		})
	})
	if err != nil {
		return "", err
	}
	if err := resp.err(); err != nil {
		return "", fmt.Errorf("space lookup for %s: %w", spaceID, err)
	}

	var body struct {
		Key string `json:"key"`
	}
	if err := resp.decode(&body); err != nil {
		return "", err
	}
	if body.Key == "" {
		return "", fmt.Errorf("space %s has no key", spaceID)
	}

	c.spaceMu.Lock()
	c.spaceKeys[spaceID] = body.Key
	c.spaceMu.Unlock()
	return body.Key, nil
}
