package confluence

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// ArchivePage archives a page through the v2 API.
func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	endpoint := "/pages/" + url.PathEscape(pageID) + "/archive"
	resp, err := c.guarded(ctx, "archive page", defaultRetry, func() (*response, error) {
		return c.tryBases(ctx, v2, func(base string) (*response, error) {
			return c.do(ctx, http.MethodPost, base+endpoint, nil)
		})
	})
	if err != nil {
		return err
	}
	if err := resp.err(); err != nil {
		return fmt.Errorf("archive %s: %w", pageID, err)
	}
	return nil
}

type label struct {
	Prefix string `json:"prefix"`
	Name   string `json:"name"`
}

// AddLabels attaches global labels to a page.
func (c *Client) AddLabels(ctx context.Context, pageID string, names ...string) error {
	payload := make([]label, 0, len(names))
	for _, n := range names {
		payload = append(payload, label{Prefix: "global", Name: n})
	}
	endpoint := "/content/" + url.PathEscape(pageID) + "/label"
	resp, err := c.guarded(ctx, "add labels", defaultRetry, func() (*response, error) {
		return c.tryBases(ctx, v1, func(base string) (*response, error) {
			return c.do(ctx, http.MethodPost, base+endpoint, payload)
		})
	})
	if err != nil {
		return err
	}
	if err := resp.err(); err != nil {
		return fmt.Errorf("label %s: %w", pageID, err)
	}
	return nil
}

// SetContentProperty writes a content property, creating it when the update
// answers 404.
func (c *Client) SetContentProperty(ctx context.Context, pageID, key string, value interface{}) error {
	page := url.PathEscape(pageID)
	resp, err := c.guarded(ctx, "set content property", defaultRetry, func() (*response, error) {
		return c.tryBases(ctx, v1, func(base string) (*response, error) {
			resp, err := c.do(ctx, http.MethodPut, base+"/content/"+page+"/property/"+url.PathEscape(key),
				map[string]interface{}{"value": value})
			if err != nil || resp.status != http.StatusNotFound {
				return resp, err
			}
			return c.do(ctx, http.MethodPost, base+"/content/"+page+"/property",
				map[string]interface{}{"key": key, "value": value})
		})
	})
	if err != nil {
		return err
	}
	if err := resp.err(); err != nil {
		return fmt.Errorf("set property %s on %s: %w", key, pageID, err)
	}
	return nil
}
