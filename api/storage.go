package api

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
)

func collectionPath(collection string) string {
	return "/storage/" + url.PathEscape(collection)
}

func bsoPath(collection, id string) string {
	return collectionPath(collection) + "/" + url.PathEscape(id)
}

func decode(resp *response, out any) error {
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("%w: %w", ErrBadResponse, err)
	}

	return nil
}

// ListCollections returns the last modified timestamp of every collection.
func (c *Client) ListCollections(ctx context.Context) (map[string]Timestamp, error) {
	resp, err := c.do(ctx, call{method: http.MethodGet, path: "/info/collections"})
	if err != nil {
		return nil, err
	}

	collections := map[string]Timestamp{}
	if err := decode(resp, &collections); err != nil {
		return nil, err
	}

	return collections, nil
}

// CollectionCounts returns the number of BSOs in every collection.
func (c *Client) CollectionCounts(ctx context.Context) (map[string]int, error) {
	resp, err := c.do(ctx, call{method: http.MethodGet, path: "/info/collection_counts"})
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	if err := decode(resp, &counts); err != nil {
		return nil, err
	}

	return counts, nil
}

// CollectionUsage returns the size of every collection in KB.
func (c *Client) CollectionUsage(ctx context.Context) (map[string]float64, error) {
	resp, err := c.do(ctx, call{method: http.MethodGet, path: "/info/collection_usage"})
	if err != nil {
		return nil, err
	}

	usage := map[string]float64{}
	if err := decode(resp, &usage); err != nil {
		return nil, err
	}

	return usage, nil
}

// Quota returns the account storage usage and limit.
func (c *Client) Quota(ctx context.Context) (Quota, error) {
	resp, err := c.do(ctx, call{method: http.MethodGet, path: "/info/quota"})
	if err != nil {
		return Quota{}, err
	}

	var pair []*float64
	if err := decode(resp, &pair); err != nil {
		return Quota{}, err
	}

	var quota Quota

	if len(pair) > 0 && pair[0] != nil {
		quota.UsageKB = *pair[0]
	}

	if len(pair) > 1 && pair[1] != nil {
		quota.LimitKB = *pair[1]
	}

	return quota, nil
}

// FetchBSOs returns one page of a collection ordered by ascending modified
// time. When NextOffset is set the caller passes it back together with the
// first page's LastModified as UnmodifiedSince; a concurrent write then fails
// the fetch with ErrConflict instead of skipping records.
func (c *Client) FetchBSOs(ctx context.Context, collection string, fetch FetchRequest) (*Page, error) {
	limit := fetch.Limit
	if limit < 1 {
		limit = c.pageSize
	}

	query := url.Values{}
	query.Set("full", "1")
	query.Set("sort", "oldest")
	query.Set("limit", strconv.Itoa(limit))

	if fetch.Since > 0 {
		query.Set("newer", fetch.Since.String())
	}

	if fetch.Offset != "" {
		query.Set("offset", fetch.Offset)
	}

	header := http.Header{}
	if fetch.UnmodifiedSince > 0 {
		header.Set(headerUnmodifiedSince, fetch.UnmodifiedSince.String())
	}

	resp, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   collectionPath(collection),
		query:  query,
		header: header,
	})
	if err != nil {
		return nil, err
	}

	page := &Page{
		NextOffset:   resp.header.Get(headerNextOffset),
		LastModified: resp.lastModified,
		Timestamp:    resp.timestamp,
	}

	if err := decode(resp, &page.BSOs); err != nil {
		return nil, err
	}

	// Servers sort already; keep the order stable regardless.
	slices.SortStableFunc(page.BSOs, func(a, b BSO) int {
		return cmp.Compare(a.Modified, b.Modified)
	})

	if page.LastModified == 0 {
		for _, bso := range page.BSOs {
			page.LastModified = max(page.LastModified, bso.Modified)
		}
	}

	return page, nil
}

// ListIDs returns the ids of every BSO in a collection.
func (c *Client) ListIDs(ctx context.Context, collection string) ([]string, error) {
	resp, err := c.do(ctx, call{method: http.MethodGet, path: collectionPath(collection)})
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := decode(resp, &ids); err != nil {
		return nil, err
	}

	return ids, nil
}

// GetBSO fetches a single BSO; ErrNotFound when it does not exist.
func (c *Client) GetBSO(ctx context.Context, collection, id string) (*BSO, error) {
	resp, err := c.do(ctx, call{method: http.MethodGet, path: bsoPath(collection, id)})
	if err != nil {
		return nil, err
	}

	var bso BSO
	if err := decode(resp, &bso); err != nil {
		return nil, err
	}

	return &bso, nil
}

// PutBSO creates or replaces a BSO and returns its new modified timestamp.
// A non-zero ifUnmodifiedSince fails the write with ErrConflict when the
// collection changed after it.
func (c *Client) PutBSO(ctx context.Context, collection string, bso BSO, ifUnmodifiedSince Timestamp) (Timestamp, error) {
	body, err := json.Marshal(bsoWrite{
		ID:        bso.ID,
		SortIndex: bso.SortIndex,
		TTL:       bso.TTL,
		Payload:   bso.Payload,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal bso: %w", err)
	}

	header := http.Header{}
	if ifUnmodifiedSince > 0 {
		header.Set(headerUnmodifiedSince, ifUnmodifiedSince.String())
	}

	resp, err := c.do(ctx, call{
		method: http.MethodPut,
		path:   bsoPath(collection, bso.ID),
		body:   body,
		header: header,
	})
	if err != nil {
		return 0, err
	}

	if resp.lastModified > 0 {
		return resp.lastModified, nil
	}

	if len(resp.body) > 0 {
		if ts, err := ParseTimestamp(string(resp.body)); err == nil {
			return ts, nil
		}
	}

	return resp.timestamp, nil
}

// DeleteBSO deletes one BSO; ErrNotFound when it does not exist.
func (c *Client) DeleteBSO(ctx context.Context, collection, id string) (Timestamp, error) {
	resp, err := c.do(ctx, call{method: http.MethodDelete, path: bsoPath(collection, id)})
	if err != nil {
		return 0, err
	}

	return modifiedOf(resp), nil
}

// DeleteCollection deletes every BSO of a collection.
func (c *Client) DeleteCollection(ctx context.Context, collection string) (Timestamp, error) {
	resp, err := c.do(ctx, call{method: http.MethodDelete, path: collectionPath(collection)})
	if err != nil {
		return 0, err
	}

	return modifiedOf(resp), nil
}

// modifiedOf reads the timestamp of a delete response, which servers report
// either as a header or as {"modified": ...}.
func modifiedOf(resp *response) Timestamp {
	if resp.lastModified > 0 {
		return resp.lastModified
	}

	var body struct {
		Modified Timestamp `json:"modified"`
	}

	if json.Unmarshal(resp.body, &body) == nil && body.Modified > 0 {
		return body.Modified
	}

	return resp.timestamp
}
