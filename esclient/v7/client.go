// Package v7 adapts github.com/olivere/elastic/v7 to the esclient.Client
// contract, constructed the way the teacher's elastic/v7/client.go builds
// its client (a slice of elastic.ClientOptionFunc, sniffing disabled,
// configurable basic auth and HTTP client).
package v7

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/olivere/elastic/v7"

	"github.com/pteich/bulkbyscroll/esclient"
)

// Client wraps a single *elastic.Client for the lifetime of one driver
// run. It is not safe for concurrent use across more than one in-flight
// scroll cursor, matching the scroll driver's single-writer model.
type Client struct {
	client    *elastic.Client
	scrollSvc *elastic.ScrollService
}

// Options configures NewClient.
type Options struct {
	URL        string
	Username   string
	Password   string
	VerifySSL  bool
	Headers    map[string][]string
	ReqContext map[string]string
	HTTPClient *http.Client
}

// NewClient builds a Client against a single Elasticsearch URL.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	base := httpClient.Transport
	if base == nil {
		base = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: !opts.VerifySSL}}
	}
	headers := esclient.MergeContextHeaders(opts.Headers, opts.ReqContext)
	httpClient.Transport = esclient.NewTransport(base, headers)

	esOpts := []elastic.ClientOptionFunc{
		elastic.SetURL(opts.URL),
		elastic.SetHttpClient(httpClient),
		elastic.SetSniff(false),
		elastic.SetHealthcheckInterval(30 * time.Second),
	}
	if opts.Username != "" {
		esOpts = append(esOpts, elastic.SetBasicAuth(opts.Username, opts.Password))
	}

	client, err := elastic.NewClient(esOpts...)
	if err != nil {
		return nil, fmt.Errorf("constructing olivere/elastic v7 client: %w", err)
	}
	return &Client{client: client}, nil
}

// Search implements esclient.Client.
func (c *Client) Search(ctx context.Context, req esclient.SearchRequest) (esclient.SearchResponse, error) {
	bodyJSON, err := json.Marshal(req.Source)
	if err != nil {
		return esclient.SearchResponse{}, fmt.Errorf("encoding search source: %w", err)
	}

	svc := c.client.Scroll(req.Index).Body(string(bodyJSON))
	if req.ScrollKeepalive > 0 {
		svc = svc.Scroll(req.ScrollKeepalive.String())
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return esclient.SearchResponse{}, err
	}
	c.scrollSvc = svc
	return toSearchResponse(res), nil
}

// Scroll implements esclient.Client, continuing the cursor started by the
// most recent Search call on this Client.
func (c *Client) Scroll(ctx context.Context, scrollID string, keepalive time.Duration) (esclient.SearchResponse, error) {
	if c.scrollSvc == nil {
		return esclient.SearchResponse{}, fmt.Errorf("scroll not started: call Search before Scroll")
	}

	res, err := c.scrollSvc.ScrollId(scrollID).Do(ctx)
	if err == io.EOF {
		return esclient.SearchResponse{}, nil
	}
	if err != nil {
		return esclient.SearchResponse{}, err
	}
	return toSearchResponse(res), nil
}

// ClearScroll implements esclient.Client.
func (c *Client) ClearScroll(ctx context.Context, scrollIDs []string) error {
	if len(scrollIDs) == 0 {
		return nil
	}
	_, err := c.client.ClearScroll(scrollIDs...).Do(ctx)
	return err
}

// Refresh implements esclient.Client.
func (c *Client) Refresh(ctx context.Context, indices []string) error {
	if len(indices) == 0 {
		return nil
	}
	_, err := c.client.Refresh(indices...).Do(ctx)
	return err
}

// Bulk implements esclient.Client.
func (c *Client) Bulk(ctx context.Context, req esclient.BulkRequest) (esclient.BulkResponse, error) {
	svc := c.client.Bulk()
	for _, op := range req.Ops {
		switch op.Type {
		case esclient.OpDelete:
			del := elastic.NewBulkDeleteRequest().Index(op.Index).Type(op.DocType).Id(op.ID)
			if op.Routing != "" {
				del = del.Routing(op.Routing)
			}
			svc = svc.Add(del)
		default:
			idx := elastic.NewBulkIndexRequest().Index(op.Index).Type(op.DocType).Id(op.ID).Doc(json.RawMessage(op.Source))
			if op.Routing != "" {
				idx = idx.Routing(op.Routing)
			}
			if op.PreserveVersion {
				idx = idx.Version(op.Version).VersionType("internal")
			}
			svc = svc.Add(idx)
		}
	}
	if req.Timeout > 0 {
		svc = svc.Timeout(req.Timeout.String())
	}
	if wait := esclient.WaitForActiveShards(req.Consistency); wait != "" {
		svc = svc.WaitForActiveShards(wait)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return esclient.BulkResponse{}, err
	}
	return toBulkResponse(res), nil
}

func toSearchResponse(res *elastic.SearchResult) esclient.SearchResponse {
	var total int64
	var hits []esclient.Hit

	if res.Hits != nil {
		if res.Hits.TotalHits != nil {
			total = res.Hits.TotalHits.Value
		}
		hits = make([]esclient.Hit, 0, len(res.Hits.Hits))
		for _, h := range res.Hits.Hits {
			var version int64
			if h.Version != nil {
				version = *h.Version
			}
			hits = append(hits, esclient.Hit{
				Index:   h.Index,
				Type:    h.Type,
				ID:      h.Id,
				Routing: h.Routing,
				Version: version,
				Source:  h.Source,
			})
		}
	}

	return esclient.SearchResponse{
		Hits:     esclient.Hits{Total: total, Items: hits},
		ScrollID: res.ScrollId,
		TimedOut: res.TimedOut,
		// olivere/elastic/v7's SearchResult does not expose per-shard
		// failure detail in typed form; the v8 esapi adapter, which
		// decodes the raw response JSON itself, is the one that
		// exercises the shard-failure termination path.
		ShardFailures: nil,
	}
}

func toBulkResponse(res *elastic.BulkResponse) esclient.BulkResponse {
	items := make([]esclient.BulkResultItem, 0, len(res.Items))
	for _, itemMap := range res.Items {
		for opType, item := range itemMap {
			result := esclient.BulkResultItem{
				OpType:  opTypeFromString(opType),
				Index:   item.Index,
				DocType: item.Type,
				ID:      item.Id,
			}
			if item.Status >= 200 && item.Status < 300 {
				result.Created = item.Result == "created"
			} else {
				result.Status = item.Status
				if item.Error != nil {
					result.Err = fmt.Errorf("%s: %s", item.Error.Type, item.Error.Reason)
				} else {
					result.Err = fmt.Errorf("bulk item failed with status %d", item.Status)
				}
			}
			items = append(items, result)
		}
	}
	return esclient.BulkResponse{Items: items}
}

func opTypeFromString(s string) esclient.OpType {
	switch s {
	case "create":
		return esclient.OpCreate
	case "delete":
		return esclient.OpDelete
	default:
		return esclient.OpIndex
	}
}
