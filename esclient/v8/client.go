// Package v8 adapts github.com/elastic/go-elasticsearch/v8's esapi to the
// esclient.Client contract. Unlike the v7 adapter it decodes every response
// body itself, the way the teacher's elastic/v8/client.go does, so it is
// the one adapter that can surface per-shard search failures.
package v8

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/pteich/bulkbyscroll/esclient"
)

// Client wraps a single *elasticsearch.Client.
type Client struct {
	client *elasticsearch.Client
}

// Options configures NewClient.
type Options struct {
	URL        string
	Username   string
	Password   string
	VerifySSL  bool
	Headers    map[string][]string
	ReqContext map[string]string
}

// NewClient builds a Client against a single Elasticsearch URL, the way
// the teacher's NewConfig/NewClient pair wires transport and credentials.
func NewClient(opts Options) (*Client, error) {
	headers := esclient.MergeContextHeaders(opts.Headers, opts.ReqContext)
	base := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: !opts.VerifySSL}}
	cfg := elasticsearch.Config{
		Addresses: []string{opts.URL},
		Username:  opts.Username,
		Password:  opts.Password,
		Transport: esclient.NewTransport(base, headers),
	}

	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("constructing go-elasticsearch v8 client: %w", err)
	}
	return &Client{client: client}, nil
}

// Search implements esclient.Client.
func (c *Client) Search(ctx context.Context, req esclient.SearchRequest) (esclient.SearchResponse, error) {
	bodyJSON, err := json.Marshal(req.Source)
	if err != nil {
		return esclient.SearchResponse{}, fmt.Errorf("encoding search source: %w", err)
	}

	scroll := req.ScrollKeepalive
	if scroll <= 0 {
		scroll = 5 * time.Minute
	}

	esReq := esapi.SearchRequest{
		Index:  []string{req.Index},
		Scroll: scroll,
		Body:   bytes.NewReader(bodyJSON),
	}

	res, err := esReq.Do(ctx, c.client)
	if err != nil {
		return esclient.SearchResponse{}, err
	}
	defer res.Body.Close()

	return decodeSearchResponse(res)
}

// Scroll implements esclient.Client.
func (c *Client) Scroll(ctx context.Context, scrollID string, keepalive time.Duration) (esclient.SearchResponse, error) {
	if keepalive <= 0 {
		keepalive = 5 * time.Minute
	}

	esReq := esapi.ScrollRequest{
		ScrollID: scrollID,
		Scroll:   keepalive,
	}

	res, err := esReq.Do(ctx, c.client)
	if err != nil {
		return esclient.SearchResponse{}, err
	}
	defer res.Body.Close()

	return decodeSearchResponse(res)
}

// ClearScroll implements esclient.Client.
func (c *Client) ClearScroll(ctx context.Context, scrollIDs []string) error {
	if len(scrollIDs) == 0 {
		return nil
	}

	esReq := esapi.ClearScrollRequest{ScrollID: scrollIDs}
	res, err := esReq.Do(ctx, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.New(res.String())
	}
	return nil
}

// Refresh implements esclient.Client.
func (c *Client) Refresh(ctx context.Context, indices []string) error {
	if len(indices) == 0 {
		return nil
	}

	esReq := esapi.IndicesRefreshRequest{Index: indices}
	res, err := esReq.Do(ctx, c.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.New(res.String())
	}
	return nil
}

// Bulk implements esclient.Client, encoding the newline-delimited bulk
// action/metadata + source payload the _bulk endpoint expects.
func (c *Client) Bulk(ctx context.Context, req esclient.BulkRequest) (esclient.BulkResponse, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, op := range req.Ops {
		meta := map[string]any{}
		action := map[string]any{}
		switch op.Type {
		case esclient.OpDelete:
			if op.ID != "" {
				meta["_id"] = op.ID
			}
			if op.Index != "" {
				meta["_index"] = op.Index
			}
			if op.Routing != "" {
				meta["routing"] = op.Routing
			}
			action["delete"] = meta
			if err := enc.Encode(action); err != nil {
				return esclient.BulkResponse{}, err
			}
			continue
		case esclient.OpCreate:
			if op.ID != "" {
				meta["_id"] = op.ID
			}
			if op.Index != "" {
				meta["_index"] = op.Index
			}
			if op.Routing != "" {
				meta["routing"] = op.Routing
			}
			action["create"] = meta
		default:
			if op.ID != "" {
				meta["_id"] = op.ID
			}
			if op.Index != "" {
				meta["_index"] = op.Index
			}
			if op.Routing != "" {
				meta["routing"] = op.Routing
			}
			if op.PreserveVersion {
				meta["version"] = op.Version
				meta["version_type"] = "internal"
			}
			action["index"] = meta
		}

		if err := enc.Encode(action); err != nil {
			return esclient.BulkResponse{}, err
		}
		buf.Write(op.Source)
		buf.WriteByte('\n')
	}

	esReq := esapi.BulkRequest{Body: bytes.NewReader(buf.Bytes())}
	if req.Timeout > 0 {
		esReq.Timeout = req.Timeout
	}
	if wait := esclient.WaitForActiveShards(req.Consistency); wait != "" {
		esReq.WaitForActiveShards = wait
	}

	res, err := esReq.Do(ctx, c.client)
	if err != nil {
		return esclient.BulkResponse{}, err
	}
	defer res.Body.Close()

	return decodeBulkResponse(res)
}

func decodeSearchResponse(res *esapi.Response) (esclient.SearchResponse, error) {
	if res.IsError() {
		return esclient.SearchResponse{}, errors.New(res.String())
	}

	var body struct {
		ScrollID string `json:"_scroll_id"`
		TimedOut bool   `json:"timed_out"`
		Shards   struct {
			Failed    int `json:"failed"`
			Failures  []struct {
				Index  string `json:"index"`
				Shard  int    `json:"shard"`
				Reason any    `json:"reason"`
			} `json:"failures"`
		} `json:"_shards"`
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Index   string          `json:"_index"`
				Type    string          `json:"_type"`
				ID      string          `json:"_id"`
				Routing string          `json:"_routing"`
				Version int64           `json:"_version"`
				Source  json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return esclient.SearchResponse{}, fmt.Errorf("decoding search response: %w", err)
	}

	hits := make([]esclient.Hit, 0, len(body.Hits.Hits))
	for _, h := range body.Hits.Hits {
		hits = append(hits, esclient.Hit{
			Index:   h.Index,
			Type:    h.Type,
			ID:      h.ID,
			Routing: h.Routing,
			Version: h.Version,
			Source:  h.Source,
		})
	}

	failures := make([]esclient.ShardFailure, 0, len(body.Shards.Failures))
	for _, f := range body.Shards.Failures {
		reasonJSON, _ := json.Marshal(f.Reason)
		failures = append(failures, esclient.ShardFailure{
			Index:  f.Index,
			Shard:  f.Shard,
			Reason: string(reasonJSON),
		})
	}

	return esclient.SearchResponse{
		Hits:          esclient.Hits{Total: body.Hits.Total.Value, Items: hits},
		ScrollID:      body.ScrollID,
		ShardFailures: failures,
		TimedOut:      body.TimedOut,
	}, nil
}

func decodeBulkResponse(res *esapi.Response) (esclient.BulkResponse, error) {
	if res.IsError() {
		return esclient.BulkResponse{}, errors.New(res.String())
	}

	var body struct {
		Items []map[string]struct {
			Index   string `json:"_index"`
			Type    string `json:"_type"`
			ID      string `json:"_id"`
			Result  string `json:"result"`
			Status  int    `json:"status"`
			Error   *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}

	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return esclient.BulkResponse{}, fmt.Errorf("decoding bulk response: %w", err)
	}

	items := make([]esclient.BulkResultItem, 0, len(body.Items))
	for _, itemMap := range body.Items {
		for opType, item := range itemMap {
			result := esclient.BulkResultItem{
				OpType:  opTypeFromString(opType),
				Index:   item.Index,
				DocType: item.Type,
				ID:      item.ID,
			}
			if item.Status >= 200 && item.Status < 300 {
				result.Created = item.Result == "created"
			} else {
				result.Status = item.Status
				if item.Error != nil {
					result.Err = fmt.Errorf("%s: %s", item.Error.Type, item.Error.Reason)
				} else {
					result.Err = fmt.Errorf("bulk item failed with status %s", strconv.Itoa(item.Status))
				}
			}
			items = append(items, result)
		}
	}

	return esclient.BulkResponse{Items: items}, nil
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
