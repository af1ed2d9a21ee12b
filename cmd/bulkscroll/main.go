// Command bulkscroll runs one reindex, update-by-query, or delete-by-query
// job end to end: parses configuration, builds a search-client adapter, a
// request envelope, a document transform, and a scroll driver, then drives
// the job to completion while rendering a progress bar.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pteich/configstruct"
	"github.com/sirupsen/logrus"
	pb "gopkg.in/cheggaaa/pb.v2"

	"github.com/pteich/bulkbyscroll/esclient"
	"github.com/pteich/bulkbyscroll/esclient/v7"
	"github.com/pteich/bulkbyscroll/esclient/v8"
	"github.com/pteich/bulkbyscroll/progress"
	"github.com/pteich/bulkbyscroll/request"
	"github.com/pteich/bulkbyscroll/scroll"
	"github.com/pteich/bulkbyscroll/transform"
)

// Config is populated from the environment by configstruct.
type Config struct {
	ElasticURL  string `env:"ELASTIC_URL" default:"http://localhost:9200"`
	ElasticUser string `env:"ELASTIC_USER"`
	ElasticPass string `env:"ELASTIC_PASS"`
	VerifySSL   bool   `env:"ELASTIC_VERIFY_SSL"`
	Backend     string `env:"ELASTIC_BACKEND" default:"v8"` // v7 or v8

	Mode string `env:"MODE" default:"reindex"` // reindex, update_by_query, delete_by_query

	SourceIndices   string `env:"SOURCE_INDICES"`
	DestIndex       string `env:"DEST_INDEX"`
	DestType        string `env:"DEST_TYPE"`
	QueryJSON       string `env:"QUERY_JSON" default:"{}"`
	Conflicts       string `env:"CONFLICTS" default:"abort"`
	Size            int    `env:"SIZE" default:"-1"`
	MaxRetries      int    `env:"MAX_RETRIES" default:"11"`
	RetryBackoffMs  int    `env:"RETRY_BACKOFF_MS" default:"500"`
	ScrollKeepalive int    `env:"SCROLL_KEEPALIVE_SECONDS" default:"300"`
	TimeoutSeconds  int    `env:"TIMEOUT_SECONDS" default:"60"`
	Refresh         bool   `env:"REFRESH"`
	ClusterVersion  string `env:"CLUSTER_VERSION"`
	MinClusterVer   string `env:"MIN_CLUSTER_VERSION"`
	WorkerPoolLimit int    `env:"WORKER_POOL_LIMIT"`
	LogLevel        string `env:"LOG_LEVEL" default:"info"`
}

func main() {
	var cfg Config
	if err := configstruct.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "parsing configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("bulk-by-scroll run failed")
		os.Exit(1)
	}
}

func run(cfg Config, logger *logrus.Logger) error {
	env, err := buildEnvelope(cfg)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	xform, err := buildTransform(cfg)
	if err != nil {
		return fmt.Errorf("building transform: %w", err)
	}

	client, err := buildClient(cfg, env)
	if err != nil {
		return fmt.Errorf("building search client: %w", err)
	}

	driverCfg := scroll.Config{
		ClusterVersion:     cfg.ClusterVersion,
		MinClusterVersion:  cfg.MinClusterVer,
		WorkerPoolLimit:    cfg.WorkerPoolLimit,
		Logger:             logger,
		RequestDescription: cfg.Mode,
	}
	driver := scroll.New(client, env, xform, nil, driverCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		driver.Cancel("received interrupt signal")
	}()

	bar := pb.New64(-1)
	bar.Start()
	stopBar := watchProgress(driver, env.Variant, bar)
	defer stopBar()

	resp, err := driver.Run(ctx)
	bar.Finish()
	if err != nil {
		return err
	}

	status := progress.NewStatus(resp.Progress, env.Variant.ToProgressVariant())
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding final status: %w", err)
	}
	fmt.Println(string(statusJSON))

	if resp.ReasonCancelled != "" {
		logger.WithField("reason", resp.ReasonCancelled).Warn("run was cancelled")
	}
	for _, f := range resp.IndexingFailures {
		logger.WithFields(logrus.Fields{
			"index": f.Index, "id": f.ID, "status": f.Status,
		}).Error(f.Message)
	}
	for _, f := range resp.SearchFailures {
		logger.WithFields(logrus.Fields{
			"index": f.Index, "shard": f.Shard,
		}).Error(f.Reason)
	}

	return nil
}

func buildEnvelope(cfg Config) (*request.Envelope, error) {
	var env *request.Envelope
	switch cfg.Mode {
	case "update_by_query":
		env = request.NewUpdateByQueryRequest()
	case "delete_by_query":
		env = request.NewDeleteByQueryRequest()
	default:
		env = request.NewReindexRequest()
	}

	if cfg.SourceIndices != "" {
		env.SourceIndices = splitCSV(cfg.SourceIndices)
	}

	var query map[string]any
	if err := json.Unmarshal([]byte(cfg.QueryJSON), &query); err != nil {
		return nil, fmt.Errorf("decoding query JSON: %w", err)
	}
	if len(query) > 0 {
		env.SearchSource["query"] = query
	}

	if err := env.SetConflicts(cfg.Conflicts); err != nil {
		return nil, err
	}

	env.Size = cfg.Size
	env.MaxRetries = cfg.MaxRetries
	env.RetryBackoffInitial = time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	env.ScrollKeepalive = time.Duration(cfg.ScrollKeepalive) * time.Second
	env.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	env.Refresh = cfg.Refresh

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func buildTransform(cfg Config) (transform.DocumentTransform, error) {
	switch cfg.Mode {
	case "update_by_query":
		return transform.NewUpdateByQueryTransform(nil), nil
	case "delete_by_query":
		return transform.NewDeleteByQueryTransform(), nil
	default:
		return transform.NewReindexTransform(cfg.DestIndex, cfg.DestType, false, nil), nil
	}
}

func buildClient(cfg Config, env *request.Envelope) (esclient.Client, error) {
	if cfg.Backend == "v7" {
		return v7.NewClient(v7.Options{
			URL:        cfg.ElasticURL,
			Username:   cfg.ElasticUser,
			Password:   cfg.ElasticPass,
			VerifySSL:  cfg.VerifySSL,
			Headers:    env.Headers,
			ReqContext: env.Context,
		})
	}
	return v8.NewClient(v8.Options{
		URL:        cfg.ElasticURL,
		Username:   cfg.ElasticUser,
		Password:   cfg.ElasticPass,
		VerifySSL:  cfg.VerifySSL,
		Headers:    env.Headers,
		ReqContext: env.Context,
	})
}

func watchProgress(driver *scroll.Driver, variant request.Variant, bar *pb.ProgressBar) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				snap := driver.Progress().Snapshot()
				if snap.Total > 0 {
					bar.SetTotal(snap.Total)
				}
				bar.SetCurrent(snap.Updated + snap.Created + snap.Deleted)
			}
		}
	}()
	return func() { close(done) }
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
