package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

// GatewayConfig tunes the outbound HTTP behavior of the gateway.
type GatewayConfig struct {
	BaseURL         string
	RequestTimeout  time.Duration
	RequestsPerSec  float64
	RequestBurst    int
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	RetryJitter     float64
}

// AzureGateway owns every call against the provider's management plane:
// pagination, rate limiting, backoff on 429/5xx, and translation of provider
// shapes into the internal record types.
type AzureGateway struct {
	cfg     GatewayConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewAzureGateway(cfg GatewayConfig, logger *slog.Logger) *AzureGateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	// A zero rate or burst would make every limiter.Wait block until the
	// context dies. Floor both alongside the retry count.
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 1
	}
	if cfg.RequestBurst < 1 {
		cfg.RequestBurst = 1
	}
	return &AzureGateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestBurst),
		logger:  logger,
	}
}

// doRequest performs one authenticated call with rate limiting and
// exponential backoff on transient failures. Permanent failures and auth
// rejections return immediately.
func (g *AzureGateway) doRequest(ctx context.Context, op, method, url, token string, payload []byte) ([]byte, error) {
	var lastErr error
	backoff := g.cfg.RetryBackoff

	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := g.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &RemoteError{Op: op, Transient: true, Message: err.Error()}
		} else {
			b, _ := io.ReadAll(res.Body)
			res.Body.Close()

			switch {
			case res.StatusCode >= 200 && res.StatusCode < 300:
				return b, nil
			case res.StatusCode == 401 || res.StatusCode == 403:
				return nil, &AuthError{Reason: fmt.Sprintf("%s rejected with status %d", op, res.StatusCode)}
			case transientStatus(res.StatusCode):
				lastErr = &RemoteError{Op: op, StatusCode: res.StatusCode, Transient: true, Message: truncate(string(b), 300)}
			default:
				return nil, &RemoteError{Op: op, StatusCode: res.StatusCode, Message: truncate(string(b), 300)}
			}
		}

		if attempt == g.cfg.MaxRetries {
			break
		}
		wait := g.backoffWithJitter(backoff)
		g.logger.Debug("retrying remote call",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > g.cfg.MaxRetryBackoff {
			backoff = g.cfg.MaxRetryBackoff
		}
	}
	return nil, lastErr
}

func (g *AzureGateway) backoffWithJitter(base time.Duration) time.Duration {
	jitterRange := float64(base) * g.cfg.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	d := time.Duration(float64(base) + jitter)
	if d < 0 {
		d = base
	}
	return d
}

// getPaginated follows nextLink until exhaustion and returns every page's
// value array, concatenated raw.
func (g *AzureGateway) getPaginated(ctx context.Context, op, firstURL, token string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	url := firstURL
	for url != "" {
		b, err := g.doRequest(ctx, op, http.MethodGet, url, token, nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Value    []json.RawMessage `json:"value"`
			NextLink string            `json:"nextLink"`
		}
		if err := json.Unmarshal(b, &page); err != nil {
			return nil, &RemoteError{Op: op, Message: "malformed page: " + err.Error()}
		}
		items = append(items, page.Value...)
		url = page.NextLink
	}
	return items, nil
}

// ListSubscriptions backs testConnection: it proves the credentials can reach
// the management plane without touching the cache.
func (g *AzureGateway) ListSubscriptions(ctx context.Context, token string) ([]string, error) {
	url := fmt.Sprintf("%s/subscriptions?api-version=2022-12-01", g.cfg.BaseURL)
	items, err := g.getPaginated(ctx, "list-subscriptions", url, token)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, raw := range items {
		var sub struct {
			SubscriptionID string `json:"subscriptionId"`
			DisplayName    string `json:"displayName"`
		}
		if err := json.Unmarshal(raw, &sub); err != nil || sub.SubscriptionID == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s (%s)", sub.DisplayName, sub.SubscriptionID))
	}
	return out, nil
}

func (g *AzureGateway) ListResourceGroups(ctx context.Context, token, subscriptionID string) ([]string, error) {
	url := fmt.Sprintf("%s/subscriptions/%s/resourcegroups?api-version=2021-04-01", g.cfg.BaseURL, subscriptionID)
	items, err := g.getPaginated(ctx, "list-resource-groups", url, token)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, raw := range items {
		var rg struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &rg); err != nil || rg.Name == "" {
			continue
		}
		out = append(out, rg.Name)
	}
	return out, nil
}

// ListResources returns the subscription's inventory. Records missing an id
// are skipped and counted as warnings rather than failing the batch.
func (g *AzureGateway) ListResources(ctx context.Context, token, subscriptionID string) ([]model.CachedResource, int, error) {
	url := fmt.Sprintf("%s/subscriptions/%s/resources?api-version=2021-04-01", g.cfg.BaseURL, subscriptionID)
	items, err := g.getPaginated(ctx, "list-resources", url, token)
	if err != nil {
		return nil, 0, err
	}

	var out []model.CachedResource
	warnings := 0
	for _, raw := range items {
		var res struct {
			ID         string            `json:"id"`
			Name       string            `json:"name"`
			Type       string            `json:"type"`
			Location   string            `json:"location"`
			Tags       map[string]string `json:"tags"`
			Properties json.RawMessage   `json:"properties"`
		}
		if err := json.Unmarshal(raw, &res); err != nil || res.ID == "" {
			warnings++
			continue
		}
		out = append(out, model.CachedResource{
			ResourceID:    res.ID,
			Name:          res.Name,
			Type:          res.Type,
			ResourceGroup: resourceGroupFromID(res.ID),
			Location:      res.Location,
			Tags:          model.Tags(res.Tags),
			Properties:    res.Properties,
		})
	}
	return out, warnings, nil
}

// resourceGroupFromID pulls the resource group segment out of an ARM id like
// /subscriptions/<sub>/resourceGroups/<rg>/providers/...
func resourceGroupFromID(id string) string {
	parts := strings.Split(id, "/")
	for i := 0; i < len(parts)-1; i++ {
		if strings.EqualFold(parts[i], "resourceGroups") {
			return parts[i+1]
		}
	}
	return ""
}

// QueryCosts runs a daily-granularity cost query over [from, to]. The
// provider answers in column/row form; rows that fail to map are skipped and
// counted as warnings.
func (g *AzureGateway) QueryCosts(ctx context.Context, token, subscriptionID string, from, to time.Time) ([]model.CostRecord, int, error) {
	url := fmt.Sprintf("%s/subscriptions/%s/providers/Microsoft.CostManagement/query?api-version=2023-03-01", g.cfg.BaseURL, subscriptionID)
	payload, _ := json.Marshal(map[string]interface{}{
		"type":      "ActualCost",
		"timeframe": "Custom",
		"timePeriod": map[string]string{
			"from": from.Format("2006-01-02"),
			"to":   to.Format("2006-01-02"),
		},
		"dataset": map[string]interface{}{
			"granularity": "Daily",
			"aggregation": map[string]interface{}{
				"totalCost": map[string]string{"name": "Cost", "function": "Sum"},
			},
			"grouping": []map[string]string{
				{"type": "Dimension", "name": "ResourceId"},
				{"type": "Dimension", "name": "MeterCategory"},
				{"type": "Dimension", "name": "MeterSubcategory"},
				{"type": "Dimension", "name": "Meter"},
			},
		},
	})

	b, err := g.doRequest(ctx, "query-costs", http.MethodPost, url, token, payload)
	if err != nil {
		return nil, 0, err
	}

	var out struct {
		Properties struct {
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
			Rows [][]interface{} `json:"rows"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, 0, &RemoteError{Op: "query-costs", Message: "malformed cost response: " + err.Error()}
	}

	col := map[string]int{}
	for i, c := range out.Properties.Columns {
		col[c.Name] = i
	}

	var records []model.CostRecord
	warnings := 0
	for _, row := range out.Properties.Rows {
		rec, err := costRowToRecord(row, col)
		if err != nil {
			warnings++
			continue
		}
		records = append(records, rec)
	}
	return records, warnings, nil
}

func costRowToRecord(row []interface{}, col map[string]int) (model.CostRecord, error) {
	cell := func(name string) (interface{}, bool) {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return nil, false
		}
		return row[i], true
	}

	var rec model.CostRecord

	v, ok := cell("Cost")
	if !ok {
		return rec, &ValidationError{Field: "Cost", Message: "missing"}
	}
	cost, ok := v.(float64)
	if !ok {
		return rec, &ValidationError{Field: "Cost", Message: "not numeric"}
	}
	rec.Cost = cost

	v, ok = cell("UsageDate")
	if !ok {
		return rec, &ValidationError{Field: "UsageDate", Message: "missing"}
	}
	day, err := parseUsageDate(v)
	if err != nil {
		return rec, &ValidationError{Field: "UsageDate", Message: err.Error()}
	}
	rec.Day = day

	if v, ok := cell("ResourceId"); ok {
		if s, ok := v.(string); ok {
			rec.ResourceID = s
		}
	}
	if v, ok := cell("MeterCategory"); ok {
		if s, ok := v.(string); ok {
			rec.MeterCategory = s
		}
	}
	if v, ok := cell("MeterSubcategory"); ok {
		if s, ok := v.(string); ok {
			rec.MeterSubcategory = s
		}
	}
	if v, ok := cell("Meter"); ok {
		if s, ok := v.(string); ok {
			rec.MeterName = s
		}
	}
	if v, ok := cell("Currency"); ok {
		if s, ok := v.(string); ok {
			rec.Currency = s
		}
	}
	if v, ok := cell("UsageQuantity"); ok {
		if f, ok := v.(float64); ok {
			rec.UsageQuantity = f
		}
	}
	return rec, nil
}

// parseUsageDate accepts the provider's yyyymmdd integer form or a date
// string.
func parseUsageDate(v interface{}) (time.Time, error) {
	switch d := v.(type) {
	case float64:
		s := fmt.Sprintf("%08d", int64(d))
		return time.Parse("20060102", s)
	case string:
		if t, err := time.Parse("2006-01-02", d); err == nil {
			return t, nil
		}
		return time.Parse("20060102", d)
	}
	return time.Time{}, fmt.Errorf("unsupported date type %T", v)
}

// QueryMetrics fetches one resource's metric time series over the window and
// flattens every reported aggregation into samples.
func (g *AzureGateway) QueryMetrics(ctx context.Context, token, resourceID string, metricNames []string, from, to time.Time) ([]model.MetricSample, error) {
	url := fmt.Sprintf("%s%s/providers/microsoft.insights/metrics?api-version=2018-01-01&metricnames=%s&timespan=%s/%s&interval=PT1H",
		g.cfg.BaseURL, resourceID,
		strings.Join(metricNames, ","),
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))

	b, err := g.doRequest(ctx, "query-metrics", http.MethodGet, url, token, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Value []struct {
			Name struct {
				Value string `json:"value"`
			} `json:"name"`
			Unit       string `json:"unit"`
			Timeseries []struct {
				Data []struct {
					TimeStamp time.Time `json:"timeStamp"`
					Average   *float64  `json:"average"`
					Maximum   *float64  `json:"maximum"`
					Minimum   *float64  `json:"minimum"`
					Total     *float64  `json:"total"`
				} `json:"data"`
			} `json:"timeseries"`
		} `json:"value"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &RemoteError{Op: "query-metrics", Message: "malformed metrics response: " + err.Error()}
	}

	var samples []model.MetricSample
	for _, metric := range out.Value {
		for _, series := range metric.Timeseries {
			for _, point := range series.Data {
				add := func(agg string, v *float64) {
					if v == nil {
						return
					}
					samples = append(samples, model.MetricSample{
						ResourceID:  resourceID,
						MetricName:  metric.Name.Value,
						Timestamp:   point.TimeStamp,
						Aggregation: agg,
						Value:       *v,
						Unit:        metric.Unit,
					})
				}
				add("average", point.Average)
				add("maximum", point.Maximum)
				add("minimum", point.Minimum)
				add("total", point.Total)
			}
		}
	}
	return samples, nil
}

// SQLInsights bundles the query-store style data collected for one database.
type SQLInsights struct {
	Performance      []model.SqlPerformanceStat
	WaitStats        []model.WaitStat
	ReplicationLinks []model.ReplicationLink
}

// QuerySQLInsights fetches performance snapshots, wait stats, and replication
// link state for one SQL database resource.
func (g *AzureGateway) QuerySQLInsights(ctx context.Context, token, resourceID string) (*SQLInsights, int, error) {
	url := fmt.Sprintf("%s%s/insights?api-version=2023-05-01", g.cfg.BaseURL, resourceID)
	b, err := g.doRequest(ctx, "query-sql-insights", http.MethodGet, url, token, nil)
	if err != nil {
		return nil, 0, err
	}

	var out struct {
		Performance []struct {
			Timestamp           time.Time `json:"timestamp"`
			CPUPercent          float64   `json:"cpuPercent"`
			DTUPercent          float64   `json:"dtuPercent"`
			StoragePercent      float64   `json:"storagePercent"`
			DeadlockCount       int       `json:"deadlockCount"`
			BlockedProcessCount int       `json:"blockedProcessCount"`
		} `json:"performance"`
		WaitStats []struct {
			WaitType   string    `json:"waitType"`
			CapturedAt time.Time `json:"capturedAt"`
			WaitTimeMs float64   `json:"waitTimeMs"`
			WaitCount  int64     `json:"waitCount"`
		} `json:"waitStats"`
		ReplicationLinks []struct {
			PartnerServer    string    `json:"partnerServer"`
			State            string    `json:"state"`
			LagSeconds       float64   `json:"lagSeconds"`
			LastReplicatedAt time.Time `json:"lastReplicatedAt"`
			CapturedAt       time.Time `json:"capturedAt"`
		} `json:"replicationLinks"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, 0, &RemoteError{Op: "query-sql-insights", Message: "malformed insights response: " + err.Error()}
	}

	insights := &SQLInsights{}
	warnings := 0
	for _, p := range out.Performance {
		if p.Timestamp.IsZero() {
			warnings++
			continue
		}
		insights.Performance = append(insights.Performance, model.SqlPerformanceStat{
			ResourceID:          resourceID,
			Timestamp:           p.Timestamp,
			CPUPercent:          p.CPUPercent,
			DTUPercent:          p.DTUPercent,
			StoragePercent:      p.StoragePercent,
			DeadlockCount:       p.DeadlockCount,
			BlockedProcessCount: p.BlockedProcessCount,
		})
	}
	for _, w := range out.WaitStats {
		if w.WaitType == "" || w.CapturedAt.IsZero() {
			warnings++
			continue
		}
		avg := 0.0
		if w.WaitCount > 0 {
			avg = w.WaitTimeMs / float64(w.WaitCount)
		}
		insights.WaitStats = append(insights.WaitStats, model.WaitStat{
			ResourceID: resourceID,
			WaitType:   w.WaitType,
			CapturedAt: w.CapturedAt,
			WaitTimeMs: w.WaitTimeMs,
			WaitCount:  w.WaitCount,
			AvgWaitMs:  avg,
		})
	}
	for _, l := range out.ReplicationLinks {
		if l.PartnerServer == "" {
			warnings++
			continue
		}
		capturedAt := l.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = time.Now().UTC().Truncate(time.Second)
		}
		insights.ReplicationLinks = append(insights.ReplicationLinks, model.ReplicationLink{
			ResourceID:       resourceID,
			PartnerServer:    l.PartnerServer,
			State:            l.State,
			LagSeconds:       l.LagSeconds,
			LastReplicatedAt: l.LastReplicatedAt,
			CapturedAt:       capturedAt,
		})
	}
	return insights, warnings, nil
}
