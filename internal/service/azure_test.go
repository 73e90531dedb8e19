package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGateway(baseURL string) *AzureGateway {
	return NewAzureGateway(GatewayConfig{
		BaseURL:         baseURL,
		RequestTimeout:  5 * time.Second,
		RequestsPerSec:  1000,
		RequestBurst:    1000,
		MaxRetries:      3,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 10 * time.Millisecond,
		RetryJitter:     0.2,
	}, nil)
}

// TestNewAzureGateway_FloorsLimiter verifies a zero rate or burst config
// cannot produce a limiter that blocks every request until the context dies.
func TestNewAzureGateway_FloorsLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{"name":"rg-a"}]}`)
	}))
	defer srv.Close()

	g := NewAzureGateway(GatewayConfig{BaseURL: srv.URL}, nil)
	assert.Greater(t, float64(g.limiter.Limit()), 0.0)
	assert.GreaterOrEqual(t, g.limiter.Burst(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	groups, err := g.ListResourceGroups(ctx, "tok", "sub1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rg-a"}, groups)
}

// TestGateway_FollowsNextLink verifies pagination concatenates every page.
func TestGateway_FollowsNextLink(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"value":[{"name":"rg-c"}]}`)
			return
		}
		fmt.Fprintf(w, `{"value":[{"name":"rg-a"},{"name":"rg-b"}],"nextLink":"%s/subscriptions/sub1/resourcegroups?page=2"}`, srv.URL)
	}))
	defer srv.Close()

	groups, err := testGateway(srv.URL).ListResourceGroups(context.Background(), "tok", "sub1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rg-a", "rg-b", "rg-c"}, groups)
}

// TestGateway_RetriesThrottling verifies 429 responses are retried and the
// eventual success is returned.
func TestGateway_RetriesThrottling(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			http.Error(w, "throttled", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"value":[{"name":"rg-a"}]}`)
	}))
	defer srv.Close()

	groups, err := testGateway(srv.URL).ListResourceGroups(context.Background(), "tok", "sub1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rg-a"}, groups)
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
}

// TestGateway_ExhaustsRetries verifies a persistently failing endpoint
// surfaces a transient error after the attempt limit.
func TestGateway_ExhaustsRetries(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testGateway(srv.URL).ListResourceGroups(context.Background(), "tok", "sub1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
}

// TestGateway_NoRetryOnPermanentFailure verifies 4xx (non-auth, non-429)
// fails fast.
func TestGateway_NoRetryOnPermanentFailure(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.Error(w, "no such subscription", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testGateway(srv.URL).ListResourceGroups(context.Background(), "tok", "sub1")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.False(t, IsAuthError(err))
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

// TestGateway_AuthRejection verifies 401 maps to an auth error without
// retrying.
func TestGateway_AuthRejection(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testGateway(srv.URL).ListResourceGroups(context.Background(), "tok", "sub1")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

// TestGateway_ListResourcesSkipsMalformed verifies records without an id are
// counted as warnings, not failures.
func TestGateway_ListResourcesSkipsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[
			{"id":"/subscriptions/s/resourceGroups/rg1/providers/Microsoft.Sql/servers/sv/databases/db1","name":"db1","type":"Microsoft.Sql/servers/databases","location":"westeurope","tags":{"env":"prod"}},
			{"name":"orphan"},
			{"id":"/subscriptions/s/resourceGroups/rg2/providers/Microsoft.Compute/virtualMachines/vm1","name":"vm1","type":"Microsoft.Compute/virtualMachines","location":"westeurope"}
		]}`)
	}))
	defer srv.Close()

	resources, warnings, err := testGateway(srv.URL).ListResources(context.Background(), "tok", "sub1")
	require.NoError(t, err)
	assert.Equal(t, 1, warnings)
	require.Len(t, resources, 2)
	assert.Equal(t, "rg1", resources[0].ResourceGroup)
	assert.Equal(t, "prod", resources[0].Tags["env"])
	assert.Equal(t, "rg2", resources[1].ResourceGroup)
}

// TestGateway_QueryCosts verifies column/row mapping including the provider's
// yyyymmdd numeric date form.
func TestGateway_QueryCosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		fmt.Fprint(w, `{"properties":{
			"columns":[{"name":"Cost"},{"name":"UsageDate"},{"name":"ResourceId"},{"name":"MeterCategory"},{"name":"Currency"}],
			"rows":[
				[12.5, 20260830, "/subscriptions/s/rg/db1", "SQL Database", "EUR"],
				[3.25, 20260831, "", "Bandwidth", "EUR"],
				["bad", 20260831, "/subscriptions/s/rg/db1", "SQL Database", "EUR"]
			]}}`)
	}))
	defer srv.Close()

	records, warnings, err := testGateway(srv.URL).QueryCosts(context.Background(), "tok", "sub1",
		time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, warnings)
	require.Len(t, records, 2)

	assert.Equal(t, 12.5, records[0].Cost)
	assert.Equal(t, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), records[0].Day)
	assert.Equal(t, "/subscriptions/s/rg/db1", records[0].ResourceID)
	assert.Equal(t, "SQL Database", records[0].MeterCategory)
	assert.Equal(t, "EUR", records[0].Currency)

	// Empty ResourceId is the tenant-level aggregate, not a warning.
	assert.Equal(t, "", records[1].ResourceID)
}

// TestGateway_QueryMetricsFlattensAggregations verifies every reported
// aggregation becomes its own sample and nil points are skipped.
func TestGateway_QueryMetricsFlattensAggregations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{
			"name":{"value":"cpu_percent"},
			"unit":"Percent",
			"timeseries":[{"data":[
				{"timeStamp":"2026-08-31T10:00:00Z","average":12.0,"maximum":40.0},
				{"timeStamp":"2026-08-31T11:00:00Z"}
			]}]}]}`)
	}))
	defer srv.Close()

	samples, err := testGateway(srv.URL).QueryMetrics(context.Background(), "tok",
		"/subscriptions/s/rg/db1", []string{"cpu_percent"},
		time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "average", samples[0].Aggregation)
	assert.Equal(t, 12.0, samples[0].Value)
	assert.Equal(t, "maximum", samples[1].Aggregation)
	assert.Equal(t, 40.0, samples[1].Value)
	assert.Equal(t, "Percent", samples[0].Unit)
}

// TestGateway_QuerySQLInsights verifies the insight payload splits into the
// three record families and computes average wait time.
func TestGateway_QuerySQLInsights(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"performance":[{"timestamp":"2026-08-31T10:00:00Z","cpuPercent":55,"dtuPercent":40,"storagePercent":61,"deadlockCount":1,"blockedProcessCount":0}],
			"waitStats":[{"waitType":"PAGEIOLATCH_SH","capturedAt":"2026-08-31T10:00:00Z","waitTimeMs":500,"waitCount":50},{"waitType":"","capturedAt":"2026-08-31T10:00:00Z"}],
			"replicationLinks":[{"partnerServer":"replica-we","state":"CATCH_UP","lagSeconds":1.5,"lastReplicatedAt":"2026-08-31T09:59:58Z","capturedAt":"2026-08-31T10:00:00Z"}]
		}`)
	}))
	defer srv.Close()

	insights, warnings, err := testGateway(srv.URL).QuerySQLInsights(context.Background(), "tok", "/subscriptions/s/rg/db1")
	require.NoError(t, err)
	assert.Equal(t, 1, warnings)
	require.Len(t, insights.Performance, 1)
	require.Len(t, insights.WaitStats, 1)
	require.Len(t, insights.ReplicationLinks, 1)
	assert.Equal(t, 10.0, insights.WaitStats[0].AvgWaitMs)
	assert.Equal(t, "CATCH_UP", insights.ReplicationLinks[0].State)
}

// TestResourceGroupFromID covers the ARM id parser edge cases.
func TestResourceGroupFromID(t *testing.T) {
	assert.Equal(t, "my-rg", resourceGroupFromID("/subscriptions/s/resourceGroups/my-rg/providers/Microsoft.Sql/servers/sv"))
	assert.Equal(t, "my-rg", resourceGroupFromID("/subscriptions/s/resourcegroups/my-rg"))
	assert.Equal(t, "", resourceGroupFromID("/subscriptions/s"))
}
