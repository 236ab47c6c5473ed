package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsAndServes(t *testing.T) {
	c := New()
	c.RPC("ping", "sent", "ok")
	c.LookupDuration("node", 5*time.Millisecond)
	c.SetRoutingTableSize(12)
	c.SetStorageEntries(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "kadnode_rpcs_total")
	require.Contains(t, rec.Body.String(), "kadnode_routing_table_size 12")
	require.Contains(t, rec.Body.String(), "kadnode_storage_entries 3")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RPC("ping", "sent", "ok")
	c.LookupDuration("node", time.Millisecond)
	c.SetRoutingTableSize(1)
	c.SetStorageEntries(1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}
