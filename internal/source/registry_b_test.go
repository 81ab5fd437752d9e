package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

func newRegistryB(t *testing.T, handler http.HandlerFunc) *RegistryBClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewRegistryBClient(ClientConfig{
		BaseURL:   server.URL,
		RateRPS:   1000,
		RateBurst: 1000,
	}, zap.NewNop())
}

func TestRegistryB_Search(t *testing.T) {
	var gotStatus string
	client := newRegistryB(t, func(w http.ResponseWriter, r *http.Request) {
		gotStatus = r.URL.Query().Get("status")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"records": [
				{"registration": "552 100 554 00013", "company_name": "ACME SA",
				 "category": "6201Z", "address": "1 rue de la Paix", "status": "active",
				 "published_at": "2024-06-01"},
				{"registration": "98765432100011", "company_name": "Defunct SARL", "status": "ceased"}
			]
		}`))
	})

	records, err := client.Search(context.Background(), "acme", false, 20)

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "active", gotStatus, "active-only searches filter upstream")

	// Establishment numbers collapse to the 9-digit company identifier
	assert.Equal(t, "552100554", records[0].Identifier)
	assert.Equal(t, "552 100 554 00013", records[0].RawIdentifier)
	assert.Equal(t, model.SourceRegistryB, records[0].Source)
	assert.True(t, records[0].Active)

	assert.Equal(t, "987654321", records[1].Identifier)
	assert.False(t, records[1].Active)
}

func TestRegistryB_Search_IncludeInactiveOmitsFilter(t *testing.T) {
	var query string
	client := newRegistryB(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(`{"records": []}`))
	})

	_, err := client.Search(context.Background(), "acme", true, 20)

	require.NoError(t, err)
	assert.NotContains(t, query, "status=")
}

func TestRegistryB_Lookup_Missing(t *testing.T) {
	client := newRegistryB(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	record, err := client.Lookup(context.Background(), "000000000")

	assert.NoError(t, err)
	assert.Nil(t, record)
}
