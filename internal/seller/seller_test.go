package seller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/paywire/internal/payment"
	"github.com/user/paywire/internal/types"
)

func fridgeConfig() Config {
	return Config{
		AgentID:      "fridge_001",
		Name:         "Smart Fridge Agent",
		Description:  "Smart fridge with payment verification",
		Capabilities: []string{"soda_dispensing", "payment_verification"},
		Service:      "soda",
		Price:        0.1,
		Currency:     "APT",
		Recipient:    "0xfridge",
	}
}

func newSeller(t *testing.T) (*httptest.Server, *payment.Ledger) {
	t.Helper()
	ledger := payment.NewLedger()
	srv := httptest.NewServer(NewHandler(fridgeConfig(), ledger, nil))
	t.Cleanup(srv.Close)
	return srv, ledger
}

func TestDispenseWithoutProofDemandsPayment(t *testing.T) {
	srv, _ := newSeller(t)

	resp, err := http.Get(srv.URL + "/api/dispense/soda")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body, 3)
	assert.Equal(t, 0.1, body["price"])
	assert.Equal(t, "0xfridge", body["recipient"])
	assert.NotEmpty(t, body["message"])
}

func TestDispenseWithBadProof(t *testing.T) {
	srv, _ := newSeller(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/dispense/soda", nil)
	req.Header.Set(HeaderPaymentProof, "0xnotarealtransaction")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Payment verification failed", body["error"])
}

func TestDispenseWithVerifiedProof(t *testing.T) {
	srv, ledger := newSeller(t)
	proof, err := ledger.Submit(context.Background(), types.PaymentChallenge{Amount: 0.1, Currency: "APT", PayTo: "0xfridge"})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/dispense/soda", nil)
	req.Header.Set(HeaderPaymentProof, string(proof))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["status"])
}

func TestDispenseUnknownService(t *testing.T) {
	srv, _ := newSeller(t)
	resp, err := http.Get(srv.URL + "/api/dispense/coffee")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unknown service", body["error"])
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newSeller(t)
	status, err := NewClient(ClientConfig{BaseURL: srv.URL, Service: "soda"}).Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "fridge_001", status["agent_id"])
	assert.Equal(t, "Smart Fridge Agent", status["name"])
	assert.Equal(t, "active", status["status"])
	assert.Len(t, status["capabilities"], 2)
}

func TestClientChallengeThenDelivery(t *testing.T) {
	srv, ledger := newSeller(t)
	client := NewClient(ClientConfig{BaseURL: srv.URL, Service: "soda", Currency: "APT"})
	ctx := context.Background()

	resp, err := client.Request(ctx, "")
	require.NoError(t, err)
	assert.False(t, resp.Delivered)
	require.NotNil(t, resp.Challenge)
	assert.Equal(t, types.PaymentChallenge{Amount: 0.1, Currency: "APT", PayTo: "0xfridge"}, *resp.Challenge)
	assert.NotEmpty(t, resp.Message)

	proof, err := ledger.Submit(ctx, *resp.Challenge)
	require.NoError(t, err)

	resp, err = client.Request(ctx, proof)
	require.NoError(t, err)
	assert.True(t, resp.Delivered)
	assert.NotEmpty(t, resp.Status)
}

func TestClientRejectedProofIsGatewayError(t *testing.T) {
	srv, _ := newSeller(t)
	client := NewClient(ClientConfig{BaseURL: srv.URL, Service: "soda", Currency: "APT"})

	_, err := client.Request(context.Background(), "0xbogus")
	require.ErrorIs(t, err, types.ErrGateway)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "Payment verification failed")
}

func TestClientRendersHTMLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html><body><h1>Bad Gateway</h1><p>upstream fridge offline</p></body></html>"))
	}))
	defer srv.Close()

	_, err := NewClient(ClientConfig{BaseURL: srv.URL, Service: "soda"}).Request(context.Background(), "")
	require.ErrorIs(t, err, types.ErrGateway)
	assert.Contains(t, err.Error(), "Bad Gateway")
	assert.Contains(t, err.Error(), "upstream fridge offline")
	assert.NotContains(t, err.Error(), "<h1>")
}

func TestClientUnreachableSeller(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(ClientConfig{BaseURL: url, Service: "soda"}).Request(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrGateway)
}

func TestClientImplementsGateway(t *testing.T) {
	var _ types.ServiceGateway = (*Client)(nil)
}
