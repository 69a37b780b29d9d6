package sustainplatesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Close()
	})
	return "http://" + ln.Addr().String()
}

func TestReserveSendsKeyAndDecodesDonation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/donations/d-1/reserve", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		json.NewEncoder(w).Encode(map[string]any{"id": "d-1", "status": "reserved", "reserved_by": "ngo-1"})
	})
	c := New(serve(t, mux))
	c.APIKey = "key-1"

	d, err := c.Reserve(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, "reserved", d.Status)
	require.NotNil(t, d.ReservedBy)
	assert.Equal(t, "ngo-1", *d.ReservedBy)
}

func TestAssignWithoutPickupTimeSendsNoBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/donations/d-1/assign", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Empty(t, body)
		json.NewEncoder(w).Encode(map[string]any{"id": "d-1", "status": "pickedUp", "volunteer_id": "vol-1"})
	})
	c := New(serve(t, mux))

	d, err := c.Assign(context.Background(), "d-1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "pickedUp", d.Status)
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/donations/d-1/reserve", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"code":"reservation_conflict","message":"donation already reserved by someone else","details":{"donation_id":"d-1"}}}`)
	})
	c := New(serve(t, mux))

	_, err := c.Reserve(context.Background(), "d-1")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, CodeReservationConflict, ErrorCode(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "d-1", apiErr.Details["donation_id"])
}

func TestListDonationsQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/donations", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "reserved", q.Get("status"))
		assert.Equal(t, "true", q.Get("unassigned"))
		assert.Equal(t, "10", q.Get("limit"))
		json.NewEncoder(w).Encode(map[string]any{
			"items":       []map[string]any{{"id": "d-2", "status": "reserved"}},
			"next_cursor": "ts|d-2",
		})
	})
	c := New(serve(t, mux))

	page, err := c.ListDonations(context.Background(), ListOptions{Status: "reserved", Unassigned: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "ts|d-2", page.NextCursor)
}

func TestStreamDecodesChanges(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "d-1", r.URL.Query().Get("donation_id"))
		assert.Equal(t, "7", r.Header.Get("Last-Event-ID"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "id: 8\nevent: donation.reserved\ndata: {\"event_id\":8,\"type\":\"donation.reserved\",\"donation_id\":\"d-1\",\"to\":\"reserved\"}\n\n")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "id: 9\nevent: donation.picked_up\ndata: {\"event_id\":9,\"type\":\"donation.picked_up\",\"donation_id\":\"d-1\",\"to\":\"pickedUp\"}\n\n")
	})
	c := New(serve(t, mux))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []Change
	err := c.Stream(ctx, StreamOptions{DonationID: "d-1", LastEventID: 7}, func(ch Change) error {
		got = append(got, ch)
		return nil
	})
	// The handler returns after writing, which ends the stream cleanly.
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(8), got[0].EventID)
	assert.Equal(t, "pickedUp", got[1].To)
}
