package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Distributed-index/internal/event"
	"Distributed-index/internal/node"
	"Distributed-index/internal/routing"
)

func fakeNode(t *testing.T) *httptest.Server {
	r := mux.NewRouter()
	r.HandleFunc("/route", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(node.RouteResponse{
			Key:       r.URL.Query().Get("key"),
			Partition: 2,
			Endpoint:  routing.Endpoint{ID: "n1", Addr: "10.0.0.1:8080"},
		})
	}).Methods("GET")
	r.HandleFunc("/locate", func(w http.ResponseWriter, r *http.Request) {
		var rec event.Record
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		if _, ok := rec["uid"]; !ok {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(node.ErrorResponse{Code: "FormatError", Error: "record has no \"uid\" field"})
			return
		}
		assert.Equal(t, "4", r.URL.Query().Get("max"))
		json.NewEncoder(w).Encode(node.LocateResponse{Shard: 3, Max: 4})
	}).Methods("POST")
	r.HandleFunc("/cluster/endpoints/{id}/down", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "n1", mux.Vars(r)["id"])
		w.WriteHeader(http.StatusNoContent)
	}).Methods("POST")
	r.HandleFunc("/shards/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such shard", http.StatusNotFound)
	}).Methods("GET")
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(addrs ...string) *Client {
	cfg := DefaultClientConfig()
	cfg.Addresses = addrs
	return NewClient(cfg)
}

func TestClientRouteAndLocate(t *testing.T) {
	srv := fakeNode(t)
	c := newTestClient(strings.TrimPrefix(srv.URL, "http://"))
	ctx := context.Background()

	route, err := c.Route(ctx, "user 7")
	require.NoError(t, err)
	assert.Equal(t, "user 7", route.Key)
	assert.Equal(t, 2, route.Partition)
	assert.Equal(t, "n1", route.Endpoint.ID)

	loc, err := c.Locate(ctx, event.Record{"uid": 7}, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, loc.Shard)

	_, err = c.Locate(ctx, event.Record{"name": "x"}, 4)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Equal(t, "FormatError", se.Code)
}

func TestClientPlainErrorBody(t *testing.T) {
	srv := fakeNode(t)
	c := newTestClient(strings.TrimPrefix(srv.URL, "http://"))

	_, err := c.Shard(context.Background(), 9)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "no such shard", se.Message)

	require.NoError(t, c.MarkDown(context.Background(), "n1"))
}

func TestClientFailsOverToNextAddress(t *testing.T) {
	srv := fakeNode(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	c := newTestClient(deadAddr, strings.TrimPrefix(srv.URL, "http://"))
	route, err := c.Route(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 2, route.Partition)
}

func TestClientNoAddresses(t *testing.T) {
	c := newTestClient()
	_, err := c.Health(context.Background())
	assert.Error(t, err)
}
