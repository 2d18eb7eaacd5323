package node

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/event"
	"Distributed-index/internal/routing"
	"Distributed-index/internal/shardwriter"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	NodeID     string `json:"node_id"`
	Partitions []int  `json:"partitions"`
	IsLeader   bool   `json:"is_leader"`
	Leader     string `json:"leader,omitempty"`
}

// RouteResponse is returned by GET /route.
type RouteResponse struct {
	Key       string           `json:"key"`
	Partition int              `json:"partition"`
	Endpoint  routing.Endpoint `json:"endpoint"`
}

// LocateResponse is returned by POST /locate.
type LocateResponse struct {
	Shard int `json:"shard"`
	Max   int `json:"max"`
}

// EndpointStatus is one entry of GET /cluster/endpoints.
type EndpointStatus struct {
	routing.Endpoint
	Down bool `json:"down"`
}

// JoinRequest is the body of POST /cluster/join.
type JoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

// ErrorResponse carries an error code and message.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (n *Node) setupRoutes() {
	n.router.HandleFunc("/health", n.handleHealth).Methods("GET")
	n.router.HandleFunc("/route", n.handleRoute).Methods("GET")
	n.router.HandleFunc("/locate", n.handleLocate).Methods("POST")

	n.router.HandleFunc("/cluster/endpoints", n.handleEndpoints).Methods("GET")
	n.router.HandleFunc("/cluster/endpoints/{id}/down", n.handleMarkDown).Methods("POST")
	n.router.HandleFunc("/cluster/endpoints/{id}/up", n.handleMarkUp).Methods("POST")
	n.router.HandleFunc("/cluster/join", n.handleJoin).Methods("POST")

	n.router.HandleFunc("/ingest/{partition}/stats", n.handleIngestStats).Methods("GET")
	n.router.HandleFunc("/ingest/{partition}/flush", n.handleIngestFlush).Methods("POST")

	n.router.HandleFunc("/shards/{id}", n.handleShard).Methods("GET")

	n.router.Handle("/metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps error codes to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrFormat:
		status = http.StatusUnprocessableEntity
	case errors.ErrNoAvailableEndpoint, errors.ErrTopology:
		status = http.StatusServiceUnavailable
	case errors.ErrNotLeader:
		status = http.StatusMisdirectedRequest
	case errors.ErrShard:
		status = http.StatusConflict
	}
	writeJSON(w, status, ErrorResponse{Code: string(code), Error: err.Error()})
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", NodeID: n.cfg.NodeID, Partitions: n.cfg.Partitions}
	if n.raft != nil {
		resp.IsLeader = n.raft.IsLeader()
		resp.Leader = n.raft.Leader()
	} else {
		resp.IsLeader = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleRoute(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "Query parameter 'key' is required", http.StatusBadRequest)
		return
	}
	router := n.holder.Load()
	if router == nil {
		writeError(w, errors.New(errors.ErrTopology, "no router installed"))
		return
	}
	e, err := router.Route(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RouteResponse{Key: key, Partition: router.Partition(key), Endpoint: e})
}

// handleLocate computes the shard of the JSON record in the body. The shard
// space defaults to the router's partition count.
func (n *Node) handleLocate(w http.ResponseWriter, r *http.Request) {
	max := 0
	if s := r.URL.Query().Get("max"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "Invalid 'max': "+err.Error(), http.StatusBadRequest)
			return
		}
		max = v
	} else if router := n.holder.Load(); router != nil {
		max = router.PartitionCount()
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var rec event.Record
	if err := dec.Decode(&rec); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	shard, err := n.ShardOf(max, rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LocateResponse{Shard: shard, Max: max})
}

func (n *Node) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints := n.membership.Endpoints()
	out := make([]EndpointStatus, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, EndpointStatus{Endpoint: e, Down: n.membership.Down(e.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (n *Node) handleMarkDown(w http.ResponseWriter, r *http.Request) {
	n.setLiveness(w, r, true)
}

func (n *Node) handleMarkUp(w http.ResponseWriter, r *http.Request) {
	n.setLiveness(w, r, false)
}

func (n *Node) setLiveness(w http.ResponseWriter, r *http.Request, down bool) {
	id := mux.Vars(r)["id"]
	if _, ok := n.membership.Peer(id); !ok {
		http.Error(w, "Unknown endpoint", http.StatusNotFound)
		return
	}
	if down {
		n.membership.MarkDown(id)
	} else {
		n.membership.MarkUp(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleJoin(w http.ResponseWriter, r *http.Request) {
	if n.raft == nil {
		http.Error(w, "Raft is not running", http.StatusServiceUnavailable)
		return
	}
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" || req.RaftAddr == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := n.raft.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (n *Node) partitionVar(w http.ResponseWriter, r *http.Request) (int, bool) {
	p, err := strconv.Atoi(mux.Vars(r)["partition"])
	if err != nil {
		http.Error(w, "Invalid partition", http.StatusBadRequest)
		return 0, false
	}
	return p, true
}

func (n *Node) handleIngestStats(w http.ResponseWriter, r *http.Request) {
	p, ok := n.partitionVar(w, r)
	if !ok {
		return
	}
	pl, ok := n.Pipeline(p)
	if !ok {
		http.Error(w, "Partition has no pipeline on this node", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pl.Stats())
}

func (n *Node) handleIngestFlush(w http.ResponseWriter, r *http.Request) {
	p, ok := n.partitionVar(w, r)
	if !ok {
		return
	}
	pl, ok := n.Pipeline(p)
	if !ok {
		http.Error(w, "Partition has no pipeline on this node", http.StatusNotFound)
		return
	}
	if err := pl.Flush(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pl.Stats())
}

func (n *Node) handleShard(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid shard id", http.StatusBadRequest)
		return
	}
	if n.registry == nil {
		http.Error(w, "Shard registry is not started", http.StatusServiceUnavailable)
		return
	}
	s, ok, err := n.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		s = shardwriter.Shard{ID: id, Dir: n.cfg.ShardDir(id), Generation: shardwriter.NoGeneration}
		writeJSON(w, http.StatusNotFound, s)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
