package chat

import (
	"encoding/json"
	"net/http"

	"github.com/replichat/replichat/internal/cluster"
)

// handleReplication is the single peer RPC: every heartbeat, vote, and
// replicate envelope arrives here and the manager's term logic decides
// the rest.
func (s *Server) handleReplication(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var env cluster.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	reply := s.manager.HandleEnvelope(&env)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

// handleSnapshot streams this node's committed state to a catching-up
// peer.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.store.WriteSnapshot(w, s.manager.CommitIndex()); err != nil {
		s.logger.Error().Err(err).Msg("snapshot stream failed")
	}
}
