package cluster

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/replichat/replichat/internal/store"
)

// CatchUp pulls a full state snapshot from the first reachable peer and
// loads it into the store. Run once at bootstrap, before the election
// timer starts, when the local store is empty: a node with no history
// must not vote against nodes that have some.
//
// Returns the commit index the snapshot was taken at, or 0 when no peer
// could serve one (first boot of a fresh cluster).
func CatchUp(ctx context.Context, peers []string, s *store.Store, logger zerolog.Logger) (int64, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	for _, peer := range peers {
		commit, err := fetchSnapshot(ctx, client, peer, s)
		if err != nil {
			logger.Warn().Err(err).Str("peer", peer).Msg("snapshot fetch failed, trying next peer")
			continue
		}
		logger.Info().Str("peer", peer).Int64("commit", commit).Msg("loaded snapshot from peer")
		return commit, nil
	}
	logger.Info().Msg("no peer could serve a snapshot, starting from local state")
	return 0, nil
}

func fetchSnapshot(ctx context.Context, client *http.Client, peer string, s *store.Store) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+peer+"/snapshot", nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("peer %s returned status %d", peer, resp.StatusCode)
	}
	return s.LoadSnapshot(resp.Body)
}
