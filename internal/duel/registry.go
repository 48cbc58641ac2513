package duel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/victornm/duelo/internal/domain"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/telemetry"
)

// registry is the in-memory arena of live sessions: duel id to session, plus
// a reverse player index for disconnect routing. Exactly one live session
// exists per duel id; sessions are created on first access and removed after
// finish processing.
type registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	playerDuel map[string]string
}

func (r *registry) init() {
	r.sessions = make(map[string]*Session)
	r.playerDuel = make(map[string]string)
}

// session returns the live session for the duel, hydrating it from the store
// when absent. The store read happens outside the lock, so the map is
// re-checked afterwards: another event may have hydrated the same duel while
// this one was suspended on the read.
func (s *Service) session(ctx context.Context, duelID string) (*Session, error) {
	s.registry.mu.Lock()
	if sess, ok := s.registry.sessions[duelID]; ok {
		s.registry.mu.Unlock()
		return sess, nil
	}
	s.registry.mu.Unlock()

	d, err := s.store.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.StatusFinished {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("duel already finished: %s", duelID))
	}

	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()

	if sess, ok := s.registry.sessions[duelID]; ok {
		return sess, nil
	}

	if d.Status == domain.StatusInProgress {
		// A session in progress with no in-memory play state means the
		// process restarted mid-duel. The session serves join/sync so
		// clients see a consistent terminal-less state, but play cannot
		// resume.
		slog.WarnContext(ctx, "duel: hydrated in-progress duel without play state", "duel", duelID)
	}

	sess := newSession(s, d)
	s.registry.sessions[duelID] = sess
	s.registry.playerDuel[d.CreatorID] = duelID
	if d.OpponentID != "" {
		s.registry.playerDuel[d.OpponentID] = duelID
	}
	telemetry.LiveSessions.Inc()

	return sess, nil
}

// byPlayer resolves a player's active session through the reverse index.
func (r *registry) byPlayer(playerID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	duelID, ok := r.playerDuel[playerID]
	if !ok {
		return nil
	}
	return r.sessions[duelID]
}

// indexPlayer binds a player to a duel in the reverse index. Called when an
// invite duel's opponent slot is claimed.
func (r *registry) indexPlayer(playerID, duelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.playerDuel[playerID] = duelID
}

// release removes a finished session and its player mappings. Player ids are
// read before taking the registry lock so the session lock always comes
// first, matching the order used when an opponent slot is claimed.
func (r *registry) release(sess *Session) {
	ids := sess.playerIDs()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sess.id]; !ok {
		return
	}

	delete(r.sessions, sess.id)
	for _, playerID := range ids {
		if r.playerDuel[playerID] == sess.id {
			delete(r.playerDuel, playerID)
		}
	}
	telemetry.LiveSessions.Dec()
}

func (r *registry) all() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}
