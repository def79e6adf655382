package node

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"partyline/internal/config"
	"partyline/internal/directory"
	"partyline/internal/wire"
)

// reapReason is the close reason for sessions whose account left the roster.
const reapReason = "not in same server"

// runTask loops one maintenance task forever, re-reading its interval from
// live configuration on every iteration. A closed node ends the task quietly;
// a closed transport under a live node is unrecoverable and fatal, because
// these tasks are the only thing keeping the directory and session set
// consistent.
func (n *Node) runTask(name string, interval func(config.Config) time.Duration, task func()) {
	defer n.wg.Done()
	for {
		d := interval(n.cfg.Snapshot())
		if d <= 0 {
			d = time.Second
		}
		select {
		case <-n.done:
			return
		case <-time.After(d):
		}
		if n.transport.IsClosed() {
			select {
			case <-n.done:
				return
			default:
			}
			n.fatal(name)
			return
		}
		task()
	}
}

// syncDirectory snapshots every live session and folds the authenticated ones
// into the peer directory, then persists it.
func (n *Node) syncDirectory() {
	sessions := n.transport.Sessions()
	snapshots := make([]directory.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		name, _ := s.Context().RemoteName()
		snapshots = append(snapshots, directory.Snapshot{
			Closed:     s.IsClosed(),
			RemoteName: name,
			Address:    s.PeerAddrToken(),
		})
	}
	n.dir.Reconcile(snapshots)
	if err := n.dir.Save(); err != nil {
		n.log.Warn().Err(err).Msg("directory save failed")
	}
}

// reapSessions closes every authenticated session whose account no longer
// appears in the roster. The directory entry stays; only sync updates it.
func (n *Node) reapSessions() {
	names := map[string]bool{}
	if n.rost != nil {
		for _, name := range n.rost.Names() {
			names[name] = true
		}
	}
	for _, s := range n.authenticatedSessions() {
		name, ok := s.Context().RemoteName()
		if !ok || names[name] {
			continue
		}
		n.log.Info().Str("account", name).Msg("closing session, account left the roster")
		s.Close(reapReason)
	}
}

// autoConnect dials every roster member that is known to the directory but
// not currently connected. Attempts run independently and failures are
// swallowed per candidate; repeated failures back off exponentially.
func (n *Node) autoConnect() {
	if n.rost == nil {
		return
	}
	for _, name := range n.rost.Names() {
		if name == n.opts.AccountName || n.connectedTo(name) {
			continue
		}
		entry, ok := n.dir.Get(name)
		if !ok || entry.Address == "" {
			continue
		}
		if !n.dialAllowed(name) {
			continue
		}
		go n.dial(name, entry.Address)
	}
}

func (n *Node) dial(name, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := n.connectToken(ctx, token); err != nil {
		n.log.Debug().Err(err).Str("account", name).Msg("auto connect failed")
		n.recordDialFailure(name)
		return
	}
	n.clearDialState(name)
}

// announcePeers sends the local peer-exchange offer to every authenticated
// session. Replies come back through the dispatch registry. One offer is
// built per pass; a send failure never aborts the rest of the batch.
func (n *Node) announcePeers() {
	sessions := n.authenticatedSessions()
	if len(sessions) == 0 {
		return
	}
	env, err := wire.NewEnvelope(wire.TypePexRequest, wire.PeerExchange{Candidates: n.Candidates()})
	if err != nil {
		n.log.Warn().Err(err).Msg("could not encode peer exchange")
		return
	}
	for _, s := range sessions {
		if err := s.Notify(env); err != nil {
			n.log.Debug().Err(err).Str("peer", s.DisplayName()).Msg("peer exchange send failed")
		}
	}
}

// dialState tracks consecutive dial failures toward one account.
type dialState struct {
	backoff   *backoff.ExponentialBackOff
	notBefore time.Time
}

func newDialState() *dialState {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 15 * time.Second
	b.MaxInterval = 5 * time.Minute
	return &dialState{backoff: b}
}

func (n *Node) dialAllowed(name string) bool {
	n.dialMu.Lock()
	defer n.dialMu.Unlock()
	state, ok := n.dials[name]
	if !ok {
		return true
	}
	return !time.Now().Before(state.notBefore)
}

func (n *Node) recordDialFailure(name string) {
	n.dialMu.Lock()
	defer n.dialMu.Unlock()
	state, ok := n.dials[name]
	if !ok {
		state = newDialState()
		n.dials[name] = state
	}
	state.notBefore = time.Now().Add(state.backoff.NextBackOff())
}

func (n *Node) clearDialState(name string) {
	n.dialMu.Lock()
	defer n.dialMu.Unlock()
	delete(n.dials, name)
}
