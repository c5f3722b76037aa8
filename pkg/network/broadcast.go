// Package network implements the broadcast capability: typed gossip feeds for
// transactions, blocks, proposals and votes.
//
// The Hub is an in-process fanout over go-ethereum's event.Feed; a p2p
// transport plugs in by bridging its wire messages onto the same feeds.
// Delivery is best-effort, unordered and may duplicate; consumers dedup by id.
package network

import (
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/dmrl789/ippan/pkg/consensus"
	"github.com/dmrl789/ippan/pkg/types"
)

// Hub fans gossip out to local subscribers.
type Hub struct {
	log *zap.Logger

	txFeed       event.Feed
	blockFeed    event.Feed
	proposalFeed event.Feed
	voteFeed     event.Feed
	scope        event.SubscriptionScope
}

// NewHub creates a hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log.Named("gossip")}
}

// BroadcastTx publishes a transaction to subscribers.
func (h *Hub) BroadcastTx(tx *types.Transaction) {
	h.txFeed.Send(tx)
}

// BroadcastBlock publishes a finalized block.
func (h *Hub) BroadcastBlock(block *types.Block) {
	h.blockFeed.Send(block)
}

// BroadcastProposal publishes a round proposal.
func (h *Hub) BroadcastProposal(p *consensus.Proposal) {
	h.proposalFeed.Send(p)
}

// BroadcastVote publishes a round vote.
func (h *Hub) BroadcastVote(v *consensus.Vote) {
	h.voteFeed.Send(v)
}

// SubscribeTxs delivers gossiped transactions to ch until unsubscribed.
func (h *Hub) SubscribeTxs(ch chan<- *types.Transaction) event.Subscription {
	return h.scope.Track(h.txFeed.Subscribe(ch))
}

// SubscribeBlocks delivers finalized blocks to ch until unsubscribed.
func (h *Hub) SubscribeBlocks(ch chan<- *types.Block) event.Subscription {
	return h.scope.Track(h.blockFeed.Subscribe(ch))
}

// SubscribeProposals delivers proposals to ch until unsubscribed.
func (h *Hub) SubscribeProposals(ch chan<- *consensus.Proposal) event.Subscription {
	return h.scope.Track(h.proposalFeed.Subscribe(ch))
}

// SubscribeVotes delivers votes to ch until unsubscribed.
func (h *Hub) SubscribeVotes(ch chan<- *consensus.Vote) event.Subscription {
	return h.scope.Track(h.voteFeed.Subscribe(ch))
}

// Close terminates every subscription cleanly.
func (h *Hub) Close() {
	h.scope.Close()
}
