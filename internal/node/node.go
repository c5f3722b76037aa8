// Package node wires the IPPAN components and manages their lifecycle.
package node

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/dmrl789/ippan/internal/config"
	"github.com/dmrl789/ippan/pkg/consensus"
	"github.com/dmrl789/ippan/pkg/emission"
	"github.com/dmrl789/ippan/pkg/hashtimer"
	"github.com/dmrl789/ippan/pkg/mempool"
	"github.com/dmrl789/ippan/pkg/network"
	"github.com/dmrl789/ippan/pkg/rpc"
	"github.com/dmrl789/ippan/pkg/storage"
	"github.com/dmrl789/ippan/pkg/types"
	"github.com/dmrl789/ippan/pkg/validator"
)

// Version is the node release string.
const Version = "v0.9.0"

// Node owns every component of a running IPPAN instance.
type Node struct {
	cfg *config.Config
	log *zap.Logger

	store    storage.Store
	clock    *hashtimer.Clock
	hub      *network.Hub
	pool     *mempool.Pool
	registry *validator.Registry
	tracker  *emission.Tracker
	manager  *consensus.Manager
	server   *rpc.Server
	metrics  *prometheus.Registry

	priv ed25519.PrivateKey
	addr types.Address

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New builds a node from configuration and the validator signing key.
func New(cfg *config.Config, priv ed25519.PrivateKey, log *zap.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("node key is not ed25519")
	}
	addr, err := types.AddressFromPubKey(pub)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	switch cfg.Storage.Backend {
	case "memory":
		store = storage.NewMemStore()
	default:
		store, err = storage.OpenLevel(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
	}

	emissionParams, err := cfg.EmissionParams()
	if err != nil {
		return nil, err
	}
	validatorParams, err := cfg.ValidatorParams()
	if err != nil {
		return nil, err
	}

	clock := hashtimer.NewClock()
	hub := network.NewHub(log)
	pool := mempool.New(cfg.MempoolParams(), accountReader{store}, clock, log)
	registry := validator.NewRegistry(validatorParams)
	tracker := emission.NewTracker(emissionParams, cfg.Emission.AuditInterval)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	var consensusMetrics *consensus.Metrics
	if cfg.Metrics.Enabled {
		consensusMetrics = consensus.NewMetrics(reg)
	}

	managerCfg := consensus.Config{
		NodeID:        cfg.Node.ID,
		NodeAddress:   addr,
		PrivateKey:    priv,
		RoundInterval: cfg.Consensus.RoundInterval.Std(),
		Timeouts: consensus.Timeouts{
			Proposal:     cfg.Consensus.ProposalTimeout.Std(),
			Validation:   cfg.Consensus.ValidationTimeout.Std(),
			Finalization: cfg.Consensus.FinalizationTimeout.Std(),
			MaxRound:     cfg.Consensus.MaxRoundDuration.Std(),
		},
		MinVotesFloor: cfg.Consensus.MinVotesFloor,
		DrainMaxN:     cfg.Consensus.DrainMaxN,
		DrainMaxBytes: cfg.Consensus.DrainMaxBytes,
	}
	manager := consensus.NewManager(managerCfg, registry, pool, tracker, store, hub, clock, log, consensusMetrics)

	var metricsReg *prometheus.Registry
	if cfg.Metrics.Enabled {
		metricsReg = reg
	}
	server := rpc.NewServer(cfg.RPCParams(), &rpc.Backend{
		NodeID:    cfg.Node.ID,
		Version:   Version,
		Store:     store,
		Pool:      pool,
		Registry:  registry,
		Tracker:   tracker,
		Consensus: manager,
		Broadcast: hub,
	}, metricsReg, log)

	return &Node{
		cfg:      cfg,
		log:      log.Named("node"),
		store:    store,
		clock:    clock,
		hub:      hub,
		pool:     pool,
		registry: registry,
		tracker:  tracker,
		manager:  manager,
		server:   server,
		metrics:  reg,
		priv:     priv,
		addr:     addr,
	}, nil
}

// Start brings the components up in dependency order.
func (n *Node) Start(ctx context.Context) error {
	if n.running {
		return fmt.Errorf("node is already running")
	}
	n.ctx, n.cancel = context.WithCancel(ctx)

	if err := n.applyGenesis(); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if err := n.registerSelf(); err != nil {
		return fmt.Errorf("register validator: %w", err)
	}

	n.startTxIngest()

	if err := n.manager.Start(n.ctx); err != nil {
		return fmt.Errorf("start consensus: %w", err)
	}
	if err := n.server.Start(); err != nil {
		return fmt.Errorf("start rpc: %w", err)
	}

	n.running = true
	n.log.Info("node started",
		zap.String("id", n.cfg.Node.ID),
		zap.String("address", n.addr.Hex()),
		zap.String("rpc", n.cfg.RPC.ListenAddr))
	return nil
}

// Stop shuts components down in reverse order.
func (n *Node) Stop() error {
	if !n.running {
		return nil
	}
	n.cancel()

	if err := n.server.Stop(); err != nil {
		n.log.Warn("rpc stop", zap.Error(err))
	}
	if err := n.manager.Stop(); err != nil {
		n.log.Warn("consensus stop", zap.Error(err))
	}
	n.hub.Close()
	n.wg.Wait()
	if err := n.store.Close(); err != nil {
		n.log.Warn("store close", zap.Error(err))
	}

	n.running = false
	n.log.Info("node stopped")
	return nil
}

// Address returns the node's validator address.
func (n *Node) Address() types.Address { return n.addr }

// RPCAddr returns the bound RPC listener address.
func (n *Node) RPCAddr() string {
	if addr := n.server.Addr(); addr != nil {
		return addr.String()
	}
	return n.cfg.RPC.ListenAddr
}

// applyGenesis funds the configured allocations on an empty chain.
func (n *Node) applyGenesis() error {
	height, err := n.store.LatestHeight()
	if err != nil || height > 0 {
		return err
	}
	for _, alloc := range n.cfg.Genesis {
		addr, err := types.ParseAddress(alloc.Address)
		if err != nil {
			return err
		}
		balance, err := types.AmountFromDecimal(alloc.Balance)
		if err != nil {
			return err
		}
		account := types.NewAccount(addr)
		account.Balance = balance
		if err := n.store.PutAccount(account); err != nil {
			return err
		}
		n.log.Info("genesis allocation",
			zap.String("address", addr.Hex()),
			zap.String("balance", balance.Decimal()))
	}
	return nil
}

// registerSelf enrolls this node in the validator registry at minimum stake.
func (n *Node) registerSelf() error {
	v := validator.NewValidator(n.cfg.Node.ID, n.addr, n.cfg.Consensus.MinStake)
	if err := n.registry.Register(v); err != nil && !errors.Is(err, validator.ErrAlreadyRegistered) {
		return err
	}
	return nil
}

// startTxIngest feeds gossiped transactions into the mempool. Duplicates and
// invalid submissions are dropped; gossip is best-effort.
func (n *Node) startTxIngest() {
	txCh := make(chan *types.Transaction, 256)
	sub := n.hub.SubscribeTxs(txCh)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-n.ctx.Done():
				return
			case tx := <-txCh:
				if err := n.pool.Admit(tx); err != nil &&
					!errors.Is(err, mempool.ErrDuplicateTransaction) &&
					!errors.Is(err, mempool.ErrNonceReused) {
					n.log.Debug("gossiped tx rejected", zap.Error(err))
				}
			case <-sub.Err():
				return
			}
		}
	}()
}

// accountReader adapts storage.Store to the mempool's reader.
type accountReader struct{ store storage.Store }

func (r accountReader) GetAccount(addr types.Address) (*types.Account, error) {
	account, err := r.store.GetAccount(addr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return account, err
}
