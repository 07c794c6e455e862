package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"fundvault/core/events"
	"fundvault/core/genesis"
	"fundvault/core/state"
	"fundvault/core/types"
	"fundvault/crypto"
	"fundvault/native/fund"
	"fundvault/native/oracle"
	"fundvault/observability"
	"fundvault/storage"
)

var (
	// ErrFundNotInitialised is returned when the data directory holds no
	// fund metadata, which means genesis was never applied.
	ErrFundNotInitialised = errors.New("fund vault not initialised")
	// ErrGenesisMismatch is returned when the configured genesis differs
	// from the fingerprint pinned in the data directory.
	ErrGenesisMismatch = errors.New("genesis does not match pinned fingerprint")
)

// Node is the central controller. It owns the state manager and runs every
// ledger operation under a single mutex: one operation per overlay cycle, so
// a failed operation is discarded without touching the store and its events
// are never published.
type Node struct {
	db          storage.Database
	state       *state.Manager
	recorder    *events.Recorder
	networkName string
	genesisHash [32]byte
	httpClient  oracle.HTTPDoer
	nowFn       func() int64
	stateMu     sync.Mutex
}

// NewNode opens (or initialises) a fund vault over the provided database. A
// fresh data directory has the genesis spec applied and its fingerprint
// pinned; a reopened one is verified against the pin and refused on mismatch.
func NewNode(db storage.Database, spec *genesis.GenesisSpec) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}
	if spec == nil {
		return nil, fmt.Errorf("core: genesis spec must not be nil")
	}
	fingerprint, err := spec.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("core: genesis spec: %w", err)
	}

	manager := state.NewManager(db)
	node := &Node{
		db:          db,
		state:       manager,
		recorder:    events.NewRecorder(0),
		networkName: spec.NetworkName,
		genesisHash: fingerprint,
	}

	pinned, ok, err := manager.GenesisFingerprint()
	if err != nil {
		return nil, fmt.Errorf("core: load genesis fingerprint: %w", err)
	}
	owner := spec.OwnerAddress()
	if !ok {
		if err := genesis.ApplyGenesisSpec(spec, manager); err != nil {
			manager.Discard()
			return nil, fmt.Errorf("core: apply genesis: %w", err)
		}
		if err := manager.SetGenesisFingerprint(fingerprint); err != nil {
			manager.Discard()
			return nil, fmt.Errorf("core: pin genesis: %w", err)
		}
		if err := manager.Commit(); err != nil {
			manager.Discard()
			return nil, fmt.Errorf("core: commit genesis: %w", err)
		}
		slog.Info("initialised fund vault",
			"network", spec.NetworkName,
			"owner", crypto.NewAddress(crypto.FundPrefix, owner[:]).String(),
			"minimumUSD", spec.MinimumAmount().String())
	} else {
		if pinned != fingerprint {
			return nil, ErrGenesisMismatch
		}
		slog.Info("reopened fund vault", "network", spec.NetworkName)
	}
	return node, nil
}

// SetHTTPClient overrides the HTTP client used when rebuilding remote price
// feeds. Call before serving requests.
func (n *Node) SetHTTPClient(client oracle.HTTPDoer) {
	if n == nil {
		return
	}
	n.httpClient = client
}

// SetNowFunc overrides the clock used for receipts and event timestamps.
func (n *Node) SetNowFunc(now func() int64) {
	if n == nil {
		return
	}
	n.nowFn = now
	if now == nil {
		n.recorder.SetNowFunc(nil)
		return
	}
	n.recorder.SetNowFunc(func() time.Time { return time.Unix(now(), 0) })
}

// bufferedEmitter collects engine events during an operation. They reach the
// recorder only after the overlay commits, so discarded operations publish
// nothing.
type bufferedEmitter struct {
	pending []events.Event
}

func (b *bufferedEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	b.pending = append(b.pending, evt)
}

func (n *Node) publish(pending []events.Event) {
	for _, evt := range pending {
		n.recorder.Emit(evt)
		observability.Events().RecordLedgerEvent(evt.EventType())
	}
}

// newLedgerEngine builds an engine over the node's state for one operation.
// The oracle client is rebuilt from the persisted binding each time, so a
// rotation committed by a previous operation is always in effect.
func (n *Node) newLedgerEngine(emitter events.Emitter) (*fund.Engine, error) {
	meta, ok, err := n.state.FundMeta()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFundNotInitialised
	}
	var owner [20]byte
	copy(owner[:], meta.Owner)

	engine := fund.NewEngine(owner, meta.Minimum)
	engine.SetState(n.state)
	engine.SetEmitter(emitter)
	if n.nowFn != nil {
		engine.SetNowFunc(n.nowFn)
	}

	binding, ok, err := n.state.OracleBinding()
	if err != nil {
		return nil, err
	}
	if ok {
		client, err := oracle.BuildClient(binding, n.httpClient)
		if err != nil {
			return nil, fmt.Errorf("core: rebind oracle: %w", err)
		}
		engine.SetPricer(client)
	}
	return engine, nil
}

// Contribute values the amount through the bound feed, enforces the floor and
// records the contribution. The overlay commits only on success.
func (n *Node) Contribute(caller [20]byte, amount *big.Int) (*fund.Contribution, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()

	buffer := &bufferedEmitter{}
	engine, err := n.newLedgerEngine(buffer)
	if err != nil {
		return nil, err
	}
	contribution, err := engine.Contribute(caller, amount)
	if err != nil {
		return nil, err
	}
	if err := n.state.Commit(); err != nil {
		return nil, fmt.Errorf("core: commit contribution: %w", err)
	}
	n.publish(buffer.pending)
	return contribution, nil
}

// Withdraw releases part of the held value to the owner and resets the
// per-funder bookkeeping.
func (n *Node) Withdraw(caller [20]byte, amount *big.Int) (*fund.Withdrawal, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()

	buffer := &bufferedEmitter{}
	engine, err := n.newLedgerEngine(buffer)
	if err != nil {
		return nil, err
	}
	withdrawal, err := engine.Withdraw(caller, amount)
	if err != nil {
		return nil, err
	}
	if err := n.state.Commit(); err != nil {
		return nil, fmt.Errorf("core: commit withdrawal: %w", err)
	}
	n.publish(buffer.pending)
	return withdrawal, nil
}

// WithdrawAll drains the vault to the owner.
func (n *Node) WithdrawAll(caller [20]byte) (*fund.Withdrawal, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()

	buffer := &bufferedEmitter{}
	engine, err := n.newLedgerEngine(buffer)
	if err != nil {
		return nil, err
	}
	withdrawal, err := engine.WithdrawAll(caller)
	if err != nil {
		return nil, err
	}
	if err := n.state.Commit(); err != nil {
		return nil, fmt.Errorf("core: commit withdrawal: %w", err)
	}
	n.publish(buffer.pending)
	return withdrawal, nil
}

// UpdateOracle rotates the price feed binding. The spec is persisted so a
// restart rebinds the same feed.
func (n *Node) UpdateOracle(caller [20]byte, spec oracle.FeedSpec) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()

	buffer := &bufferedEmitter{}
	engine, err := n.newLedgerEngine(buffer)
	if err != nil {
		return err
	}
	// Ownership is checked before the replacement binding is inspected so a
	// stranger cannot probe feed specs for validity.
	if caller != engine.Owner() {
		return fund.ErrNotOwner
	}
	client, err := oracle.BuildClient(spec, n.httpClient)
	if err != nil {
		return fmt.Errorf("%w: %v", fund.ErrInvalidOracle, err)
	}
	if err := engine.UpdateOracle(caller, client); err != nil {
		return err
	}
	if err := n.state.SetOracleBinding(spec); err != nil {
		return fmt.Errorf("core: persist oracle binding: %w", err)
	}
	if err := n.state.Commit(); err != nil {
		return fmt.Errorf("core: commit oracle update: %w", err)
	}
	n.publish(buffer.pending)
	return nil
}

// GetAccount returns the account stored under the address.
func (n *Node) GetAccount(addr []byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()
	return n.state.GetAccount(addr)
}

// AmountFunded reports the cumulative amount recorded for the address.
func (n *Node) AmountFunded(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()
	return n.state.FundAmount(addr)
}

// Funders returns the ordered roster, duplicates included.
func (n *Node) Funders() ([][20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()
	return n.state.FundRoster()
}

// FunderAt returns the roster entry at the index.
func (n *Node) FunderAt(index int) ([20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()

	engine, err := n.newLedgerEngine(events.NoopEmitter{})
	if err != nil {
		return [20]byte{}, err
	}
	return engine.FunderAt(index)
}

// FunderCount returns the roster length.
func (n *Node) FunderCount() (int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()

	roster, err := n.state.FundRoster()
	if err != nil {
		return 0, err
	}
	return len(roster), nil
}

// Owner returns the vault owner pinned at genesis.
func (n *Node) Owner() ([20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()

	meta, ok, err := n.state.FundMeta()
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrFundNotInitialised
	}
	var owner [20]byte
	copy(owner[:], meta.Owner)
	return owner, nil
}

// Minimum returns the contribution floor in 18-decimal USD units.
func (n *Node) Minimum() (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()

	meta, ok, err := n.state.FundMeta()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFundNotInitialised
	}
	return new(big.Int).Set(meta.Minimum), nil
}

// HeldValue returns the balance of the vault account.
func (n *Node) HeldValue() (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()

	vault := fund.VaultAddress()
	account, err := n.state.GetAccount(vault[:])
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Balance), nil
}

// VaultAddress returns the module account holding contributed value.
func (n *Node) VaultAddress() [20]byte {
	return fund.VaultAddress()
}

// OracleInfo describes the active feed binding. Version is best-effort: a
// bound but unreachable feed reports zero rather than failing the query.
type OracleInfo struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Version uint64 `json:"version"`
}

// OracleStatus reports the persisted feed binding and its live version.
func (n *Node) OracleStatus() (OracleInfo, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	defer n.state.Discard()

	binding, ok, err := n.state.OracleBinding()
	if err != nil {
		return OracleInfo{}, err
	}
	if !ok {
		return OracleInfo{}, fmt.Errorf("core: no oracle binding")
	}
	info := OracleInfo{Kind: binding.Kind, Address: binding.Endpoint}
	client, err := oracle.BuildClient(binding, n.httpClient)
	if err != nil {
		return info, nil
	}
	if version, err := client.Version(); err == nil {
		info.Version = version
	}
	return info, nil
}

// NetworkName returns the name pinned by genesis.
func (n *Node) NetworkName() string {
	return n.networkName
}

// GenesisFingerprint returns the pinned genesis digest.
func (n *Node) GenesisFingerprint() [32]byte {
	return n.genesisHash
}

// EventSequence returns the sequence of the most recently published event.
func (n *Node) EventSequence() uint64 {
	return n.recorder.Sequence()
}

// Events returns up to limit published events with sequence greater than
// since, oldest first.
func (n *Node) Events(since uint64, limit int) []types.Event {
	return n.recorder.Events(since, limit)
}

// SubscribeEvents registers a live event subscription. The returned backlog
// replays history after the cursor; the channel then carries new events until
// ctx ends or cancel is called.
func (n *Node) SubscribeEvents(ctx context.Context, since uint64) (<-chan types.Event, func(), []types.Event) {
	return n.recorder.Subscribe(ctx, since)
}
