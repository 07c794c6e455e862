package fund

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"fundvault/core/events"
	"fundvault/core/types"
	"fundvault/native/oracle"
)

const vaultSeed = "module/fund/vault"

// VaultAddress derives the module account that custodies contributed value.
// The derivation is fixed so every component (engine, RPC, tooling) agrees
// on the vault without coordination.
func VaultAddress() [20]byte {
	hash := ethcrypto.Keccak256([]byte(vaultSeed))
	var addr [20]byte
	copy(addr[:], hash[len(hash)-20:])
	return addr
}

type ledgerState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	FundAmount(addr [20]byte) (*big.Int, error)
	SetFundAmount(addr [20]byte, amount *big.Int) error
	FundRoster() ([][20]byte, error)
	AppendFunder(addr [20]byte) error
	SetFundRoster(entries [][20]byte) error
}

// Contribution reports an accepted contribution back to the caller.
type Contribution struct {
	Funder   [20]byte
	Amount   *big.Int
	USDValue *big.Int
	Receipt  [32]byte
}

// Withdrawal reports a completed withdrawal back to the caller.
type Withdrawal struct {
	To      [20]byte
	Amount  *big.Int
	Funders uint64
	Receipt [32]byte
}

// Engine implements the contribution ledger: it values contributions through
// the bound price client, enforces the minimum, custodies value in the vault
// account and lets the owner drain it. Operations are all-or-nothing; the
// node serialises calls, so the engine itself carries no locking.
type Engine struct {
	state    ledgerState
	pricer   *oracle.Client
	transfer ValueTransfer
	emitter  events.Emitter
	owner    [20]byte
	vault    [20]byte
	minimum  *big.Int
	nowFn    func() int64
}

// NewEngine creates a fund engine with a no-op emitter. The minimum is the
// smallest acceptable contribution value in reference units; configuration
// loading guarantees it is positive before an engine is ever built.
func NewEngine(owner [20]byte, minimum *big.Int) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		owner:   owner,
		vault:   VaultAddress(),
		minimum: cloneBigInt(minimum),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state ledgerState) { e.state = state }

// SetPricer configures the oracle client used to value contributions.
func (e *Engine) SetPricer(pricer *oracle.Client) { e.pricer = pricer }

// SetTransfer overrides the value-transfer capability. Passing nil restores
// the account-backed default.
func (e *Engine) SetTransfer(transfer ValueTransfer) { e.transfer = transfer }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) transferValue(from, to [20]byte, amount *big.Int) error {
	if e.transfer != nil {
		return e.transfer.Transfer(from, to, amount)
	}
	return accountTransfer{state: e.state}.Transfer(from, to, amount)
}

// Contribute values amount through the bound feed, enforces the minimum and
// moves the value into the vault. The threshold check runs before anything
// moves: a rejected contribution leaves accounts, roster and amounts exactly
// as they were. Valuation errors, including overflow, surface unchanged.
func (e *Engine) Contribute(caller [20]byte, amount *big.Int) (*Contribution, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.pricer == nil {
		return nil, errNilPricer
	}
	amt := cloneBigInt(amount)
	usd, err := e.pricer.Convert(amt)
	if err != nil {
		return nil, err
	}
	if usd.Cmp(e.minimum) < 0 {
		return nil, fmt.Errorf("%w: value %s under minimum %s", ErrBelowMinimum, usd, e.minimum)
	}
	if err := e.transferValue(caller, e.vault, amt); err != nil {
		return nil, fmt.Errorf("fund: intake transfer: %w", err)
	}
	total, err := e.state.FundAmount(caller)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetFundAmount(caller, new(big.Int).Add(total, amt)); err != nil {
		return nil, err
	}
	roster, err := e.state.FundRoster()
	if err != nil {
		return nil, err
	}
	if err := e.state.AppendFunder(caller); err != nil {
		return nil, err
	}

	receipt := receiptID("fund.contribute", caller, []*big.Int{amt, usd}, uint64(len(roster)), e.now())
	e.emit(events.ContributionRecorded{
		Funder:   caller,
		Amount:   cloneBigInt(amt),
		USDValue: cloneBigInt(usd),
		Receipt:  receipt,
	})
	return &Contribution{Funder: caller, Amount: amt, USDValue: usd, Receipt: receipt}, nil
}

// Withdraw releases amount from the vault to the owner after resetting the
// per-funder bookkeeping. Reset and release form one transaction: if the
// transfer channel rejects the release, the roster and every amount record
// are restored from a snapshot taken before the reset, and the failure
// reports the same kind as the balance guard with the rejection as cause.
func (e *Engine) Withdraw(caller [20]byte, amount *big.Int) (*Withdrawal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if caller != e.owner {
		return nil, ErrNotOwner
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return nil, fmt.Errorf("fund: withdrawal amount must not be negative")
	}
	held, err := e.HeldValue()
	if err != nil {
		return nil, err
	}
	if amt.Cmp(held) > 0 {
		return nil, fmt.Errorf("%w: requested %s, held %s", ErrInsufficientBalance, amt, held)
	}

	roster, err := e.state.FundRoster()
	if err != nil {
		return nil, err
	}
	snapshot := make(map[[20]byte]*big.Int, len(roster))
	for _, funder := range roster {
		if _, ok := snapshot[funder]; ok {
			continue
		}
		recorded, err := e.state.FundAmount(funder)
		if err != nil {
			return nil, err
		}
		snapshot[funder] = recorded
	}

	for funder := range snapshot {
		if err := e.state.SetFundAmount(funder, big.NewInt(0)); err != nil {
			return nil, err
		}
	}
	if err := e.state.SetFundRoster(nil); err != nil {
		return nil, err
	}

	if err := e.transferValue(e.vault, e.owner, amt); err != nil {
		for funder, recorded := range snapshot {
			if restoreErr := e.state.SetFundAmount(funder, recorded); restoreErr != nil {
				return nil, fmt.Errorf("fund: restore after rejected release: %v (release: %w)", restoreErr, err)
			}
		}
		if restoreErr := e.state.SetFundRoster(roster); restoreErr != nil {
			return nil, fmt.Errorf("fund: restore after rejected release: %v (release: %w)", restoreErr, err)
		}
		return nil, fmt.Errorf("%w: release rejected: %v", ErrInsufficientBalance, err)
	}

	receipt := receiptID("fund.withdraw", e.owner, []*big.Int{amt}, uint64(len(roster)), e.now())
	e.emit(events.FundsWithdrawn{
		To:      e.owner,
		Amount:  cloneBigInt(amt),
		Funders: uint64(len(roster)),
		Receipt: receipt,
	})
	return &Withdrawal{To: e.owner, Amount: amt, Funders: uint64(len(roster)), Receipt: receipt}, nil
}

// WithdrawAll drains the full held value. It preserves the classic
// no-argument call shape on top of the parameterised Withdraw.
func (e *Engine) WithdrawAll(caller [20]byte) (*Withdrawal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if caller != e.owner {
		return nil, ErrNotOwner
	}
	held, err := e.HeldValue()
	if err != nil {
		return nil, err
	}
	return e.Withdraw(caller, held)
}

// UpdateOracle rebinds the price client. Only the owner may rotate, and the
// replacement must carry a usable feed; subsequent contributions are valued
// through the new binding.
func (e *Engine) UpdateOracle(caller [20]byte, client *oracle.Client) error {
	if e == nil {
		return errNilState
	}
	if caller != e.owner {
		return ErrNotOwner
	}
	if client == nil || client.Feed() == nil || strings.TrimSpace(client.FeedAddress()) == "" {
		return ErrInvalidOracle
	}
	previous := ""
	if e.pricer != nil {
		previous = e.pricer.FeedAddress()
	}
	e.pricer = client
	version, err := client.Version()
	if err != nil {
		// The binding is already live; version is diagnostic only.
		version = 0
	}
	e.emit(events.OracleUpdated{Previous: previous, Next: client.FeedAddress(), Version: version})
	return nil
}

// AmountFunded returns the cumulative contributed amount for the address;
// addresses that never contributed (or were reset) report zero.
func (e *Engine) AmountFunded(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.FundAmount(addr)
}

// FunderAt returns the roster entry at index.
func (e *Engine) FunderAt(index int) ([20]byte, error) {
	var zero [20]byte
	if e == nil || e.state == nil {
		return zero, errNilState
	}
	roster, err := e.state.FundRoster()
	if err != nil {
		return zero, err
	}
	if index < 0 || index >= len(roster) {
		return zero, fmt.Errorf("%w: index %d, roster length %d", ErrIndexOutOfRange, index, len(roster))
	}
	return roster[index], nil
}

// FunderCount returns the roster length, duplicates included.
func (e *Engine) FunderCount() (int, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	roster, err := e.state.FundRoster()
	if err != nil {
		return 0, err
	}
	return len(roster), nil
}

// Owner returns the privileged withdrawal address.
func (e *Engine) Owner() [20]byte {
	if e == nil {
		return [20]byte{}
	}
	return e.owner
}

// Vault returns the module account custodying contributed value.
func (e *Engine) Vault() [20]byte {
	if e == nil {
		return [20]byte{}
	}
	return e.vault
}

// Minimum returns the configured minimum contribution value in reference
// units.
func (e *Engine) Minimum() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	return cloneBigInt(e.minimum)
}

// HeldValue returns the vault account balance.
func (e *Engine) HeldValue() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	account, err := e.state.GetAccount(e.vault[:])
	if err != nil {
		return nil, err
	}
	return cloneBigInt(account.Balance), nil
}

// OracleAddress reports the bound feed's address, empty when unbound.
func (e *Engine) OracleAddress() string {
	if e == nil || e.pricer == nil {
		return ""
	}
	return e.pricer.FeedAddress()
}

// OracleVersion reports the bound feed's version.
func (e *Engine) OracleVersion() (uint64, error) {
	if e == nil || e.pricer == nil {
		return 0, errNilPricer
	}
	return e.pricer.Version()
}
