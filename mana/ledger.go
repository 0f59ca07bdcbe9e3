// Package mana implements the regenerating capacity-credit ledger:
// per-principal balances that accrue at a configurable rate, spent and
// credited atomically under per-account single-writer discipline, with
// state persisted through a byte-oriented KV backend and restored on
// failed mutations.
package mana

import (
	"sync"
	"time"

	"github.com/holiman/uint256"

	"icn-core/canon"
	"icn-core/dag"
	"icn-core/identity"
	"icn-core/runtimeerr"
)

// Account is the persisted state for one principal's mana balance.
type Account struct {
	Principal         identity.Principal
	Balance           *uint256.Int
	LastRegenerationTS int64
	RegenRate         *uint256.Int
	// Cap bounds lazy accrual; zero means no cap.
	Cap *uint256.Int
}

func (a *Account) clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Balance = new(uint256.Int).Set(a.Balance)
	c.RegenRate = new(uint256.Int).Set(a.RegenRate)
	if a.Cap != nil {
		c.Cap = new(uint256.Int).Set(a.Cap)
	}
	return &c
}

// wireAccount is the RLP-codec projection of Account. RLP rejects signed
// integers, so the unix timestamp persists as uint64.
type wireAccount struct {
	Principal          string
	Balance            []byte
	LastRegenerationTS uint64
	RegenRate          []byte
	Cap                []byte
}

func encodeAccount(a *Account) ([]byte, error) {
	w := wireAccount{
		Principal:          a.Principal.String(),
		Balance:            a.Balance.Bytes(),
		LastRegenerationTS: uint64(a.LastRegenerationTS),
		RegenRate:          a.RegenRate.Bytes(),
	}
	if a.Cap != nil {
		w.Cap = a.Cap.Bytes()
	}
	return canon.Bytes(w)
}

func decodeAccount(data []byte) (*Account, error) {
	var w wireAccount
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	p, err := identity.ParseDID(w.Principal)
	if err != nil {
		return nil, err
	}
	a := &Account{
		Principal:          p,
		Balance:            new(uint256.Int).SetBytes(w.Balance),
		LastRegenerationTS: int64(w.LastRegenerationTS),
		RegenRate:          new(uint256.Int).SetBytes(w.RegenRate),
	}
	if len(w.Cap) > 0 {
		a.Cap = new(uint256.Int).SetBytes(w.Cap)
	}
	return a, nil
}

func accountKey(p identity.Principal) []byte {
	return append([]byte("mana/account/"), []byte(p.String())...)
}

// Ledger is the mana ledger contract.
type Ledger interface {
	Balance(p identity.Principal) (*uint256.Int, error)
	Spend(p identity.Principal, amount *uint256.Int) error
	Credit(p identity.Principal, amount *uint256.Int) error
	CreditAll(amount *uint256.Int) error
	AllPrincipals() ([]identity.Principal, error)
}

// KVLedger is the default Ledger implementation, backed by any dag.KV
// byte store and a per-principal mutex map so concurrent spends on one
// account serialize into a total order
// while distinct accounts never block each other.
type KVLedger struct {
	kv         dag.KV
	defaultRate *uint256.Int
	defaultCap  *uint256.Int
	now         func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	principalsMu sync.Mutex
	principals   map[string]identity.Principal
}

// NewKVLedger constructs a ledger over kv, with every new account seeded at
// defaultRate regen/sec and, if non-nil, capped at defaultCap.
func NewKVLedger(kv dag.KV, defaultRate, defaultCap *uint256.Int) *KVLedger {
	return &KVLedger{
		kv:          kv,
		defaultRate: defaultRate,
		defaultCap:  defaultCap,
		now:         func() time.Time { return time.Now().UTC() },
		locks:       make(map[string]*sync.Mutex),
		principals:  make(map[string]identity.Principal),
	}
}

// SetNowFunc overrides the clock used for regeneration accrual, for
// deterministic tests.
func (l *KVLedger) SetNowFunc(now func() time.Time) {
	if now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
		return
	}
	l.now = now
}

func (l *KVLedger) lockFor(p identity.Principal) *sync.Mutex {
	key := p.String()
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

func (l *KVLedger) rememberPrincipal(p identity.Principal) {
	l.principalsMu.Lock()
	defer l.principalsMu.Unlock()
	l.principals[p.String()] = p
}

func (l *KVLedger) loadOrCreate(p identity.Principal) (*Account, error) {
	data, err := l.kv.Get(accountKey(p))
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "mana: load account", err)
	}
	if data == nil {
		rate := new(uint256.Int)
		if l.defaultRate != nil {
			rate.Set(l.defaultRate)
		}
		var capVal *uint256.Int
		if l.defaultCap != nil {
			capVal = new(uint256.Int).Set(l.defaultCap)
		}
		return &Account{
			Principal:          p,
			Balance:            new(uint256.Int),
			LastRegenerationTS: l.now().Unix(),
			RegenRate:          rate,
			Cap:                capVal,
		}, nil
	}
	return decodeAccount(data)
}

func (l *KVLedger) persist(a *Account) error {
	data, err := encodeAccount(a)
	if err != nil {
		return err
	}
	if err := l.kv.Put(accountKey(a.Principal), data); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "mana: persist account", err)
	}
	return nil
}

// accrue applies lazy regeneration up to the account's cap. The cap
// bounds regenerated growth only: a balance already at or above the cap
// (e.g. after an explicit credit) stops accruing but is never reduced.
func (l *KVLedger) accrue(a *Account) {
	now := l.now().Unix()
	elapsed := now - a.LastRegenerationTS
	if elapsed <= 0 || a.RegenRate.IsZero() {
		a.LastRegenerationTS = now
		return
	}
	delta := new(uint256.Int).Mul(a.RegenRate, uint256.NewInt(uint64(elapsed)))
	next := new(uint256.Int).Add(a.Balance, delta)
	if a.Cap != nil && !a.Cap.IsZero() && next.Cmp(a.Cap) > 0 {
		if a.Balance.Cmp(a.Cap) >= 0 {
			next = a.Balance
		} else {
			next = new(uint256.Int).Set(a.Cap)
		}
	}
	a.Balance = next
	a.LastRegenerationTS = now
}

// Balance returns p's current balance after applying any pending
// regeneration accrual, persisting the accrual so subsequent reads are
// consistent.
func (l *KVLedger) Balance(p identity.Principal) (*uint256.Int, error) {
	mu := l.lockFor(p)
	mu.Lock()
	defer mu.Unlock()
	a, err := l.loadOrCreate(p)
	if err != nil {
		return nil, err
	}
	l.accrue(a)
	if err := l.persist(a); err != nil {
		return nil, err
	}
	l.rememberPrincipal(p)
	return new(uint256.Int).Set(a.Balance), nil
}

// Spend atomically debits amount from p's balance. Fails with
// InsufficientCredit when balance < amount; the balance is never
// decremented on failure.
func (l *KVLedger) Spend(p identity.Principal, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return runtimeerr.New(runtimeerr.InvalidInput, "mana: spend amount must be positive")
	}
	mu := l.lockFor(p)
	mu.Lock()
	defer mu.Unlock()
	a, err := l.loadOrCreate(p)
	if err != nil {
		return err
	}
	l.accrue(a)
	if a.Balance.Cmp(amount) < 0 {
		// Persist the accrual even on a failed spend; only the debit
		// itself is rolled back.
		_ = l.persist(a)
		return runtimeerr.New(runtimeerr.InsufficientCredit, "mana: insufficient balance")
	}
	a.Balance = new(uint256.Int).Sub(a.Balance, amount)
	if err := l.persist(a); err != nil {
		return err
	}
	l.rememberPrincipal(p)
	return nil
}

// Credit atomically adds amount to p's balance. The regeneration cap does
// not apply here: refunds, payouts, and governance allocations credit in
// full, and a silent truncation would break conservation of credit.
func (l *KVLedger) Credit(p identity.Principal, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	mu := l.lockFor(p)
	mu.Lock()
	defer mu.Unlock()
	a, err := l.loadOrCreate(p)
	if err != nil {
		return err
	}
	l.accrue(a)
	a.Balance = new(uint256.Int).Add(a.Balance, amount)
	if err := l.persist(a); err != nil {
		return err
	}
	l.rememberPrincipal(p)
	return nil
}

// CreditAll credits amount to every known principal, e.g. a governance bulk
// adjustment.
func (l *KVLedger) CreditAll(amount *uint256.Int) error {
	principals, err := l.AllPrincipals()
	if err != nil {
		return err
	}
	for _, p := range principals {
		if err := l.Credit(p, amount); err != nil {
			return err
		}
	}
	return nil
}

// AllPrincipals returns every principal with a known account.
func (l *KVLedger) AllPrincipals() ([]identity.Principal, error) {
	l.principalsMu.Lock()
	defer l.principalsMu.Unlock()
	out := make([]identity.Principal, 0, len(l.principals))
	for _, p := range l.principals {
		out = append(out, p)
	}
	return out, nil
}
