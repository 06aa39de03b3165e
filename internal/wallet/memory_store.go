package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/pagination"
	"github.com/mbd888/ridewallet/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Mutations on one wallet are serialized by a keyed mutex; mu only guards
// the maps.
type MemoryStore struct {
	wallets   map[string]*Wallet
	byOwner   map[string]string // owner|role -> wallet id
	txs       map[string]*Transaction
	byWallet  map[string][]*Transaction
	byKey     map[IdempotencyKey]*Transaction
	reversals map[string]*Transaction // reversed tx id -> reversal
	holds     map[string]*Hold        // wallet|reference -> hold

	locks *syncutil.KeyedMutex
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*Wallet),
		byOwner:   make(map[string]string),
		txs:       make(map[string]*Transaction),
		byWallet:  make(map[string][]*Transaction),
		byKey:     make(map[IdempotencyKey]*Transaction),
		reversals: make(map[string]*Transaction),
		holds:     make(map[string]*Hold),
		locks:     syncutil.NewKeyedMutex(0),
	}
}

func ownerKey(ownerID string, role Role) string {
	return ownerID + "|" + string(role)
}

func (m *MemoryStore) CreateWallet(_ context.Context, w *Wallet) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byOwner[ownerKey(w.OwnerID, w.Role)]; ok {
		cp := *m.wallets[id]
		return &cp, nil
	}
	cp := *w
	m.wallets[w.ID] = &cp
	m.byOwner[ownerKey(w.OwnerID, w.Role)] = w.ID
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetWallet(_ context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "wallet %s not found", id)
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWalletByOwner(ctx context.Context, ownerID string, role Role) (*Wallet, error) {
	m.mu.RLock()
	id, ok := m.byOwner[ownerKey(ownerID, role)]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "no %s wallet for owner %s", role, ownerID)
	}
	return m.GetWallet(ctx, id)
}

func (m *MemoryStore) ListWallets(_ context.Context, f WalletFilter) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Wallet
	for _, w := range m.wallets {
		if f.Role != "" && w.Role != f.Role {
			continue
		}
		if f.Frozen != nil && w.IsFrozen != *f.Frozen {
			continue
		}
		if !f.Cursor.Admits(w.CreatedAt, w.ID) {
			continue
		}
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Mutate(ctx context.Context, walletID string, fn MutateFunc) (*Wallet, error) {
	unlock, err := m.locks.Lock(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := m.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	change, err := fn(ctx, w, memoryView{m})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w.UpdatedAt = time.Now()
	stored := *w
	m.wallets[walletID] = &stored

	if change.Hold != nil {
		h := *change.Hold
		m.holds[holdKey(h.WalletID, h.Reference)] = &h
	}
	if tx := change.Entry; tx != nil {
		cp := *tx
		m.txs[cp.ID] = &cp
		m.byWallet[walletID] = append(m.byWallet[walletID], &cp)
		if key, ok := cp.Key(); ok {
			m.byKey[key] = &cp
		}
		if cp.ReversesID != "" {
			m.reversals[cp.ReversesID] = &cp
		}
	}
	return w, nil
}

func holdKey(walletID, reference string) string {
	return walletID + "|" + reference
}

type memoryView struct{ m *MemoryStore }

func (v memoryView) FindHold(_ context.Context, walletID, reference string) (*Hold, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	if h, ok := v.m.holds[holdKey(walletID, reference)]; ok {
		cp := *h
		return &cp, nil
	}
	return nil, nil
}

func (v memoryView) FindByKey(_ context.Context, key IdempotencyKey) (*Transaction, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	if tx, ok := v.m.byKey[key]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, nil
}

func (v memoryView) FindReversal(_ context.Context, txID string) (*Transaction, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	if tx, ok := v.m.reversals[txID]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "transaction %s not found", id)
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, walletID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.byWallet[walletID] {
		if !cursor.Admits(tx.CreatedAt, tx.ID) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return pagination.Newer(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SumTransactions(_ context.Context, walletID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, tx := range m.byWallet[walletID] {
		sum = sum.Add(tx.Amount)
	}
	return sum, nil
}

func (m *MemoryStore) SumActiveHolds(_ context.Context, walletID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, h := range m.holds {
		if h.WalletID == walletID && h.Status == HoldActive {
			sum = sum.Add(h.Amount)
		}
	}
	return sum, nil
}
