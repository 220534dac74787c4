package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"quantbt/internal/domain"
)

// Compile-time interface check.
var _ OrderStore = (*BadgerStore)(nil)

const badgerOrderPrefix = "order/"

// BadgerStore implements OrderStore on an embedded Badger key-value store.
// Orders are stored as JSON under "order/<id>".
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions configures OpenBadgerStore.
type BadgerOptions struct {
	Dir string
	// InMemory keeps all data in memory; Dir is ignored.
	InMemory bool
}

// OpenBadgerStore opens (or creates) a Badger database.
func OpenBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("badger store: dir is required")
	}
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger %s: %w", opts.Dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func orderKey(id string) []byte { return []byte(badgerOrderPrefix + id) }

// SaveOrder writes the order as JSON.
func (s *BadgerStore) SaveOrder(_ context.Context, o *domain.Order) (string, error) {
	val, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encoding order %s: %w", o.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(orderKey(o.ID), val)
	})
	if err != nil {
		return "", fmt.Errorf("saving order %s: %w: %v", o.ID, ErrStorage, err)
	}
	return o.ID, nil
}

// BatchUpdateStatus applies all updates in one read-write transaction.
// Updates for unknown orders fail the whole batch.
func (s *BadgerStore) BatchUpdateStatus(_ context.Context, updates []StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, u := range updates {
			o, err := getOrderTxn(txn, u.OrderID)
			if err != nil {
				return err
			}
			o.Status = u.Status
			o.FilledQty = u.FilledQty
			o.FilledAvgPrice = u.FilledAvgPrice
			o.RejectReason = u.RejectReason
			o.UpdatedAt = u.UpdatedAt
			val, err := json.Marshal(o)
			if err != nil {
				return err
			}
			if err := txn.Set(orderKey(o.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("status batch: %w: %v", ErrStorage, err)
	}
	return nil
}

func getOrderTxn(txn *badger.Txn, id string) (*domain.Order, error) {
	item, err := txn.Get(orderKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var o domain.Order
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder retrieves a single order by its ID.
func (s *BadgerStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	var out *domain.Order
	err := s.db.View(func(txn *badger.Txn) error {
		o, err := getOrderTxn(txn, id)
		out = o
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w: %v", id, ErrStorage, err)
	}
	return out, nil
}

// ListOrders scans every stored order.
func (s *BadgerStore) ListOrders(_ context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	var out []domain.Order
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerOrderPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var o domain.Order
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &o)
			}); err != nil {
				return err
			}
			if status == "" || o.Status == status {
				out = append(out, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w: %v", ErrStorage, err)
	}
	sortOrders(out)
	return out, nil
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}
