package lending

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"lendguard/crypto"
	nativelending "lendguard/native/lending"
	"lendguard/storage"
)

const recordVersion uint8 = 1

var (
	marketRecordPrefix     = []byte("lending/market/")
	reserveRecordPrefix    = []byte("lending/reserve/")
	obligationRecordPrefix = []byte("lending/obligation/")
)

func recordKey(prefix []byte, addr crypto.Address) []byte {
	buf := make([]byte, len(prefix)+len(addr))
	copy(buf, prefix)
	copy(buf[len(prefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

type storedMarket struct {
	Version uint8
	Market  nativelending.LendingMarket
}

type storedReserve struct {
	Version uint8
	Reserve nativelending.Reserve
}

type storedObligation struct {
	Version    uint8
	Obligation nativelending.Obligation
}

// Store persists lending markets, reserves and obligations as RLP records in
// a key-value database. Every Commit is a single database batch.
type Store struct {
	db storage.Database
}

// NewStore wraps db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// GetLendingMarket returns nil when the market does not exist.
func (s *Store) GetLendingMarket(addr crypto.Address) (*nativelending.LendingMarket, error) {
	var record storedMarket
	found, err := s.load(recordKey(marketRecordPrefix, addr), &record)
	if err != nil || !found {
		return nil, err
	}
	if record.Version != recordVersion {
		return nil, fmt.Errorf("lending store: market %s has record version %d", addr, record.Version)
	}
	return &record.Market, nil
}

// GetReserve returns nil when the reserve does not exist.
func (s *Store) GetReserve(addr crypto.Address) (*nativelending.Reserve, error) {
	var record storedReserve
	found, err := s.load(recordKey(reserveRecordPrefix, addr), &record)
	if err != nil || !found {
		return nil, err
	}
	if record.Version != recordVersion {
		return nil, fmt.Errorf("lending store: reserve %s has record version %d", addr.Encode(crypto.ReservePrefix), record.Version)
	}
	return &record.Reserve, nil
}

// GetObligation returns nil when the obligation does not exist.
func (s *Store) GetObligation(addr crypto.Address) (*nativelending.Obligation, error) {
	var record storedObligation
	found, err := s.load(recordKey(obligationRecordPrefix, addr), &record)
	if err != nil || !found {
		return nil, err
	}
	if record.Version != recordVersion {
		return nil, fmt.Errorf("lending store: obligation %s has record version %d", addr, record.Version)
	}
	return &record.Obligation, nil
}

// Commit writes the change set in one batch.
func (s *Store) Commit(changes nativelending.Changes) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("lending store: database not configured")
	}
	var batch storage.Batch
	for _, market := range changes.Markets {
		if err := put(&batch, recordKey(marketRecordPrefix, market.Address), storedMarket{Version: recordVersion, Market: *market}); err != nil {
			return err
		}
	}
	for _, reserve := range changes.Reserves {
		if err := put(&batch, recordKey(reserveRecordPrefix, reserve.Address), storedReserve{Version: recordVersion, Reserve: *reserve}); err != nil {
			return err
		}
	}
	for _, obligation := range changes.Obligations {
		if err := put(&batch, recordKey(obligationRecordPrefix, obligation.Address), storedObligation{Version: recordVersion, Obligation: *obligation}); err != nil {
			return err
		}
	}
	if err := s.db.Write(&batch); err != nil {
		return fmt.Errorf("lending store: commit: %w", err)
	}
	return nil
}

func put(batch *storage.Batch, key []byte, record interface{}) error {
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return fmt.Errorf("lending store: encode: %w", err)
	}
	batch.Put(key, encoded)
	return nil
}

func (s *Store) load(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("lending store: database not configured")
	}
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lending store: read: %w", err)
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("lending store: decode: %w", err)
	}
	return true, nil
}
