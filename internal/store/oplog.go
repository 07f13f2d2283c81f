package store

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// prefixOp is the operation log keyspace. Keys are zero-padded ids so the
// log iterates in sequence order.
const prefixOp = "oplog/"

// OpType names a replicated operation kind.
type OpType string

const (
	OpInsertMessage  OpType = "message"
	OpCreateAccount  OpType = "account"
	OpDeleteMessages OpType = "delete_messages"
	OpDeleteAccount  OpType = "delete_account"
	OpMarkRead       OpType = "mark_read"
	// OpNoop holds the slot of a purged message so the log stays contiguous
	// without retaining deleted content.
	OpNoop OpType = "noop"
)

// Op is one entry in the operation log. Every replicated mutation, message
// or otherwise, occupies one id in a single monotonic sequence; the log is
// what follower catch-up replays and what the voting rules compare.
type Op struct {
	ID         int64    `json:"id"`
	Term       int64    `json:"term"`
	Type       OpType   `json:"type"`
	Message    *Message `json:"message,omitempty"`
	Account    *Account `json:"account,omitempty"`
	MessageIDs []int64  `json:"message_ids,omitempty"`
	Username   string   `json:"username,omitempty"`
}

func opKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOp, id))
}

func setOpTxn(txn *badger.Txn, op Op) error {
	val, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return txn.Set(opKey(op.ID), val)
}

// ApplyOp performs one replicated operation and records it in the operation
// log, in a single transaction. Re-applying an id is idempotent: the domain
// effect repeats harmlessly and the log entry is overwritten in place, which
// also covers a leader reusing an id whose first occupant never committed.
func (s *Store) ApplyOp(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		switch op.Type {
		case OpInsertMessage:
			if op.Message == nil {
				return fmt.Errorf("message op %d has no body", op.ID)
			}
			if err := insertMessageTxn(txn, *op.Message); err != nil {
				return err
			}
		case OpCreateAccount:
			if op.Account == nil {
				return fmt.Errorf("account op %d has no body", op.ID)
			}
			if err := createAccountTxn(txn, *op.Account); err != nil && !errors.Is(err, ErrUsernameTaken) {
				return err
			}
		case OpDeleteMessages:
			if _, err := deleteMessagesTxn(txn, op.MessageIDs, op.Username); err != nil {
				return err
			}
		case OpDeleteAccount:
			if err := deleteAccountTxn(txn, op.Username); err != nil && !errors.Is(err, ErrNoSuchUser) {
				return err
			}
		case OpMarkRead:
			if err := markReadTxn(txn, op.MessageIDs, op.Username); err != nil {
				return err
			}
		case OpNoop:
		default:
			return fmt.Errorf("unknown op type %q", op.Type)
		}
		return setOpTxn(txn, op)
	})
}

// RollbackOp undoes a tentative message append that failed to reach a
// majority: the log entry and the message record go together.
func (s *Store) RollbackOp(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		if err := removeMessageTxn(txn, id); err != nil {
			return err
		}
		return txn.Delete(opKey(id))
	})
}

// OpByID fetches one log entry; the second return reports whether it exists.
func (s *Store) OpByID(id int64) (Op, bool, error) {
	var op Op
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(opKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &op) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Op{}, false, nil
	}
	if err != nil {
		return Op{}, false, err
	}
	return op, true, nil
}

// HighestOp returns the id and term of the newest log entry, or zeros when
// the log is empty.
func (s *Store) HighestOp() (int64, int64, error) {
	var id, term int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek([]byte(prefixOp + "~"))
		if it.ValidForPrefix([]byte(prefixOp)) {
			var op Op
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &op) })
			if err != nil {
				return err
			}
			id, term = op.ID, op.Term
		}
		return nil
	})
	return id, term, err
}

// scrubOpTxn blanks the log entry of a purged message so replay cannot
// resurrect deleted content. The id keeps its slot in the sequence.
func scrubOpTxn(txn *badger.Txn, id int64) error {
	item, err := txn.Get(opKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var op Op
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &op) }); err != nil {
		return err
	}
	if op.Type != OpInsertMessage {
		return nil
	}
	return setOpTxn(txn, Op{ID: op.ID, Term: op.Term, Type: OpNoop})
}

// putOp writes a raw log entry without replaying its effect. Snapshot
// loading uses it: the domain records arrive in the same snapshot.
func (s *Store) putOp(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return setOpTxn(txn, op)
	})
}

// forEachOp walks the operation log in id order.
func forEachOp(txn *badger.Txn, fn func(Op) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixOp)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var op Op
		err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &op) })
		if err != nil {
			return err
		}
		if err := fn(op); err != nil {
			return err
		}
	}
	return nil
}
