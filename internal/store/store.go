// Package store implements the durable state behind the replication engine:
// accounts, messages, and per-message delivery/read flags, backed by Badger
// with fsync-on-commit semantics. One replicated operation maps to one
// atomic transaction; mutations keyed by operation id are idempotent so
// followers can re-apply on heartbeat-driven retry.
package store

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Keyspaces. Message keys are zero-padded so lexicographic order is id order.
const (
	prefixAccount   = "accounts/"
	prefixMessage   = "messages/"
	prefixDelivered = "delivery_flags/"
	prefixRead      = "read_flags/"
)

var (
	// ErrUsernameTaken is returned by CreateAccount for a duplicate username.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrNoSuchUser is returned when an operation references an unknown account.
	ErrNoSuchUser = errors.New("no such user")
	// ErrEmptyUsername is returned for blank usernames.
	ErrEmptyUsername = errors.New("username must not be empty")
)

// Account is the stored account record. The verifier is opaque to the
// engine; it is produced by the client's password hashing and compared
// byte-for-byte at login.
type Account struct {
	Username  string `json:"username"`
	Verifier  []byte `json:"verifier"`
	CreatedAt int64  `json:"created_at"`
}

// Message is the stored message record. Delivery and read state live in
// their own keyspaces; the per-side tombstones hide a message from the
// deleting side without destroying the other side's copy.
type Message struct {
	ID               int64  `json:"id"`
	Sender           string `json:"sender"`
	Recipient        string `json:"recipient"`
	Content          string `json:"content"`
	Timestamp        int64  `json:"timestamp"`
	SenderDeleted    bool   `json:"sender_deleted,omitempty"`
	RecipientDeleted bool   `json:"recipient_deleted,omitempty"`
}

// Store wraps the Badger database holding all chat state for one replica.
// Mutations serialize on a single mutex; the expected write volume is one
// replicated operation at a time so there is nothing to gain from finer
// locking.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger

	mu sync.Mutex
}

// Open opens (or creates) the store at <dir>/state.db. SyncWrites is on:
// every committed transaction is flushed before the call returns, which is
// the durability contract replication acks depend on.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "state.db")).
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func accountKey(username string) []byte { return []byte(prefixAccount + username) }

func messageKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixMessage, id))
}

func deliveredKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixDelivered, id))
}

func readKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixRead, id))
}

// CreateAccount stores a new account. Usernames are globally unique;
// re-creating an existing one returns ErrUsernameTaken.
func (s *Store) CreateAccount(username string, verifier []byte, createdAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return createAccountTxn(txn, Account{Username: username, Verifier: verifier, CreatedAt: createdAt})
	})
}

func createAccountTxn(txn *badger.Txn, acct Account) error {
	if acct.Username == "" {
		return ErrEmptyUsername
	}
	if _, err := txn.Get(accountKey(acct.Username)); err == nil {
		return ErrUsernameTaken
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	val, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	return txn.Set(accountKey(acct.Username), val)
}

// AccountExists reports whether the username has a committed account.
func (s *Store) AccountExists(username string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(accountKey(username))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// VerifyLogin checks the stored verifier against the presented one.
// The comparison is constant time; the verifier itself is opaque here.
func (s *Store) VerifyLogin(username string, verifier []byte) (bool, error) {
	var stored []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var acct Account
			if err := json.Unmarshal(val, &acct); err != nil {
				return err
			}
			stored = acct.Verifier
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, ErrNoSuchUser
	}
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(stored, verifier) == 1, nil
}

// DeleteAccount removes the account and cascades to every message where the
// user is sender or recipient, including the messages' flags. Deleting an
// unknown account returns ErrNoSuchUser.
func (s *Store) DeleteAccount(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return deleteAccountTxn(txn, username)
	})
}

func deleteAccountTxn(txn *badger.Txn, username string) error {
	if _, err := txn.Get(accountKey(username)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoSuchUser
		}
		return err
	}

	var doomed []int64
	if err := forEachMessage(txn, func(m Message) error {
		if m.Sender == username || m.Recipient == username {
			doomed = append(doomed, m.ID)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, id := range doomed {
		if err := purgeMessageTxn(txn, id); err != nil {
			return err
		}
	}
	return txn.Delete(accountKey(username))
}

// ListAccounts returns usernames matching the shell glob pattern, sorted,
// paged, along with the total match count. An empty pattern matches all.
func (s *Store) ListAccounts(pattern string, page, perPage int) ([]string, int, error) {
	if page < 1 || perPage < 1 {
		return nil, 0, nil
	}
	var matched []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAccount)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			name := string(it.Item().Key()[len(prefixAccount):])
			if MatchGlob(pattern, name) {
				matched = append(matched, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(matched)
	total := len(matched)
	start := (page - 1) * perPage
	if start >= total {
		return []string{}, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// InsertMessage stores a message under its replicated id. The write is an
// upsert: re-applying the same id is idempotent, and a leader reusing an
// id that never committed overwrites the stale tentative record.
func (s *Store) InsertMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return insertMessageTxn(txn, m)
	})
}

func insertMessageTxn(txn *badger.Txn, m Message) error {
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return txn.Set(messageKey(m.ID), val)
}

// MessageByID fetches one message record; the second return reports
// whether it exists.
func (s *Store) MessageByID(id int64) (Message, bool, error) {
	var m Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &m) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// RemoveMessage hard-deletes a message and its flags. Used by the leader to
// roll back a tentative write that failed to reach majority.
func (s *Store) RemoveMessage(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return removeMessageTxn(txn, id)
	})
}

func removeMessageTxn(txn *badger.Txn, id int64) error {
	if err := txn.Delete(messageKey(id)); err != nil {
		return err
	}
	if err := txn.Delete(deliveredKey(id)); err != nil {
		return err
	}
	return txn.Delete(readKey(id))
}

// purgeMessageTxn removes a message, its flags, and its log entry's content.
func purgeMessageTxn(txn *badger.Txn, id int64) error {
	if err := removeMessageTxn(txn, id); err != nil {
		return err
	}
	return scrubOpTxn(txn, id)
}

// HighestMessageID returns the largest stored message id, or 0 when empty.
func (s *Store) HighestMessageID() (int64, error) {
	var highest int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		// Seek past the end of the messages keyspace, first valid key in
		// reverse order is the highest id.
		it.Seek([]byte(prefixMessage + "~"))
		if it.ValidForPrefix([]byte(prefixMessage)) {
			var m Message
			item := it.Item()
			err := item.Value(func(val []byte) error { return json.Unmarshal(val, &m) })
			if err != nil {
				return err
			}
			highest = m.ID
		}
		return nil
	})
	return highest, err
}

// Conversation returns messages between a and b ordered by id descending,
// hiding per-side tombstones from the requesting side a. beforeID bounds
// paging: only ids strictly below it are returned (0 means no bound).
// ceiling hides ids above the caller's commit index (0 means no ceiling).
// The second return is the total visible count regardless of paging.
func (s *Store) Conversation(a, b string, limit int, beforeID, ceiling int64) ([]Message, int, error) {
	var visible []Message
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachMessage(txn, func(m Message) error {
			between := (m.Sender == a && m.Recipient == b) || (m.Sender == b && m.Recipient == a)
			if !between {
				return nil
			}
			if ceiling > 0 && m.ID > ceiling {
				return nil
			}
			if m.Sender == a && m.SenderDeleted {
				return nil
			}
			if m.Recipient == a && m.RecipientDeleted {
				return nil
			}
			visible = append(visible, m)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].ID > visible[j].ID })
	total := len(visible)

	out := make([]Message, 0, limit)
	for _, m := range visible {
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, total, nil
}

// ChatPartners returns the distinct counterparts of user over all messages,
// sorted.
func (s *Store) ChatPartners(user string) ([]string, error) {
	partners := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachMessage(txn, func(m Message) error {
			switch user {
			case m.Sender:
				partners[m.Recipient] = struct{}{}
			case m.Recipient:
				partners[m.Sender] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(partners))
	for p := range partners {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// UnreadCount returns how many messages from partner to user are unread.
func (s *Store) UnreadCount(user, partner string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachMessage(txn, func(m Message) error {
			if m.Sender != partner || m.Recipient != user || m.RecipientDeleted {
				return nil
			}
			if _, err := txn.Get(readKey(m.ID)); errors.Is(err, badger.ErrKeyNotFound) {
				count++
			} else if err != nil {
				return err
			}
			return nil
		})
	})
	return count, err
}

// DeleteMessages tombstones the requester's side of each message the
// requester sent or received; ids the requester does not own are skipped.
// A message deleted on both sides is removed outright. Returns the ids
// actually affected.
func (s *Store) DeleteMessages(ids []int64, requester string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		deleted, err = deleteMessagesTxn(txn, ids, requester)
		return err
	})
	return deleted, err
}

func deleteMessagesTxn(txn *badger.Txn, ids []int64, requester string) ([]int64, error) {
	var deleted []int64
	for _, id := range ids {
		item, err := txn.Get(messageKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var m Message
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &m) }); err != nil {
			return nil, err
		}
		switch requester {
		case m.Sender:
			m.SenderDeleted = true
		case m.Recipient:
			m.RecipientDeleted = true
		default:
			continue
		}
		if m.SenderDeleted && m.RecipientDeleted {
			if err := purgeMessageTxn(txn, id); err != nil {
				return nil, err
			}
		} else {
			val, err := json.Marshal(m)
			if err != nil {
				return nil, err
			}
			if err := txn.Set(messageKey(id), val); err != nil {
				return nil, err
			}
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

// MarkRead flags the given ids as read where requester is the recipient.
// Non-owned ids are ignored, a no-op rather than an error.
func (s *Store) MarkRead(ids []int64, requester string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return markReadTxn(txn, ids, requester)
	})
}

func markReadTxn(txn *badger.Txn, ids []int64, requester string) error {
	for _, id := range ids {
		item, err := txn.Get(messageKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var m Message
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &m) }); err != nil {
			return err
		}
		if m.Recipient != requester {
			continue
		}
		if err := txn.Set(readKey(id), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

// MarkDelivered flags a message as delivered. Node-local state: whichever
// replica pushes the message down a live stream records the flag.
func (s *Store) MarkDelivered(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(deliveredKey(id), []byte{1})
	})
}

// IsDelivered reports the delivery flag for a message id.
func (s *Store) IsDelivered(id int64) (bool, error) {
	return s.hasFlag(deliveredKey(id))
}

// IsRead reports the read flag for a message id.
func (s *Store) IsRead(id int64) (bool, error) {
	return s.hasFlag(readKey(id))
}

func (s *Store) hasFlag(key []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// UndeliveredMessages returns committed messages addressed to user that
// have never been pushed, in id (commit) order. ceiling is the caller's
// commit index; ids above it are not yet client-visible.
func (s *Store) UndeliveredMessages(user string, ceiling int64) ([]Message, error) {
	var out []Message
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachMessage(txn, func(m Message) error {
			if m.Recipient != user || m.RecipientDeleted {
				return nil
			}
			if ceiling > 0 && m.ID > ceiling {
				return nil
			}
			if _, err := txn.Get(deliveredKey(m.ID)); errors.Is(err, badger.ErrKeyNotFound) {
				out = append(out, m)
			} else if err != nil {
				return err
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// forEachMessage walks the messages keyspace in id order.
func forEachMessage(txn *badger.Txn, fn func(Message) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixMessage)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var m Message
		err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &m) })
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// badgerLogger adapts Badger's logger interface onto zerolog. Badger is
// chatty at INFO during compaction; those land at debug level here.
type badgerLogger struct {
	logger zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.logger.Error().Msgf("badger: "+format, args...)
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.logger.Warn().Msgf("badger: "+format, args...)
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.logger.Debug().Msgf("badger: "+format, args...)
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.logger.Debug().Msgf("badger: "+format, args...)
}
