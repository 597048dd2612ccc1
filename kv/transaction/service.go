// Package transaction layers optimistic transactions over an ordered storage
// engine. A transaction buffers its writes and tracks every key and prefix it
// read; at commit the tracked reads are validated against the versions of
// later commits, and the caller is asked to re-run the transaction body when
// validation fails. This is the commit-or-retry protocol the schema manager
// builds its DDL loop on.
package transaction

import (
	"strings"
	"sync"

	"github.com/pingcap/errors"

	"github.com/emberdb-incubator/embersql/kv/engine"
	"github.com/emberdb-incubator/embersql/session"
)

// CallbackType selects when a registered transaction callback runs.
type CallbackType int

const (
	// CallbackEnd fires exactly once per transaction, after the final commit
	// or discard, with the commit version (zero when the transaction
	// aborted).
	CallbackEnd CallbackType = iota + 1
)

// Callback receives the session and the final commit version.
type Callback func(sess *session.Session, commitVer uint64)

var sessionTxnKey = session.NewKey("KV_TXN")

// ErrNoTransaction is returned when an operation requires an active
// transaction on the session and none exists.
var ErrNoTransaction = errors.New("session has no active transaction")

// Service owns the commit protocol for one engine. All transactions against
// the engine must come from the same Service; the conflict table is only
// meaningful process-wide.
type Service struct {
	eng engine.Engine

	// commitMu serializes commit validation and application. It is never
	// held while a transaction body runs.
	commitMu  sync.Mutex
	commitVer uint64
	// lastWrite maps each written key to the version of the commit that
	// last touched it. The catalog keyspace is small, so the table is
	// unbounded.
	lastWrite map[string]uint64
}

func NewService(eng engine.Engine) *Service {
	return &Service{
		eng:       eng,
		lastWrite: make(map[string]uint64),
	}
}

func (s *Service) Engine() engine.Engine {
	return s.eng
}

// Begin starts a transaction and attaches it to the session. A session runs
// at most one transaction at a time.
func (s *Service) Begin(sess *session.Session) (*Txn, error) {
	if sess.Get(sessionTxnKey) != nil {
		return nil, errors.New("session already has an active transaction")
	}
	txn := &Txn{
		svc:     s,
		sess:    sess,
		readVer: s.currentVersion(),
		reads:   make(map[string]struct{}),
		writes:  newWriteBuffer(),
		state:   stateActive,
	}
	sess.Put(sessionTxnKey, txn)
	return txn, nil
}

// Get returns the session's active transaction, or ErrNoTransaction.
func (s *Service) Get(sess *session.Session) (*Txn, error) {
	txn, _ := sess.Get(sessionTxnKey).(*Txn)
	if txn == nil || txn.state != stateActive {
		return nil, ErrNoTransaction
	}
	return txn, nil
}

// AddCallback registers fn on the session's active transaction.
func (s *Service) AddCallback(sess *session.Session, typ CallbackType, fn Callback) error {
	if typ != CallbackEnd {
		return errors.Errorf("unknown callback type %d", typ)
	}
	txn, err := s.Get(sess)
	if err != nil {
		return err
	}
	txn.endCallbacks = append(txn.endCallbacks, fn)
	return nil
}

func (s *Service) currentVersion() uint64 {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.commitVer
}

// commitOrRetry validates and applies txn. A true result means the
// transaction hit a conflict, has been reset against the newest committed
// state, and the caller should re-run its body. A false result with nil error
// means the transaction committed (trivially, for read-only transactions).
func (s *Service) commitOrRetry(txn *Txn) (retry bool, err error) {
	s.commitMu.Lock()

	if txn.writes.len() > 0 && s.conflictsLocked(txn) {
		txn.resetLocked(s.commitVer)
		s.commitMu.Unlock()
		return true, nil
	}

	if txn.writes.len() > 0 {
		newVer := s.commitVer + 1
		wb := new(engine.WriteBatch)
		txn.writes.ascend(nil, func(w writeItem) bool {
			if w.delete {
				wb.Delete([]byte(w.key))
			} else {
				wb.Set([]byte(w.key), w.value)
			}
			return true
		})
		if err := s.eng.Write(wb); err != nil {
			s.commitMu.Unlock()
			return false, errors.Trace(err)
		}
		txn.writes.ascend(nil, func(w writeItem) bool {
			s.lastWrite[w.key] = newVer
			return true
		})
		s.commitVer = newVer
	}
	finalVer := s.commitVer
	s.commitMu.Unlock()

	txn.finish(stateCommitted, finalVer)
	return false, nil
}

// conflictsLocked reports whether any tracked read of txn was overwritten by
// a commit newer than the transaction's read version.
func (s *Service) conflictsLocked(txn *Txn) bool {
	for key := range txn.reads {
		if s.lastWrite[key] > txn.readVer {
			return true
		}
	}
	for _, prefix := range txn.prefixReads {
		for key, ver := range s.lastWrite {
			if ver > txn.readVer && strings.HasPrefix(key, prefix) {
				return true
			}
		}
	}
	return false
}
