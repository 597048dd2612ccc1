package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb-incubator/embersql/kv/engine"
	"github.com/emberdb-incubator/embersql/session"
)

type txnBuilder struct {
	t        *testing.T
	svc      *Service
	sessions *session.Service
}

func newTxnBuilder(t *testing.T) *txnBuilder {
	return &txnBuilder{
		t:        t,
		svc:      NewService(engine.NewMemEngine()),
		sessions: session.NewService(),
	}
}

func (b *txnBuilder) begin() (*session.Session, *Txn) {
	sess := b.sessions.CreateSession()
	txn, err := b.svc.Begin(sess)
	require.NoError(b.t, err)
	return sess, txn
}

func (b *txnBuilder) mustCommit(txn *Txn) {
	retry, err := txn.CommitOrRetry()
	require.NoError(b.t, err)
	require.False(b.t, retry)
}

func TestReadYourWrites(t *testing.T) {
	b := newTxnBuilder(t)
	_, txn := b.begin()
	defer txn.Close()

	txn.Set([]byte("k"), []byte("v"))
	val, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	txn.Clear([]byte("k"))
	val, err = txn.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestCommitVisibility(t *testing.T) {
	b := newTxnBuilder(t)
	_, txn := b.begin()
	txn.Set([]byte("k"), []byte("v"))
	b.mustCommit(txn)

	_, txn2 := b.begin()
	defer txn2.Close()
	val, err := txn2.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestDiscardDropsWrites(t *testing.T) {
	b := newTxnBuilder(t)
	_, txn := b.begin()
	txn.Set([]byte("k"), []byte("v"))
	txn.Close()

	_, txn2 := b.begin()
	defer txn2.Close()
	val, err := txn2.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestConflictRetries(t *testing.T) {
	b := newTxnBuilder(t)
	key := []byte("counter")

	_, t1 := b.begin()
	_, t2 := b.begin()

	// Both transactions read the key, then write it.
	_, err := t1.Get(key)
	require.NoError(t, err)
	_, err = t2.Get(key)
	require.NoError(t, err)
	t1.Set(key, []byte("1"))
	t2.Set(key, []byte("2"))

	b.mustCommit(t1)

	retry, err := t2.CommitOrRetry()
	require.NoError(t, err)
	require.True(t, retry, "second writer must be asked to re-run")

	// Re-run the body against the reset transaction; now it sees t1's write.
	val, err := t2.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)
	t2.Set(key, []byte("2"))
	b.mustCommit(t2)
}

func TestReadOnlyNeverConflicts(t *testing.T) {
	b := newTxnBuilder(t)
	key := []byte("k")

	_, reader := b.begin()
	_, err := reader.Get(key)
	require.NoError(t, err)

	_, writer := b.begin()
	writer.Set(key, []byte("v"))
	b.mustCommit(writer)

	retry, err := reader.CommitOrRetry()
	require.NoError(t, err)
	assert.False(t, retry)
}

func TestPrefixScanMergesBuffer(t *testing.T) {
	b := newTxnBuilder(t)
	_, setup := b.begin()
	setup.Set([]byte("p/a"), []byte("old-a"))
	setup.Set([]byte("p/c"), []byte("old-c"))
	setup.Set([]byte("q/x"), []byte("other"))
	b.mustCommit(setup)

	_, txn := b.begin()
	defer txn.Close()
	txn.Set([]byte("p/b"), []byte("new-b"))
	txn.Set([]byte("p/c"), []byte("new-c"))
	txn.Clear([]byte("p/a"))

	it := txn.ScanPrefix([]byte("p/"))
	defer it.Close()
	got := map[string]string{}
	var order []string
	for it.Next() {
		got[string(it.Key())] = string(it.Value())
		order = append(order, string(it.Key()))
	}
	assert.Equal(t, map[string]string{"p/b": "new-b", "p/c": "new-c"}, got)
	assert.Equal(t, []string{"p/b", "p/c"}, order)
}

func TestPrefixScanConflicts(t *testing.T) {
	b := newTxnBuilder(t)

	_, scanner := b.begin()
	it := scanner.ScanPrefix([]byte("p/"))
	for it.Next() {
	}
	it.Close()
	scanner.Set([]byte("unrelated"), []byte("x"))

	// A commit lands inside the scanned range before the scanner commits.
	_, writer := b.begin()
	writer.Set([]byte("p/new"), []byte("v"))
	b.mustCommit(writer)

	retry, err := scanner.CommitOrRetry()
	require.NoError(t, err)
	assert.True(t, retry)
	scanner.Close()
}

func TestEndCallbackFiresOnce(t *testing.T) {
	b := newTxnBuilder(t)
	sess, txn := b.begin()

	var calls int
	var gotVer uint64
	require.NoError(t, b.svc.AddCallback(sess, CallbackEnd, func(s *session.Session, ver uint64) {
		calls++
		gotVer = ver
	}))

	txn.Set([]byte("k"), []byte("v"))
	b.mustCommit(txn)
	txn.Close()

	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(1), gotVer)

	// Abort path reports version zero.
	sess2, txn2 := b.begin()
	calls = 0
	require.NoError(t, b.svc.AddCallback(sess2, CallbackEnd, func(s *session.Session, ver uint64) {
		calls++
		gotVer = ver
	}))
	txn2.Close()
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(0), gotVer)
}

func TestOneTransactionPerSession(t *testing.T) {
	b := newTxnBuilder(t)
	sess, txn := b.begin()
	defer txn.Close()

	_, err := b.svc.Begin(sess)
	assert.Error(t, err)

	got, err := b.svc.Get(sess)
	require.NoError(t, err)
	assert.Equal(t, txn, got)
}
