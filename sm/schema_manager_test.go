package sm

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb-incubator/embersql/ais"
	"github.com/emberdb-incubator/embersql/kv/config"
	"github.com/emberdb-incubator/embersql/kv/engine"
	"github.com/emberdb-incubator/embersql/kv/transaction"
	"github.com/emberdb-incubator/embersql/kv/util/codec"
	"github.com/emberdb-incubator/embersql/session"
)

type testHarness struct {
	t        *testing.T
	eng      engine.Engine
	mem      *engine.MemEngine
	txnSvc   *transaction.Service
	sessions *session.Service
	mgr      *KVSchemaManager
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *testHarness {
	return newHarnessWithEngine(t, nil, mutate...)
}

func newHarnessWithEngine(t *testing.T, eng engine.Engine, mutate ...func(*config.Config)) *testHarness {
	mem := engine.NewMemEngine()
	if eng == nil {
		eng = mem
	}
	conf := config.NewDefaultConfig()
	for _, fn := range mutate {
		fn(conf)
	}
	txnSvc := transaction.NewService(eng)
	sessions := session.NewService()
	mgr, err := NewKVSchemaManager(conf, sessions, txnSvc)
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	return &testHarness{
		t:        t,
		eng:      eng,
		mem:      mem,
		txnSvc:   txnSvc,
		sessions: sessions,
		mgr:      mgr,
	}
}

// readAis runs GetAis inside its own transaction on a fresh session.
func (h *testHarness) readAis() *ais.AIS {
	sess := h.sessions.CreateSession()
	var got *ais.AIS
	require.NoError(h.t, h.mgr.Transactionally(sess, func(sess *session.Session) error {
		var err error
		got, err = h.mgr.GetAis(sess)
		return err
	}))
	return got
}

func (h *testHarness) engineValue(key []byte) []byte {
	val, err := h.eng.Get(key)
	require.NoError(h.t, err)
	return val
}

// usersTableDef builds the request for app.users(id bigint primary key).
func usersTableDef(t *testing.T) *ais.Table {
	tbl := ais.NewTable(ais.NewTableName("app", "users"))
	require.NoError(t, tbl.AddColumn(ais.NewColumn("id", 0, "bigint", false)))
	pk := ais.NewIndex("PRIMARY", 1, true, ais.ConstraintPrimary)
	require.NoError(t, pk.AddColumn(ais.IndexColumn{ColumnName: "id", Position: 0}))
	require.NoError(t, tbl.AddIndex(pk))
	return tbl
}

func TestBootstrapEmptyStore(t *testing.T) {
	h := newHarness(t)

	cur := h.readAis()
	assert.Equal(t, int64(0), cur.Generation())
	assert.Empty(t, cur.SchemaNames())
	assert.Equal(t, int64(0), h.mgr.GetOldestActiveAISGeneration())
}

func TestCreateThenRead(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()

	_, err := h.mgr.CreateTableDefinition(sess, usersTableDef(t))
	require.NoError(t, err)

	// Bit-exact keyspace checks.
	gen := h.engineValue(codec.NewTuple("sm/", "ais/", "generation").Pack())
	assert.Equal(t, codec.NewTuple(int64(1)).Pack(), gen)
	blob := h.engineValue(codec.NewTuple("sm/", "ais/", "pb/", "app").Pack())
	assert.NotEmpty(t, blob)

	got := h.readAis()
	require.NotNil(t, got.Schema("app"))
	users := got.Schema("app").Table("users")
	require.NotNil(t, users)
	assert.NotZero(t, users.TableID())
	assert.Equal(t, "app.users", users.GroupTreeName())
	assert.Equal(t, "app.users.PRIMARY", users.Index("PRIMARY").TreeName())
	assert.Equal(t, int64(1), got.Generation())
}

func TestDropSchemaClearsBlob(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()
	_, err := h.mgr.CreateTableDefinition(sess, usersTableDef(t))
	require.NoError(t, err)

	require.NoError(t, h.mgr.DropSchema(sess, "app"))

	gen := h.engineValue(codec.NewTuple("sm/", "ais/", "generation").Pack())
	assert.Equal(t, codec.NewTuple(int64(2)).Pack(), gen)
	assert.Nil(t, h.engineValue(codec.NewTuple("sm/", "ais/", "pb/", "app").Pack()))
	assert.Nil(t, h.readAis().Schema("app"))
}

// TestConcurrentDDLRetries interleaves two column-adding transactions by
// hand: both read generation g and write g+1; the first commits, the second
// is asked to rerun, observes g+1, and writes g+2.
func TestConcurrentDDLRetries(t *testing.T) {
	h := newHarness(t)
	setup := h.sessions.CreateSession()
	_, err := h.mgr.CreateTableDefinition(setup, usersTableDef(t))
	require.NoError(t, err)

	sess1 := h.sessions.CreateSession()
	sess2 := h.sessions.CreateSession()
	txn1, err := h.txnSvc.Begin(sess1)
	require.NoError(t, err)
	txn2, err := h.txnSvc.Begin(sess2)
	require.NoError(t, err)

	addColumn := func(sess *session.Session, colName string) {
		cur, err := h.mgr.GetAis(sess)
		require.NoError(t, err)
		candidate, err := cloneAIS(cur)
		require.NoError(t, err)
		tbl := candidate.Table(ais.NewTableName("app", "users"))
		require.NotNil(t, tbl)
		require.NoError(t, tbl.AddColumn(ais.NewColumn(colName, len(tbl.Columns()), "int", true)))
		require.NoError(t, tbl.SetVersion(tbl.Version()+1))
		require.NoError(t, h.mgr.SaveAISChangeWithRowDefs(sess, candidate, []string{"app"}))
	}

	addColumn(sess1, "first")
	addColumn(sess2, "second")

	retry, err := txn1.CommitOrRetry()
	require.NoError(t, err)
	require.False(t, retry)

	retry, err = txn2.CommitOrRetry()
	require.NoError(t, err)
	require.True(t, retry, "conflicting DDL must be asked to rerun")

	// Rerun the second body from scratch against the newer state.
	sess2.Remove(sessionAISKey)
	addColumn(sess2, "second")
	retry, err = txn2.CommitOrRetry()
	require.NoError(t, err)
	require.False(t, retry)

	got := h.readAis()
	assert.Equal(t, int64(3), got.Generation())
	users := got.Schema("app").Table("users")
	assert.NotNil(t, users.Column("first"))
	assert.NotNil(t, users.Column("second"))
	assert.Equal(t, 3, users.Version())
}

func TestConcurrentDDLGoroutines(t *testing.T) {
	h := newHarness(t)
	setup := h.sessions.CreateSession()
	_, err := h.mgr.CreateTableDefinition(setup, usersTableDef(t))
	require.NoError(t, err)

	cols := []string{"c0", "c1", "c2", "c3"}
	var wg sync.WaitGroup
	errs := make([]error, len(cols))
	for i, col := range cols {
		wg.Add(1)
		go func(i int, col string) {
			defer wg.Done()
			sess := h.sessions.CreateSession()
			errs[i] = h.mgr.AddColumn(sess, ais.NewTableName("app", "users"), col, "int", true)
		}(i, col)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got := h.readAis()
	assert.Equal(t, int64(1+len(cols)), got.Generation())
	users := got.Schema("app").Table("users")
	for _, col := range cols {
		assert.NotNil(t, users.Column(col), "column %s lost", col)
	}
	assert.Len(t, users.Columns(), 1+len(cols))
}

func TestOversizeCatalogRejected(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.MaxAISBufferSize = 1024
	})
	sess := h.sessions.CreateSession()

	tbl := ais.NewTable(ais.NewTableName("app", "wide"))
	for i := 0; i < 40; i++ {
		col := ais.NewColumn(strings.Repeat("c", 30)+string(rune('a'+i%26))+string(rune('a'+i/26)), i, "varchar", true)
		require.NoError(t, col.SetDefaultValue(strings.Repeat("d", 40)))
		require.NoError(t, tbl.AddColumn(col))
	}

	_, err := h.mgr.CreateTableDefinition(sess, tbl)
	require.Error(t, err)
	tooLarge, ok := err.(*AISTooLargeError)
	require.True(t, ok, "want AISTooLargeError, got %T: %v", err, err)
	assert.Equal(t, 1024, tooLarge.MaxSize)

	// Nothing was written.
	assert.Nil(t, h.engineValue(codec.NewTuple("sm/", "ais/", "generation").Pack()))
	assert.Nil(t, h.engineValue(codec.NewTuple("sm/", "ais/", "pb/", "app").Pack()))
	assert.Equal(t, int64(0), h.mgr.GetOldestActiveAISGeneration())
}

// faultEngine delegates to the inner engine until interruption is armed.
type faultEngine struct {
	inner       engine.Engine
	interrupted bool
}

func (f *faultEngine) Get(key []byte) ([]byte, error) {
	if f.interrupted {
		return nil, engine.ErrInterrupted
	}
	return f.inner.Get(key)
}

func (f *faultEngine) NewIterator() engine.Iterator {
	return f.inner.NewIterator()
}

func (f *faultEngine) Write(wb *engine.WriteBatch) error {
	if f.interrupted {
		return engine.ErrInterrupted
	}
	return f.inner.Write(wb)
}

func (f *faultEngine) Close() error {
	return f.inner.Close()
}

func TestInterruptedReadSurfacesQueryCanceled(t *testing.T) {
	fault := &faultEngine{inner: engine.NewMemEngine()}
	h := newHarnessWithEngine(t, fault)
	sess := h.sessions.CreateSession()
	_, err := h.mgr.CreateTableDefinition(sess, usersTableDef(t))
	require.NoError(t, err)
	before := h.mgr.GetOldestActiveAISGeneration()
	beforeAIS := h.mgr.current()

	fault.interrupted = true
	reader := h.sessions.CreateSession()
	err = h.mgr.Transactionally(reader, func(sess *session.Session) error {
		_, err := h.mgr.GetAis(sess)
		return err
	})
	require.Error(t, err)
	canceled, ok := err.(*QueryCanceledError)
	require.True(t, ok, "want QueryCanceledError, got %T: %v", err, err)
	assert.True(t, reader == canceled.Session)

	// curAIS is untouched.
	assert.Equal(t, before, h.mgr.GetOldestActiveAISGeneration())
	assert.True(t, beforeAIS == h.mgr.current())
}

func TestSessionStability(t *testing.T) {
	h := newHarness(t)
	setup := h.sessions.CreateSession()
	_, err := h.mgr.CreateTableDefinition(setup, usersTableDef(t))
	require.NoError(t, err)

	sess := h.sessions.CreateSession()
	var first, second *ais.AIS
	require.NoError(t, h.mgr.Transactionally(sess, func(sess *session.Session) error {
		var err error
		if first, err = h.mgr.GetAis(sess); err != nil {
			return err
		}
		second, err = h.mgr.GetAis(sess)
		return err
	}))
	assert.True(t, first == second, "same transaction must see the same snapshot instance")

	// The end-of-transaction callback cleared the attachment; a DDL landing
	// in between is visible to the next transaction.
	require.NoError(t, h.mgr.AddColumn(setup, ais.NewTableName("app", "users"), "extra", "int", true))
	var third *ais.AIS
	require.NoError(t, h.mgr.Transactionally(sess, func(sess *session.Session) error {
		var err error
		third, err = h.mgr.GetAis(sess)
		return err
	}))
	assert.True(t, third != first, "new transaction must observe the newer snapshot")
	assert.True(t, third.Generation() > first.Generation())
}

func TestGenerationMonotonicAcrossDDLs(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()

	var gens []int64
	_, err := h.mgr.CreateTableDefinition(sess, usersTableDef(t))
	require.NoError(t, err)
	gens = append(gens, h.readAis().Generation())

	require.NoError(t, h.mgr.CreateSequence(sess, ais.NewSequence(ais.NewTableName("app", "ids"), 1, 1, 1, 1<<40, false)))
	gens = append(gens, h.readAis().Generation())

	require.NoError(t, h.mgr.CreateRoutine(sess, ais.NewRoutine(ais.NewTableName("app", "nightly"), "sql", "SELECT 1")))
	gens = append(gens, h.readAis().Generation())

	require.NoError(t, h.mgr.DropRoutine(sess, ais.NewTableName("app", "nightly")))
	gens = append(gens, h.readAis().Generation())

	require.NoError(t, h.mgr.DropSequence(sess, ais.NewTableName("app", "ids")))
	gens = append(gens, h.readAis().Generation())

	for i := 1; i < len(gens); i++ {
		assert.True(t, gens[i] > gens[i-1], "generation regressed: %v", gens)
	}
}

func TestSnapshotsAreFrozen(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()
	_, err := h.mgr.CreateTableDefinition(sess, usersTableDef(t))
	require.NoError(t, err)

	got := h.readAis()
	require.True(t, got.IsFrozen())
	users := got.Schema("app").Table("users")
	assert.Error(t, users.AddColumn(ais.NewColumn("sneaky", 1, "int", true)))
	assert.Error(t, got.RemoveSchema("app"))

	// The failed mutations left no trace.
	assert.Len(t, h.readAis().Schema("app").Table("users").Columns(), 1)
}

func TestReadYourWritesAcrossTransactions(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()

	preGen := h.mgr.GetOldestActiveAISGeneration()
	_, err := h.mgr.CreateTableDefinition(sess, usersTableDef(t))
	require.NoError(t, err)

	got := h.readAis()
	assert.True(t, got.Generation() > preGen)
	assert.NotNil(t, got.Schema("app").Table("users"))
}

func TestUnsavedChangeSkipsPersistence(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()

	memTable := ais.NewTable(ais.NewTableName(ais.InformationSchema, "tables"))
	require.NoError(t, memTable.SetMemoryTable(true))
	require.NoError(t, memTable.AddColumn(ais.NewColumn("table_name", 0, "varchar", false)))
	require.NoError(t, h.mgr.RegisterMemoryTable(sess, memTable))

	// No generation bump, no blob.
	assert.Nil(t, h.engineValue(codec.NewTuple("sm/", "ais/", "generation").Pack()))
	assert.Nil(t, h.engineValue(codec.NewTuple("sm/", "ais/", "pb/", ais.InformationSchema).Pack()))

	got := h.readAis()
	assert.Equal(t, int64(0), got.Generation())
	tbl := got.Schema(ais.InformationSchema).Table("tables")
	require.NotNil(t, tbl)
	assert.True(t, tbl.IsMemoryTable())

	// Memory tables land in the row-def cache too.
	assert.NotNil(t, h.mgr.RowDefCache().RowDef(tbl.TableID()))
}

func TestMemoryTablesNotPersistedWithSystemSchema(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()

	memTable := ais.NewTable(ais.NewTableName(ais.InformationSchema, "tables"))
	require.NoError(t, memTable.SetMemoryTable(true))
	require.NoError(t, h.mgr.RegisterMemoryTable(sess, memTable))

	// A persisted table in the same schema forces a blob write; the memory
	// table must not ride along.
	disk := ais.NewTable(ais.NewTableName(ais.InformationSchema, "stats"))
	require.NoError(t, disk.AddColumn(ais.NewColumn("n", 0, "bigint", false)))
	_, err := h.mgr.CreateTableDefinition(sess, disk)
	require.NoError(t, err)

	blob := h.engineValue(codec.NewTuple("sm/", "ais/", "pb/", ais.InformationSchema).Pack())
	require.NotEmpty(t, blob)

	// Reload from a cold manager over the same engine: only the persisted
	// table comes back.
	txnSvc := transaction.NewService(h.eng)
	mgr2, err := NewKVSchemaManager(config.NewDefaultConfig(), session.NewService(), txnSvc)
	require.NoError(t, err)
	require.NoError(t, mgr2.Start())
	info := mgr2.current().Schema(ais.InformationSchema)
	require.NotNil(t, info)
	assert.Nil(t, info.Table("tables"))
	assert.NotNil(t, info.Table("stats"))
}

func TestValidationFailureAbortsBeforeWrite(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()

	bad := ais.NewAIS()
	schema, err := bad.EnsureSchema("app")
	require.NoError(t, err)
	t1 := ais.NewTable(ais.NewTableName("app", "a"))
	require.NoError(t, t1.SetTableID(1))
	require.NoError(t, schema.AddTable(t1))
	t2 := ais.NewTable(ais.NewTableName("app", "b"))
	require.NoError(t, t2.SetTableID(1))
	require.NoError(t, schema.AddTable(t2))

	err = h.mgr.Transactionally(sess, func(sess *session.Session) error {
		return h.mgr.SaveAISChangeWithRowDefs(sess, bad, []string{"app"})
	})
	require.Error(t, err)
	_, ok := err.(*ValidationError)
	require.True(t, ok, "want ValidationError, got %T: %v", err, err)
	assert.Nil(t, h.engineValue(codec.NewTuple("sm/", "ais/", "generation").Pack()))
}

func TestTableVersionMapTracksDDL(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()
	_, err := h.mgr.CreateTableDefinition(sess, usersTableDef(t))
	require.NoError(t, err)

	users := h.readAis().Schema("app").Table("users")
	v, ok := h.mgr.TableVersionMap().Get(users.TableID())
	require.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, h.mgr.AddColumn(sess, users.Name(), "extra", "int", true))
	h.readAis() // force install of the newer snapshot
	v, ok = h.mgr.TableVersionMap().Get(users.TableID())
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestTableStatusLifecycle(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()
	_, err := h.mgr.CreateTableDefinition(sess, usersTableDef(t))
	require.NoError(t, err)
	tableID := h.readAis().Schema("app").Table("users").TableID()

	require.NoError(t, h.mgr.Transactionally(sess, func(sess *session.Session) error {
		ts, err := h.mgr.TableStatusCache().GetTableStatus(sess, tableID)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(0), ts.RowCount)
		return h.mgr.TableStatusCache().SetTableStatus(sess, tableID, TableStatus{RowCount: 42, AutoIncrement: 7})
	}))
	require.NoError(t, h.mgr.Transactionally(sess, func(sess *session.Session) error {
		ts, err := h.mgr.TableStatusCache().GetTableStatus(sess, tableID)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(42), ts.RowCount)
		assert.Equal(t, int64(7), ts.AutoIncrement)
		return nil
	}))

	require.NoError(t, h.mgr.DropTableDefinition(sess, ais.NewTableName("app", "users")))
	assert.Nil(t, h.engineValue(codec.NewTuple("sm/", "status/", int64(tableID)).Pack()))
}

func TestRestartRecoversCatalog(t *testing.T) {
	h := newHarness(t)
	sess := h.sessions.CreateSession()
	_, err := h.mgr.CreateTableDefinition(sess, usersTableDef(t))
	require.NoError(t, err)
	wantGen := h.readAis().Generation()

	txnSvc := transaction.NewService(h.eng)
	mgr2, err := NewKVSchemaManager(config.NewDefaultConfig(), session.NewService(), txnSvc)
	require.NoError(t, err)
	require.NoError(t, mgr2.Start())

	assert.Equal(t, wantGen, mgr2.GetOldestActiveAISGeneration())
	recovered := mgr2.current()
	require.NotNil(t, recovered.Schema("app"))
	assert.True(t, recovered.Equal(h.mgr.current()))

	// The recovered name generator must not reissue the existing table id.
	users := recovered.Schema("app").Table("users")
	assert.NotEqual(t, users.TableID(), mgr2.NameGenerator().NextTableID(false))
}

type stubTxnService struct{}

func (stubTxnService) Begin(sess *session.Session) (*transaction.Txn, error) { return nil, nil }
func (stubTxnService) Get(sess *session.Session) (*transaction.Txn, error)   { return nil, nil }
func (stubTxnService) AddCallback(sess *session.Session, typ transaction.CallbackType, fn transaction.Callback) error {
	return nil
}

func TestWrongTransactionServiceRejected(t *testing.T) {
	_, err := NewKVSchemaManager(config.NewDefaultConfig(), session.NewService(), stubTxnService{})
	require.Error(t, err)
	assert.Equal(t, ErrWrongTransactionService, errCause(err))
}

func TestCorruptGenerationKeySurfacesInternalError(t *testing.T) {
	h := newHarness(t)

	// A foreign writer stomps the generation key with non-tuple bytes.
	wb := new(engine.WriteBatch)
	wb.Set(packedGenerationKey, []byte("garbage"))
	require.NoError(t, h.eng.Write(wb))

	sess := h.sessions.CreateSession()
	err := h.mgr.Transactionally(sess, func(sess *session.Session) error {
		_, err := h.mgr.GetAis(sess)
		return err
	})
	require.Error(t, err)
	_, ok := err.(*InternalError)
	assert.True(t, ok, "want InternalError, got %T: %v", err, err)
}

func TestGenerationKeyLayout(t *testing.T) {
	// The packed keys are bit-exact tuples; both sides must agree with the
	// codec's public encoding.
	assert.Equal(t, codec.NewTuple("sm/", "ais/", "generation").Pack(), packedGenerationKey)
	assert.True(t, bytes.HasPrefix(packedPBKey("app"), packedPBPrefix))
	assert.False(t, bytes.HasPrefix(packedGenerationKey, packedPBPrefix))
}

func errCause(err error) error {
	type causer interface {
		Cause() error
	}
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return err
}
