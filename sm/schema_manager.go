// Package sm is the transactional schema manager. It owns the in-memory
// catalog snapshot, the generation counter in the KV store, the per-session
// snapshot cache and the DDL-apply protocol.
//
// Keyspace usage:
//
//	sm/
//	sm/ais/
//	sm/ais/generation    => current generation number (packed int64 tuple)
//	sm/ais/pb/
//	sm/ais/pb/[schema]   => serialized catalog subset for that schema
//	sm/status/[tableID]  => per-table status counters
//
// Transactionality: every consumer of GetAis reads the generation key inside
// its own transaction to determine the proper version. Every DDL executor
// increments the generation while making its changes, so the optimistic
// commit protocol totally orders DDLs and each committed catalog carries a
// unique generation. Whenever a newer catalog is installed, the name
// generator and the table version map are re-merged, so generated names and
// ids never collide.
package sm

import (
	"sync"
	"sync/atomic"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/emberdb-incubator/embersql/ais"
	"github.com/emberdb-incubator/embersql/ais/protobuf"
	"github.com/emberdb-incubator/embersql/kv/config"
	"github.com/emberdb-incubator/embersql/kv/engine"
	"github.com/emberdb-incubator/embersql/kv/transaction"
	"github.com/emberdb-incubator/embersql/kv/util/codec"
	"github.com/emberdb-incubator/embersql/rowdata"
	"github.com/emberdb-incubator/embersql/session"
)

const (
	smPrefix         = "sm/"
	aisPrefix        = "ais/"
	aisGenerationKey = "generation"
	aisPBPrefix      = "pb/"
	statusPrefix     = "status/"
)

var (
	packedGenerationKey = codec.NewTuple(smPrefix, aisPrefix, aisGenerationKey).Pack()
	packedPBPrefix      = codec.NewTuple(smPrefix, aisPrefix, aisPBPrefix).Pack()
)

func packedPBKey(schemaName string) []byte {
	return codec.NewTuple(smPrefix, aisPrefix, aisPBPrefix, schemaName).Pack()
}

func packedStatusKey(tableID int) []byte {
	return codec.NewTuple(smPrefix, statusPrefix, int64(tableID)).Pack()
}

var sessionAISKey = session.NewKey("AIS_KEY")

// TransactionService is the constructor-facing abstraction; the schema
// manager only runs over the optimistic KV transaction service and rejects
// anything else at startup.
type TransactionService interface {
	Begin(sess *session.Session) (*transaction.Txn, error)
	Get(sess *session.Session) (*transaction.Txn, error)
	AddCallback(sess *session.Session, typ transaction.CallbackType, fn transaction.Callback) error
}

// SchemaManager is the catalog authority the rest of the database consumes.
type SchemaManager interface {
	Start() error
	Stop()

	// GetAis returns the catalog snapshot for the session's transaction.
	// Stable within one transaction.
	GetAis(sess *session.Session) (*ais.AIS, error)
	// GetOldestActiveAISGeneration reports the oldest generation any cache
	// may still need.
	GetOldestActiveAISGeneration() int64

	SaveAISChangeWithRowDefs(sess *session.Session, newAIS *ais.AIS, schemaNames []string) error
	UnSavedAISChangeWithRowDefs(sess *session.Session, newAIS *ais.AIS) error
	SerializeMemoryTables(sess *session.Session, newAIS *ais.AIS) error
	DeleteTableStatuses(sess *session.Session, tableIDs []int) error
	TreeRemovalIsDelayed() bool
	TreeWasRemoved(sess *session.Session, schemaName, treeName string)

	CreateTableDefinition(sess *session.Session, table *ais.Table) (ais.TableName, error)
	DropTableDefinition(sess *session.Session, name ais.TableName) error
	AddColumn(sess *session.Session, table ais.TableName, columnName, typeName string, nullable bool) error
	DropSchema(sess *session.Session, schemaName string) error
	CreateSequence(sess *session.Session, seq *ais.Sequence) error
	DropSequence(sess *session.Session, name ais.TableName) error
	CreateRoutine(sess *session.Session, routine *ais.Routine) error
	DropRoutine(sess *session.Session, name ais.TableName) error
	RegisterMemoryTable(sess *session.Session, table *ais.Table) error
}

// KVSchemaManager implements SchemaManager over the optimistic transaction
// service.
type KVSchemaManager struct {
	conf       *config.Config
	sessions   *session.Service
	txnService *transaction.Service

	// aisLock guards cache installation only; it is never held across KV
	// I/O beyond the reload that motivated acquiring it.
	aisLock sync.Mutex
	curAIS  atomic.Value // *ais.AIS

	nameGenerator    ais.NameGenerator
	tableVersionMap  *ais.TableVersionMap
	tableStatusCache *TableStatusCache
	rowDefCache      *rowdata.RowDefCache
}

var _ SchemaManager = (*KVSchemaManager)(nil)

// NewKVSchemaManager wires the schema manager. Constructing it over any
// transaction service other than the optimistic KV one fails with
// ErrWrongTransactionService.
func NewKVSchemaManager(conf *config.Config, sessions *session.Service, txnService TransactionService) (*KVSchemaManager, error) {
	svc, ok := txnService.(*transaction.Service)
	if !ok {
		return nil, errors.Trace(ErrWrongTransactionService)
	}
	return &KVSchemaManager{
		conf:       conf,
		sessions:   sessions,
		txnService: svc,
	}, nil
}

// Start loads the persisted catalog under one transaction, installs it and
// seeds the name generator from it.
func (m *KVSchemaManager) Start() error {
	m.tableStatusCache = NewTableStatusCache(m.txnService)
	m.rowDefCache = rowdata.NewRowDefCache()
	m.tableVersionMap = ais.NewTableVersionMap()

	sess := m.sessions.CreateSession()
	defer sess.Close()
	err := m.Transactionally(sess, func(sess *session.Session) error {
		newAIS, err := m.loadAISFromStorage(sess)
		if err != nil {
			return err
		}
		m.buildRowDefCache(newAIS)
		m.curAIS.Store(newAIS)
		return nil
	})
	if err != nil {
		return err
	}

	m.nameGenerator = ais.SynchronizeNameGenerator(ais.NewDefaultNameGenerator())
	m.mergeNewAIS(m.current())
	log.Infof("schema manager started at generation %d", m.current().Generation())
	return nil
}

// Stop releases the cached state. The engine is owned by the caller.
func (m *KVSchemaManager) Stop() {
	m.curAIS.Store((*ais.AIS)(nil))
	m.nameGenerator = nil
	m.tableVersionMap = nil
	m.tableStatusCache = nil
	m.rowDefCache = nil
}

// NameGenerator exposes the shared generator for DDL construction.
func (m *KVSchemaManager) NameGenerator() ais.NameGenerator {
	return m.nameGenerator
}

// TableVersionMap exposes the per-table version map for downstream caches.
func (m *KVSchemaManager) TableVersionMap() *ais.TableVersionMap {
	return m.tableVersionMap
}

// RowDefCache exposes the row layouts of the installed catalog.
func (m *KVSchemaManager) RowDefCache() *rowdata.RowDefCache {
	return m.rowDefCache
}

// TableStatusCache exposes per-table statuses.
func (m *KVSchemaManager) TableStatusCache() *TableStatusCache {
	return m.tableStatusCache
}

func (m *KVSchemaManager) current() *ais.AIS {
	cur, _ := m.curAIS.Load().(*ais.AIS)
	return cur
}

// GetAis returns the snapshot for the session's transaction: the attached one
// when present, the cached one when the transactional generation matches, a
// reload otherwise.
func (m *KVSchemaManager) GetAis(sess *session.Session) (*ais.AIS, error) {
	if local, ok := sess.Get(sessionAISKey).(*ais.AIS); ok {
		return local, nil
	}
	generation, err := m.getTransactionalGeneration(sess)
	if err != nil {
		return nil, m.mapKVError(sess, err)
	}
	localAIS := m.current()
	if generation != localAIS.Generation() {
		m.aisLock.Lock()
		// May have been waiting.
		if cur := m.current(); generation == cur.Generation() {
			localAIS = cur
		} else {
			localAIS, err = m.loadAISFromStorage(sess)
			if err != nil {
				m.aisLock.Unlock()
				return nil, m.mapKVError(sess, err)
			}
			m.buildRowDefCache(localAIS)
			if localAIS.Generation() > cur.Generation() {
				m.curAIS.Store(localAIS)
				m.mergeNewAIS(localAIS)
			}
			// An older transactional generation uses the reloaded snapshot
			// locally; curAIS never regresses.
		}
		m.aisLock.Unlock()
	}
	if err := m.attachToSession(sess, localAIS); err != nil {
		return nil, err
	}
	return localAIS, nil
}

// GetOldestActiveAISGeneration returns the installed generation; consumers
// use it to decide when old cached state can be discarded.
func (m *KVSchemaManager) GetOldestActiveAISGeneration() int64 {
	return m.current().Generation()
}

// SaveAISChangeWithRowDefs validates and freezes the candidate, bumps the
// generation, serializes each affected schema, and rebuilds the row
// definition cache. Must run inside Transactionally.
func (m *KVSchemaManager) SaveAISChangeWithRowDefs(sess *session.Session, newAIS *ais.AIS, schemaNames []string) error {
	buffer := m.newByteBufferForSavingAIS()
	if err := m.validateAndFreeze(sess, newAIS); err != nil {
		return err
	}
	txn, err := m.txnService.Get(sess)
	if err != nil {
		return errors.Trace(err)
	}
	for _, schemaName := range schemaNames {
		if err := m.saveProtobuf(txn, buffer, newAIS, schemaName); err != nil {
			return err
		}
	}
	m.buildRowDefCache(newAIS)
	return nil
}

// SerializeMemoryTables intentionally does nothing. Memory tables are not
// written to storage, so a reload from storage (at Start, or in GetAis) does
// not bring them back.
func (m *KVSchemaManager) SerializeMemoryTables(sess *session.Session, newAIS *ais.AIS) error {
	return nil
}

// UnSavedAISChangeWithRowDefs installs an in-memory-only catalog change: no
// generation bump, no blob writes. The candidate replaces curAIS at the same
// generation so sessions outside the installing transaction see it too.
func (m *KVSchemaManager) UnSavedAISChangeWithRowDefs(sess *session.Session, newAIS *ais.AIS) error {
	if err := m.validateAndFreezeUnsaved(sess, newAIS); err != nil {
		return err
	}
	if err := m.SerializeMemoryTables(sess, newAIS); err != nil {
		return err
	}
	m.buildRowDefCache(newAIS)

	m.aisLock.Lock()
	if cur := m.current(); cur == nil || newAIS.Generation() >= cur.Generation() {
		m.curAIS.Store(newAIS)
		if m.nameGenerator != nil {
			m.mergeNewAIS(newAIS)
		}
	}
	m.aisLock.Unlock()
	return nil
}

// DeleteTableStatuses clears the status entries of dropped tables.
func (m *KVSchemaManager) DeleteTableStatuses(sess *session.Session, tableIDs []int) error {
	for _, id := range tableIDs {
		if err := m.tableStatusCache.DeleteTableStatus(sess, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *KVSchemaManager) TreeRemovalIsDelayed() bool {
	return false
}

func (m *KVSchemaManager) TreeWasRemoved(sess *session.Session, schemaName, treeName string) {
	// None.
}

// Transactionally runs fn inside a commit-or-retry loop on the session. On
// retry the whole body reruns against a reset transaction; nothing is
// partially visible.
func (m *KVSchemaManager) Transactionally(sess *session.Session, fn func(*session.Session) error) error {
	txn, err := m.txnService.Begin(sess)
	if err != nil {
		return errors.Trace(err)
	}
	defer txn.Close()
	for {
		if err := fn(sess); err != nil {
			return m.mapKVError(sess, err)
		}
		retry, err := txn.CommitOrRetry()
		if err != nil {
			if errors.Cause(err) == engine.ErrInterrupted {
				return &QueryCanceledError{Session: sess}
			}
			// A commit failure is the engine refusing the write, not a
			// transient conflict.
			return &StoreUnavailableError{Cause: err}
		}
		if !retry {
			return nil
		}
		// The body reruns from scratch; drop the snapshot attached by the
		// failed attempt so reads observe the newer state.
		sess.Remove(sessionAISKey)
	}
}

//
// Helpers
//

func (m *KVSchemaManager) newByteBufferForSavingAIS() *protobuf.GrowableByteBuffer {
	return protobuf.NewGrowableByteBuffer(m.conf.MaxAISBufferSize)
}

// validateAndFreeze validates the candidate, then reads, increments and
// writes the generation in the session's transaction, stamps and freezes the
// candidate, and attaches it to the session.
func (m *KVSchemaManager) validateAndFreeze(sess *session.Session, newAIS *ais.AIS) error {
	if err := validationResultError(newAIS.Validate(ais.LiveAISValidations)); err != nil {
		return err
	}
	generation, err := m.getTransactionalGeneration(sess)
	if err != nil {
		return err
	}
	newGeneration := generation + 1
	txn, err := m.txnService.Get(sess)
	if err != nil {
		return errors.Trace(err)
	}
	txn.Set(packedGenerationKey, codec.NewTuple(newGeneration).Pack())

	if err := newAIS.SetGeneration(newGeneration); err != nil {
		return errors.Trace(err)
	}
	newAIS.Freeze()
	return m.attachToSession(sess, newAIS)
}

// validateAndFreezeUnsaved stamps the candidate with the current generation
// without bumping it.
func (m *KVSchemaManager) validateAndFreezeUnsaved(sess *session.Session, newAIS *ais.AIS) error {
	if err := validationResultError(newAIS.Validate(ais.LiveAISValidations)); err != nil {
		return err
	}
	generation, err := m.getTransactionalGeneration(sess)
	if err != nil {
		return err
	}
	if err := newAIS.SetGeneration(generation); err != nil {
		return errors.Trace(err)
	}
	newAIS.Freeze()
	return m.attachToSession(sess, newAIS)
}

// saveProtobuf writes or clears the per-schema blob, choosing the selector
// the schema's role requires.
func (m *KVSchemaManager) saveProtobuf(txn *transaction.Txn, buffer *protobuf.GrowableByteBuffer, newAIS *ais.AIS, schemaName string) error {
	var selector protobuf.WriteSelector
	switch schemaName {
	case ais.InformationSchema, ais.SecuritySchema:
		selector = protobuf.SingleSchemaSelector{Schema: schemaName, ExcludeMemoryTables: true}
	case ais.SysSchema, ais.SQLJSchema:
		selector = protobuf.SingleSchemaSelector{Schema: schemaName, ExcludeRoutines: true}
	default:
		selector = protobuf.SingleSchemaSelector{Schema: schemaName}
	}

	packed := packedPBKey(schemaName)
	if newAIS.Schema(schemaName) != nil {
		buffer.Clear()
		if err := protobuf.NewWriter(buffer, selector).Save(newAIS); err != nil {
			if errors.Cause(err) == protobuf.ErrBufferOverflow {
				return &AISTooLargeError{MaxSize: buffer.MaxSize()}
			}
			return err
		}
		txn.Set(packed, buffer.Bytes())
	} else {
		txn.Clear(packed)
	}
	return nil
}

func (m *KVSchemaManager) buildRowDefCache(newAIS *ais.AIS) {
	m.tableStatusCache.DetachAIS()
	m.rowDefCache.SetAIS(newAIS)
}

// loadAISFromStorage reads every blob under the pb prefix in the session's
// transaction, decodes them into a fresh graph, validates it, stamps it with
// the transactional generation, and freezes it.
func (m *KVSchemaManager) loadAISFromStorage(sess *session.Session) (*ais.AIS, error) {
	txn, err := m.txnService.Get(sess)
	if err != nil {
		return nil, errors.Trace(err)
	}
	reader := protobuf.NewReader(ais.NewAIS())
	iter := txn.ScanPrefix(packedPBPrefix)
	for iter.Next() {
		reader.LoadBuffer(iter.Value())
	}
	iter.Close()
	newAIS, err := reader.LoadAIS()
	if err != nil {
		return nil, err
	}

	if err := validationResultError(newAIS.Validate(ais.LiveAISValidations)); err != nil {
		return nil, err
	}
	generation, err := m.getTransactionalGeneration(sess)
	if err != nil {
		return nil, err
	}
	if err := newAIS.SetGeneration(generation); err != nil {
		return nil, errors.Trace(err)
	}
	newAIS.Freeze()
	return newAIS, nil
}

// getTransactionalGeneration reads the generation key inside the session's
// transaction; this is what totally orders DDLs against each other and
// against readers.
func (m *KVSchemaManager) getTransactionalGeneration(sess *session.Session) (int64, error) {
	txn, err := m.txnService.Get(sess)
	if err != nil {
		return 0, errors.Trace(err)
	}
	packedGen, err := txn.Get(packedGenerationKey)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if packedGen == nil {
		return 0, nil
	}
	elems, err := codec.UnpackTuple(packedGen)
	if err != nil {
		return 0, internalErrorf("malformed generation value: %v", err)
	}
	if len(elems) != 1 {
		return 0, internalErrorf("malformed generation value (%d elements)", len(elems))
	}
	generation, ok := elems[0].(int64)
	if !ok {
		return 0, internalErrorf("malformed generation value (%T element)", elems[0])
	}
	return generation, nil
}

// mergeNewAIS folds a newly installed snapshot into the name generator and
// the table version map.
func (m *KVSchemaManager) mergeNewAIS(newAIS *ais.AIS) {
	m.nameGenerator.MergeAIS(newAIS)
	m.tableVersionMap.ClaimExclusive()
	defer m.tableVersionMap.ReleaseExclusive()
	newAIS.UserTables(func(t *ais.Table) {
		m.tableVersionMap.PutNewer(t.TableID(), t.Version())
	})
}

// attachToSession installs the snapshot on the session and registers the
// end-of-transaction callback the first time.
func (m *KVSchemaManager) attachToSession(sess *session.Session, a *ais.AIS) error {
	prev := sess.Put(sessionAISKey, a)
	if prev == nil {
		return errors.Trace(m.txnService.AddCallback(sess, transaction.CallbackEnd, clearSessionKeyCallback))
	}
	return nil
}

func clearSessionKeyCallback(sess *session.Session, commitVer uint64) {
	sess.Remove(sessionAISKey)
}

// mapKVError turns an interruption into a query-canceled failure. Every other
// error, including a non-interruption engine failure on a read, is returned
// unchanged; only commit failures in Transactionally become
// StoreUnavailableError.
func (m *KVSchemaManager) mapKVError(sess *session.Session, err error) error {
	if err == nil {
		return nil
	}
	switch cause := errors.Cause(err); cause {
	case engine.ErrInterrupted:
		return &QueryCanceledError{Session: sess}
	default:
		return err
	}
}
