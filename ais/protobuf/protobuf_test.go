package protobuf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb-incubator/embersql/ais"
)

func buildCatalog(t *testing.T) *ais.AIS {
	a := ais.NewAIS()

	app, err := a.EnsureSchema("app")
	require.NoError(t, err)
	users := ais.NewTable(ais.NewTableName("app", "users"))
	require.NoError(t, users.SetTableID(1))
	require.NoError(t, users.SetVersion(2))
	require.NoError(t, users.SetGroupTreeName("app.users"))
	id := ais.NewColumn("id", 0, "bigint", false)
	require.NoError(t, users.AddColumn(id))
	name := ais.NewColumn("name", 1, "varchar", true)
	require.NoError(t, name.SetDefaultValue("anonymous"))
	require.NoError(t, users.AddColumn(name))
	pk := ais.NewIndex("PRIMARY", 1, true, ais.ConstraintPrimary)
	require.NoError(t, pk.SetTreeName("app.users.PRIMARY"))
	require.NoError(t, pk.AddColumn(ais.IndexColumn{ColumnName: "id", Position: 0}))
	require.NoError(t, users.AddIndex(pk))
	require.NoError(t, app.AddTable(users))

	seq := ais.NewSequence(ais.NewTableName("app", "user_ids"), -5, 2, -100, 1<<40, true)
	require.NoError(t, seq.SetTreeName("seq.app.user_ids"))
	require.NoError(t, app.AddSequence(seq))
	require.NoError(t, app.AddRoutine(ais.NewRoutine(ais.NewTableName("app", "cleanup"), "sql", "DELETE FROM users")))
	require.NoError(t, app.AddSQLJJar(ais.NewSQLJJar(ais.NewTableName("app", "tools"), "file:tools.jar")))

	info, err := a.EnsureSchema(ais.InformationSchema)
	require.NoError(t, err)
	memTable := ais.NewTable(ais.NewTableName(ais.InformationSchema, "tables"))
	require.NoError(t, memTable.SetTableID(1<<30))
	require.NoError(t, memTable.SetMemoryTable(true))
	require.NoError(t, memTable.AddColumn(ais.NewColumn("table_name", 0, "varchar", false)))
	require.NoError(t, info.AddTable(memTable))
	diskTable := ais.NewTable(ais.NewTableName(ais.InformationSchema, "stats"))
	require.NoError(t, diskTable.SetTableID(2))
	require.NoError(t, diskTable.SetGroupTreeName("information_schema.stats"))
	require.NoError(t, info.AddTable(diskTable))

	sys, err := a.EnsureSchema(ais.SysSchema)
	require.NoError(t, err)
	require.NoError(t, sys.AddRoutine(ais.NewRoutine(ais.NewTableName(ais.SysSchema, "dump"), "java", "")))

	return a
}

// saveSchema serializes one schema the way the schema manager persists it.
func saveSchema(t *testing.T, a *ais.AIS, selector WriteSelector) []byte {
	buffer := NewGrowableByteBuffer(0)
	require.NoError(t, NewWriter(buffer, selector).Save(a))
	return buffer.Bytes()
}

func TestRoundTripAllSchemas(t *testing.T) {
	src := buildCatalog(t)

	target := ais.NewAIS()
	reader := NewReader(target)
	for _, name := range src.SchemaNames() {
		reader.LoadBuffer(saveSchema(t, src, SingleSchemaSelector{Schema: name}))
	}
	got, err := reader.LoadAIS()
	require.NoError(t, err)

	assert.True(t, src.Equal(got), "decoded catalog differs from source")
}

func TestRoundTripBlobOrderIrrelevant(t *testing.T) {
	src := buildCatalog(t)
	names := src.SchemaNames()

	target := ais.NewAIS()
	reader := NewReader(target)
	for i := len(names) - 1; i >= 0; i-- {
		reader.LoadBuffer(saveSchema(t, src, SingleSchemaSelector{Schema: names[i]}))
	}
	got, err := reader.LoadAIS()
	require.NoError(t, err)
	assert.True(t, src.Equal(got))
}

func TestEmptySchemaSurvivesRoundTrip(t *testing.T) {
	src := ais.NewAIS()
	_, err := src.EnsureSchema("empty")
	require.NoError(t, err)

	got, err := NewReader(ais.NewAIS()).LoadAIS()
	require.NoError(t, err)
	assert.Nil(t, got.Schema("empty"))

	reader := NewReader(ais.NewAIS())
	reader.LoadBuffer(saveSchema(t, src, SingleSchemaSelector{Schema: "empty"}))
	got, err = reader.LoadAIS()
	require.NoError(t, err)
	require.NotNil(t, got.Schema("empty"))
	assert.True(t, got.Schema("empty").IsEmpty())
}

func TestMemoryTablesExcludedFromPersistedSystemSchema(t *testing.T) {
	src := buildCatalog(t)

	blob := saveSchema(t, src, SingleSchemaSelector{Schema: ais.InformationSchema, ExcludeMemoryTables: true})
	reader := NewReader(ais.NewAIS())
	reader.LoadBuffer(blob)
	got, err := reader.LoadAIS()
	require.NoError(t, err)

	info := got.Schema(ais.InformationSchema)
	require.NotNil(t, info)
	assert.Nil(t, info.Table("tables"), "memory table must not be persisted")
	assert.NotNil(t, info.Table("stats"))
}

func TestRoutinesExcludedFromSysSchema(t *testing.T) {
	src := buildCatalog(t)

	blob := saveSchema(t, src, SingleSchemaSelector{Schema: ais.SysSchema, ExcludeRoutines: true})
	reader := NewReader(ais.NewAIS())
	reader.LoadBuffer(blob)
	got, err := reader.LoadAIS()
	require.NoError(t, err)

	sys := got.Schema(ais.SysSchema)
	require.NotNil(t, sys)
	assert.Nil(t, sys.Routine("dump"))
}

func TestMemoryTableSelector(t *testing.T) {
	src := buildCatalog(t)

	blob := saveSchema(t, src, MemoryTableSelector{})
	reader := NewReader(ais.NewAIS())
	reader.LoadBuffer(blob)
	got, err := reader.LoadAIS()
	require.NoError(t, err)

	// Only the memory table and the sys routine survive.
	assert.NotNil(t, got.Schema(ais.InformationSchema).Table("tables"))
	assert.Nil(t, got.Schema(ais.InformationSchema).Table("stats"))
	assert.Nil(t, got.Schema("app").Table("users"))
	assert.Nil(t, got.Schema("app").Sequence("user_ids"))
	assert.Nil(t, got.Schema("app").SQLJJar("tools"))
	assert.NotNil(t, got.Schema(ais.SysSchema).Routine("dump"))
}

func TestBufferOverflow(t *testing.T) {
	buffer := NewGrowableByteBuffer(64)
	assert.Equal(t, 64, buffer.MaxSize())

	a := ais.NewAIS()
	s, err := a.EnsureSchema("big")
	require.NoError(t, err)
	tbl := ais.NewTable(ais.NewTableName("big", strings.Repeat("x", 100)))
	require.NoError(t, tbl.SetTableID(1))
	require.NoError(t, s.AddTable(tbl))

	err = NewWriter(buffer, SingleSchemaSelector{Schema: "big"}).Save(a)
	require.Error(t, err)
	assert.Equal(t, ErrBufferOverflow, errCause(err))
}

func TestBufferGrowthAndReuse(t *testing.T) {
	buffer := NewGrowableByteBuffer(0)
	big := make([]byte, 10000)
	_, err := buffer.Write(big)
	require.NoError(t, err)
	assert.Equal(t, 10000, buffer.Len())

	buffer.Clear()
	assert.Equal(t, 0, buffer.Len())
	_, err = buffer.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), buffer.Bytes())
}

func TestUnknownFieldsSkipped(t *testing.T) {
	src := buildCatalog(t)
	blob := saveSchema(t, src, SingleSchemaSelector{Schema: "app"})

	// A future writer appends a top-level field this reader does not know.
	extended := append(append([]byte{}, blob...), byte(15<<3|wireVarint), 42)
	reader := NewReader(ais.NewAIS())
	reader.LoadBuffer(extended)
	got, err := reader.LoadAIS()
	require.NoError(t, err)
	assert.NotNil(t, got.Schema("app").Table("users"))
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
