package ais

// Well-known schema names. Tables under these schemas get special treatment
// when the catalog is persisted (memory tables and system routines are
// filtered out, see ais/protobuf).
const (
	InformationSchema = "information_schema"
	SecuritySchema    = "security"
	SysSchema         = "sys"
	SQLJSchema        = "sqlj"
)

// TableName is the qualified name of a table, sequence, routine or jar.
type TableName struct {
	schema string
	name   string
}

func NewTableName(schema, name string) TableName {
	return TableName{schema: schema, name: name}
}

func (tn TableName) SchemaName() string {
	return tn.schema
}

func (tn TableName) Name() string {
	return tn.name
}

func (tn TableName) String() string {
	return tn.schema + "." + tn.name
}
