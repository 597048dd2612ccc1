package embersql

/*
EmberSQL is the catalog core of a SQL database whose schema metadata lives in
an ordered key/value store. The schema manager is the single source of truth
for the logical schema (tables, indexes, sequences, routines): every DDL
observer sees either the old catalog in its entirety or the new one, stamped
with a monotonic generation, with no torn reads.

The module is organized into the following packages:

* `kv`: the key/value gateway: storage engines (in-memory and badger), the
  optimistic transaction service with commit-or-retry, configuration, and the
  tuple/key codec for the `sm/` keyspace.
* `session`: per-connection state with typed keyed values.
* `ais`: the information-schema graph, its validation rules, the
  collision-free name generator and the per-table version map.
* `ais/protobuf`: the selector-driven catalog serializer.
* `rowdata`: row layouts derived from each installed catalog.
* `sm`: the schema manager itself: snapshot cache, generation protocol, DDL
  executors, table statuses.

Building EmberSQL produces one executable, embersql-server, which opens the
storage engine and serves the catalog to in-process consumers.
*/
