// Package partition defines the named, versioned stores that hold captured
// responses. A Registry hands out Partition handles by name (creating the
// partition on first use), lists the live partition names and deletes whole
// partitions during activation or cleanup. Three backends are provided: the
// filesystem layout StoragePath/<partition>/<sha1(key)>.entry (temp file +
// rename), a single LevelDB database, and an LRU-bounded in-memory store.
package partition
