// Package types defines the data shared between the master, the workers and
// clients of the cluster: worker registration and state, file partitions and
// the typed errors that cross the wire.
package types
