// Package master implements the coordinator node of the cluster.
// The master keeps the live worker registry, forks submitted tasks, dispatches
// subtasks to workers, enforces the overall task deadline and cancellation,
// and joins the collected subresults.
package master
