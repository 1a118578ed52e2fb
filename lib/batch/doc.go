// Package batch executes ordered groups of commands, either pipelined per
// node or as a MULTI/EXEC transaction on the node owning all their keys.
package batch
