/*
Package cluster routes commands to the nodes of a slot partitioned store.

Every key maps to one of NumSlots hash slots (CRC16 of the key or of its
{hash tag}), every slot is owned by one primary. The Router keeps a SlotMap
snapshot behind an atomic pointer and one multiplexed connection per node.
Changes never modify a map in place, they swap in a new one.

Routing of a command, in order:

  - an explicit common.Route wins
  - commands with keys go to the primary owning the slot of their first key,
    multi key commands whose keys span several slots (MGET, MSET, DEL, ...)
    are split per slot and the replies are put back together
  - key-less commands follow the default route of their descriptor (one
    random primary, all primaries or all nodes) and multi node replies are
    combined by the descriptor's response policy

MOVED replies update the slot map and schedule a refresh, ASK replies are
answered with ASKING on the importing node, TRYAGAIN is retried after a
backoff. All of them count against ClientConfig.MaxRedirects.

A ScanCursor iterates the keys of the whole cluster with one SCAN iteration
per primary. A slot counts as scanned once its owner finished an iteration
without losing any slot in between, so keys are returned at least once even
while slots move:

	cursor := cluster.NewScanCursor(cluster.ScanArgs{Match: "user:*", Count: 100})
	for !cursor.IsFinished() {
		keys, err := router.Scan(ctx, cursor)
		if err != nil {
			return err
		}
		process(keys)
	}
*/
package cluster
