package sim

// ActivityQueue is implemented by every queue in the core: the TimeVortex,
// the PollingLinkQueue, and the per-peer SyncQueue. Pop removes and returns
// the minimum under the queue's own ordering; Front returns it without
// removing. Both return nil on an empty queue. Insert accepts any delivery
// time including the current cycle (same-cycle delivery is legal).
type ActivityQueue interface {
	Empty() bool
	Size() int
	Insert(a Activity) error
	Pop() Activity
	Front() Activity
}
