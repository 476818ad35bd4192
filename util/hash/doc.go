// Hash based data structures.
//
// [RWMap] is map with [sync.RWMutex] embeded, used for lazily created per-type resources.
//
// [Set] is a HashSet data structure backed by a map, [SyncSet] is the thread-safe version.
package hash
