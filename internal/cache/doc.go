// Package cache defines the versioned response store behind the offline
// controller. A Store holds named generations; each Generation maps a request
// key (path plus query) to a stored Response. The controller only ever opens,
// lists and deletes generations, so swapping the filesystem backend for the
// leveldb one is a configuration change. Entries carry no expiry: they live
// until their generation is deleted.
package cache
