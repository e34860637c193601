// Package crawler holds the contracts shared by the surfer subsystems: the raw
// and page-level fetch types, the small collaborator interfaces (clock, hasher,
// id generator, blob store, publisher) and the retry policy used by fetchers.
package crawler
