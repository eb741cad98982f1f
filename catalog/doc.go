// Package catalog enumerates the shared directory and resolves local
// paths for the sync engine.
//
// A Provider abstracts the filesystem so the engine can be tested without
// touching disk. DirProvider shares exactly the immediate regular-file
// children of one directory; hidden entries and subdirectories are never
// offered.
package catalog
