// Package sqlite implements store.Store on SQLite.
//
// Open the database with [Open], which sets the connection parameters the
// store depends on, then call Migrate:
//
//	s, err := sqlite.Open("/var/lib/conductor/conductor.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Every write runs in a BEGIN IMMEDIATE transaction, which takes SQLite's
// single write lock before the first read. This serializes job mutations
// and makes admission count-and-insert atomic without row locks.
package sqlite
