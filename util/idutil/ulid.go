package idutil

import "github.com/oklog/ulid/v2"

// Generate random id with 26 characters with extra prefix.
//
// Thread safe. Can be used in distributed environment.
func Id(prefix string) (id string) {
	return prefix + New()
}

// Generate random id with 26 characters.
//
// Ids generated by the same process are monotonically ordered by time.
func New() (id string) {
	return ulid.Make().String()
}
