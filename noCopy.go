package raft

// noCopy may be embedded into a struct to let `go vet` flag accidental
// copies once the struct has been handed to a goroutine (the Server and its
// channel bundle must only ever be used through a pointer).
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
