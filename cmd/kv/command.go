package main

import (
	"bytes"
	"encoding/gob"

	"github.com/raftkit/raft/raftpb"
)

// CommandType discriminates a kv command's verb.
type CommandType int32

const (
	CommandSet CommandType = iota
	CommandUnset
)

// KVCommand is the application payload carried inside a raftpb.LogBody for
// this example state machine: a single key set or unset.
type KVCommand struct {
	Type  CommandType
	Key   string
	Value []byte
}

// EncodeCommand serializes cmd into a raftpb.Command for ApplyCommand.
func EncodeCommand(cmd KVCommand) raftpb.Command {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// DecodeCommand is the inverse of EncodeCommand, used by the state machine
// when applying a COMMAND log entry.
func DecodeCommand(data raftpb.Command) KVCommand {
	var cmd KVCommand
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cmd); err != nil {
		panic(err)
	}
	return cmd
}
