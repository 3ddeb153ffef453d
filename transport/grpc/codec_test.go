package grpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raft/raftpb"
)

func TestGobCodecRoundTripsAppendEntriesRequest(t *testing.T) {
	var codec gobCodec
	req := &raftpb.AppendEntriesRequest{
		Term:         3,
		LeaderId:     "n1",
		PrevLogIndex: 5,
		PrevLogTerm:  2,
		LeaderCommit: 4,
		Entries: []*raftpb.Log{
			{Meta: &raftpb.LogMeta{Index: 6, Term: 3}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("x")}},
		},
	}

	data, err := codec.Marshal(req)
	require.NoError(t, err)

	var decoded raftpb.AppendEntriesRequest
	require.NoError(t, codec.Unmarshal(data, &decoded))
	require.Equal(t, req.Term, decoded.Term)
	require.Equal(t, req.LeaderId, decoded.LeaderId)
	require.Len(t, decoded.Entries, 1)
	require.Equal(t, uint64(6), decoded.Entries[0].Meta.Index)
	require.Equal(t, []byte("x"), decoded.Entries[0].Body.Data)
}

func TestGobCodecNameMatchesRegisteredSubtype(t *testing.T) {
	require.Equal(t, "raftgob", gobCodec{}.Name())
}
