package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raft/raftpb"
)

func peers(ids ...string) []*raftpb.Peer {
	out := make([]*raftpb.Peer, len(ids))
	for i, id := range ids {
		out[i] = &raftpb.Peer{Id: id, Endpoint: id + ":0"}
	}
	return out
}

func TestConfigurationEncodeDecodeRoundtrips(t *testing.T) {
	cfg := &raftpb.Configuration{
		Current: &raftpb.Config{Peers: peers("n1", "n2", "n3")},
		Next:    &raftpb.Config{Peers: peers("n1", "n2", "n4")},
	}
	data, err := encodeConfiguration(cfg)
	require.NoError(t, err)

	decoded, err := decodeConfiguration(data)
	require.NoError(t, err)
	require.Equal(t, cfg.Current.Ids(), decoded.Current.Ids())
	require.Equal(t, cfg.Next.Ids(), decoded.Next.Ids())
	require.True(t, decoded.Joint())
}

func TestConfigurationStoreSetLatestTracksJointState(t *testing.T) {
	store := newConfigurationStore(raftpb.NewConfiguration(raftpb.NewConfig(peers("n1", "n2", "n3")...)))
	require.Equal(t, ConsensusUniform, store.State())

	joint := &raftpb.Configuration{
		Current: &raftpb.Config{Peers: peers("n1", "n2", "n3")},
		Next:    &raftpb.Config{Peers: peers("n1", "n2", "n4")},
	}
	store.SetLatest(joint, 10)
	require.Equal(t, ConsensusJoint, store.State())
	require.False(t, store.readyForUniformTransition(), "not committed yet")

	entry := &raftpb.Log{Meta: &raftpb.LogMeta{Index: 10, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_CONFIGURATION}}
	entry.Body.Data, _ = encodeConfiguration(joint)
	store.handleConfigCommitted(entry)
	require.True(t, store.readyForUniformTransition())

	uniform := raftpb.NewConfiguration(raftpb.NewConfig(peers("n1", "n2", "n4")...))
	store.SetLatest(uniform, 11)
	finalEntry := &raftpb.Log{Meta: &raftpb.LogMeta{Index: 11, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_CONFIGURATION}}
	finalEntry.Body.Data, _ = encodeConfiguration(uniform)
	store.handleConfigCommitted(finalEntry)
	require.Equal(t, ConsensusUniform, store.State())
}

func TestConfigurationStoreAddNonVoterEntersNonVoterSync(t *testing.T) {
	store := newConfigurationStore(raftpb.NewConfiguration(raftpb.NewConfig(peers("n1")...)))
	store.AddNonVoter(&raftpb.Peer{Id: "n2", Endpoint: "n2:0"})
	require.Equal(t, ConsensusNonVoterSync, store.State())
	require.Len(t, store.NonVoters(), 1)
}

func TestBuildJointConfigKeepsCurrentSetsNext(t *testing.T) {
	store := newConfigurationStore(raftpb.NewConfiguration(raftpb.NewConfig(peers("n1", "n2", "n3")...)))
	all := map[string]*raftpb.Peer{"n1": peers("n1")[0], "n2": peers("n2")[0], "n4": peers("n4")[0]}
	joint := store.buildJointConfig([]string{"n1", "n2", "n4"}, all)
	require.ElementsMatch(t, []string{"n1", "n2", "n3"}, joint.Current.Ids())
	require.ElementsMatch(t, []string{"n1", "n2", "n4"}, joint.Next.Ids())
}

func TestQuorumSatisfiedRequiresBothConfigsDuringJoint(t *testing.T) {
	cfg := &raftpb.Configuration{
		Current: &raftpb.Config{Peers: peers("n1", "n2", "n3")},
		Next:    &raftpb.Config{Peers: peers("n1", "n4", "n5")},
	}

	matchIndex := map[string]uint64{"n2": 10, "n3": 10, "n4": 0, "n5": 0}
	// n1 is self, reported via selfIndex. Current has a quorum (n1,n2,n3)
	// but Next does not (only n1 at 10; n4 and n5 lagging).
	require.False(t, quorumSatisfied(cfg, matchIndex, "n1", 10, 10))

	matchIndex["n5"] = 10
	require.True(t, quorumSatisfied(cfg, matchIndex, "n1", 10, 10))
}

func TestQuorumSatisfiedUniformConfig(t *testing.T) {
	cfg := raftpb.NewConfiguration(raftpb.NewConfig(peers("n1", "n2", "n3")...))
	matchIndex := map[string]uint64{"n2": 5, "n3": 0}
	require.True(t, quorumSatisfied(cfg, matchIndex, "n1", 5, 5), "n1+n2 is a quorum of 3")
	require.False(t, quorumSatisfied(cfg, matchIndex, "n1", 5, 6))
}
