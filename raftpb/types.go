// Package raftpb defines the wire and log types shared between the raft
// core, its storage provider, and its network transport.
package raftpb

// LogType discriminates the payload carried by a Log entry.
type LogType int32

const (
	// LogType_COMMAND carries an application-defined command.
	LogType_COMMAND LogType = iota
	// LogType_BLANK is the leader's initial no-op entry for a new term.
	LogType_BLANK
	// LogType_CONFIGURATION carries a Configuration change.
	LogType_CONFIGURATION
	// LogType_SNAPSHOT_POINTER is a virtual entry representing a compaction boundary.
	LogType_SNAPSHOT_POINTER
)

func (t LogType) String() string {
	switch t {
	case LogType_COMMAND:
		return "COMMAND"
	case LogType_BLANK:
		return "BLANK"
	case LogType_CONFIGURATION:
		return "CONFIGURATION"
	case LogType_SNAPSHOT_POINTER:
		return "SNAPSHOT_POINTER"
	default:
		return "UNKNOWN"
	}
}

// Command is an opaque application payload, serialized by the caller.
type Command []byte

// LogMeta is the index/term pair identifying a log entry.
type LogMeta struct {
	Index uint64
	Term  uint64
}

func (m *LogMeta) Copy() *LogMeta {
	if m == nil {
		return nil
	}
	return &LogMeta{Index: m.Index, Term: m.Term}
}

// LogBody carries the entry's type and opaque payload.
type LogBody struct {
	Type LogType
	Data []byte
}

func (b *LogBody) Copy() *LogBody {
	if b == nil {
		return nil
	}
	data := append([]byte(nil), b.Data...)
	return &LogBody{Type: b.Type, Data: data}
}

// Log is a single entry in the replicated log.
type Log struct {
	Meta *LogMeta
	Body *LogBody
}

func (l *Log) Copy() *Log {
	if l == nil {
		return nil
	}
	return &Log{Meta: l.Meta.Copy(), Body: l.Body.Copy()}
}

// Peer identifies one member of the cluster by ID and network endpoint.
type Peer struct {
	Id       string
	Endpoint string
}

func (p *Peer) Copy() *Peer {
	if p == nil {
		return nil
	}
	return &Peer{Id: p.Id, Endpoint: p.Endpoint}
}

// NilPeer is the zero-value sentinel used when no leader is known.
var NilPeer = &Peer{}

// Config is one membership set: the peers that count toward its quorum.
type Config struct {
	Peers []*Peer
}

func NewConfig(peers ...*Peer) *Config {
	return &Config{Peers: peers}
}

func (c *Config) Copy() *Config {
	if c == nil {
		return nil
	}
	peers := make([]*Peer, len(c.Peers))
	for i, p := range c.Peers {
		peers[i] = p.Copy()
	}
	return &Config{Peers: peers}
}

// Contains reports whether id is a member of this config.
func (c *Config) Contains(id string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.Peers {
		if p.Id == id {
			return true
		}
	}
	return false
}

// Peer returns the Peer record for id, or nil if absent.
func (c *Config) Peer(id string) *Peer {
	if c == nil {
		return nil
	}
	for _, p := range c.Peers {
		if p.Id == id {
			return p
		}
	}
	return nil
}

// Quorum is the number of grants/acks needed for a majority of this config.
func (c *Config) Quorum() int {
	if c == nil || len(c.Peers) == 0 {
		return 0
	}
	return len(c.Peers)/2 + 1
}

// Ids returns the member IDs of this config.
func (c *Config) Ids() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, len(c.Peers))
	for i, p := range c.Peers {
		ids[i] = p.Id
	}
	return ids
}

// Configuration is the cluster membership at a point in the log. When Next
// is non-nil the cluster is in joint consensus: quorums must be satisfied in
// both Current and Next simultaneously.
type Configuration struct {
	Current *Config
	Next    *Config
}

func NewConfiguration(current *Config) *Configuration {
	return &Configuration{Current: current}
}

func (c *Configuration) Copy() *Configuration {
	if c == nil {
		return nil
	}
	return &Configuration{Current: c.Current.Copy(), Next: c.Next.Copy()}
}

// Joint reports whether this configuration carries a members_after_consensus set.
func (c *Configuration) Joint() bool {
	return c != nil && c.Next != nil
}

// Peers returns the union of Current and Next peers (for replication driver
// bookkeeping: one driver per peer in members ∪ members_after_consensus).
func (c *Configuration) Peers() []*Peer {
	if c == nil {
		return nil
	}
	seen := map[string]*Peer{}
	order := make([]string, 0, len(c.Current.Peers))
	for _, p := range c.Current.Peers {
		if _, ok := seen[p.Id]; !ok {
			seen[p.Id] = p
			order = append(order, p.Id)
		}
	}
	if c.Next != nil {
		for _, p := range c.Next.Peers {
			if _, ok := seen[p.Id]; !ok {
				seen[p.Id] = p
				order = append(order, p.Id)
			}
		}
	}
	out := make([]*Peer, len(order))
	for i, id := range order {
		out[i] = seen[id]
	}
	return out
}

// Contains reports membership in Current (or, if joint, Current or Next).
func (c *Configuration) Contains(id string) bool {
	if c == nil {
		return false
	}
	if c.Current.Contains(id) {
		return true
	}
	return c.Next.Contains(id)
}

// Peer looks up a peer record across both membership sets.
func (c *Configuration) Peer(id string) *Peer {
	if c == nil {
		return nil
	}
	if p := c.Current.Peer(id); p != nil {
		return p
	}
	return c.Next.Peer(id)
}

// AppendEntriesRequest is the leader's replication/heartbeat RPC.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderId     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*Log
	LeaderCommit uint64
}

// AppendEntriesResponse is the follower's reply; ConflictIndex/ConflictTerm
// are an optional hint used to accelerate the leader's next_index back-off.
type AppendEntriesResponse struct {
	ServerId      string
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

// RequestVoteRequest is the candidate's election RPC.
type RequestVoteRequest struct {
	Term         uint64
	CandidateId  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResponse is a voter's reply.
type RequestVoteResponse struct {
	ServerId string
	Term     uint64
	Granted  bool
}

// InstallSnapshotRequest carries one chunk of a streamed snapshot.
type InstallSnapshotRequest struct {
	Term              uint64
	LeaderId          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Offset            uint64
	Data              []byte
	Done              bool
	MembershipAt      *Configuration
}

// InstallSnapshotResponse acknowledges one chunk (or the final chunk).
type InstallSnapshotResponse struct {
	Term uint64
}

// ApplyLogRequest forwards a client write to the leader over the transport.
type ApplyLogRequest struct {
	Body *LogBody
}

// ApplyLogResponse carries either the resulting LogMeta or an error string.
type ApplyLogResponse struct {
	Meta  *LogMeta
	Error string
}
