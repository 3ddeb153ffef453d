// Command kv is a minimal replicated key-value server built on the raft
// package: one bbolt-backed log/snapshot store and one gRPC transport per
// node, wired together the way raft.NewServer expects.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/raftkit/raft"
	"github.com/raftkit/raft/raftpb"
	"github.com/raftkit/raft/storage/boltstore"
	grpctransport "github.com/raftkit/raft/transport/grpc"
)

func main() {
	id := flag.String("id", "", "this node's server ID")
	listen := flag.String("listen", "127.0.0.1:9000", "address to bind the raft transport to")
	dataDir := flag.String("data", "kv.bolt", "path to this node's bbolt data file")
	peersFlag := flag.String("peers", "", "comma-separated id=endpoint pairs for the initial cluster, e.g. n1=127.0.0.1:9000,n2=127.0.0.1:9001")
	bootstrap := flag.Bool("bootstrap", false, "initialize a brand-new single-/multi-node cluster from -peers")
	apiListen := flag.String("api", "", "address to expose the /kv and /states inspection HTTP server on, empty disables it")
	flag.Parse()

	if *id == "" {
		fmt.Println("kv: -id is required")
		return
	}

	logger := zap.NewExample().Sugar()

	store, err := boltstore.Open(*dataDir)
	if err != nil {
		logger.Fatalw("failed to open data store", "err", err)
	}

	transport, err := grpctransport.NewTransport(*listen, logger)
	if err != nil {
		logger.Fatalw("failed to bind transport", "err", err)
	}

	sm := NewStateMachine()

	server, err := raft.NewServer(raft.ServerCoreOptions{
		Id:               *id,
		Endpoint:         transport.Endpoint(),
		LogProvider:      store,
		StateMachine:     sm,
		SnapshotProvider: store,
		Transport:        transport,
	}, raft.WithAPIServerListenAddress(*apiListen), raft.WithAPIExtension(kvAPIExtension(sm)))
	if err != nil {
		logger.Fatalw("failed to build server", "err", err)
	}

	if *bootstrap {
		peers := parsePeers(*peersFlag)
		go func() {
			if err := server.Initialize(peers); err != nil {
				logger.Warnw("initialize failed", "err", err)
			}
		}()
	}

	if err := server.Serve(); err != nil {
		logger.Fatalw("server exited", "err", err)
	}
}

func parsePeers(raw string) []*raftpb.Peer {
	if raw == "" {
		return nil
	}
	var peers []*raftpb.Peer
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		peers = append(peers, &raftpb.Peer{Id: kv[0], Endpoint: kv[1]})
	}
	return peers
}

// kvAPIExtension registers a couple of read/write HTTP routes on top of the
// core's inspection server, so the example binary is actually usable from
// curl without a separate client program.
func kvAPIExtension(sm *StateMachine) raft.APIExtension {
	return func(api raft.APIServer) {
		api.HandleFunc("/kv/keys", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(sm.Keys())
		})
		api.HandleFunc("/kv/set", func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Query().Get("key")
			value := r.URL.Query().Get("value")
			cmd := EncodeCommand(KVCommand{Type: CommandSet, Key: key, Value: []byte(value)})
			if _, err := api.Server().ApplyCommand(cmd).Result(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		api.HandleFunc("/kv/get", func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Query().Get("key")
			value, ok := sm.Value(key)
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(value)
		})
	}
}
