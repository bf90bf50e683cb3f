package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/rpc"
	rpcjson "github.com/gorilla/rpc/json"
)

// Service exposes the engine over JSON-RPC as the "bridged" service.
type Service struct {
	engine *Engine
}

// StatusArgs is empty; Status takes no parameters.
type StatusArgs struct{}

// StatusReply carries the engine snapshot.
type StatusReply struct {
	Status Status `json:"status"`
}

// Status returns the engine's counters and store coverage.
func (s *Service) Status(r *http.Request, args *StatusArgs, reply *StatusReply) error {
	reply.Status = s.engine.Status()
	return nil
}

// ReplayArgs names the replay target by its full request token, so a
// manual trigger goes through the same exact-match grammar as the
// serial path.
type ReplayArgs struct {
	Token string `json:"token"`
}

// ReplayReply reports the replayed target.
type ReplayReply struct {
	Target int `json:"target"`
}

// Replay triggers one replay by hand. Meant for bench bring-up; the
// request fails unless the token matches the grammar exactly.
func (s *Service) Replay(r *http.Request, args *ReplayArgs, reply *ReplayReply) error {
	target, ok := ParseToken(args.Token)
	if !ok {
		return fmt.Errorf("unrecognized token %q", args.Token)
	}
	if err := s.engine.Replay(r.Context(), target); err != nil {
		return err
	}
	reply.Target = target
	return nil
}

// NewRouter builds the HTTP surface: the JSON-RPC service at /rpc and a
// plain status snapshot at /bridged/status.
func NewRouter(e *Engine) *mux.Router {
	s := rpc.NewServer()
	s.RegisterCodec(rpcjson.NewCodec(), "application/json")
	s.RegisterCodec(rpcjson.NewCodec(), "application/json;charset=UTF-8")
	s.RegisterService(&Service{engine: e}, "bridged")

	r := mux.NewRouter()
	r.Handle("/rpc", s)
	r.HandleFunc("/bridged/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(e.Status())
	}).Methods(http.MethodGet)
	return r
}
