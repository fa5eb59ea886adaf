package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RPCHandler answers one JSON-RPC method. Returning a non-nil *RPCError sends
// an error response instead of the result.
type RPCHandler func(params []json.RawMessage) (any, *RPCError)

// RPCServer is an in-process JSON-RPC 2.0 endpoint standing in for a bundler
// or paymaster.
type RPCServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]RPCHandler
	calls    map[string]int
	params   map[string][][]json.RawMessage
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type rpcFailure struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *RPCError       `json:"error"`
}

func NewRPCServer(t testing.TB) *RPCServer {
	s := &RPCServer{
		handlers: map[string]RPCHandler{},
		calls:    map[string]int{},
		params:   map[string][][]json.RawMessage{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *RPCServer) Handle(method string, h RPCHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Calls returns how many times method was invoked.
func (s *RPCServer) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// LastParams returns the params of the most recent call to method.
func (s *RPCServer) LastParams(method string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.params[method]
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (s *RPCServer) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls[req.Method]++
	s.params[req.Method] = append(s.params[req.Method], req.Params)
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		_ = json.NewEncoder(w).Encode(rpcFailure{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: -32601, Message: "method not found"}})
		return
	}

	result, rpcErr := h(req.Params)
	if rpcErr != nil {
		_ = json.NewEncoder(w).Encode(rpcFailure{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(rpcResult{JSONRPC: "2.0", ID: req.ID, Result: raw})
}
