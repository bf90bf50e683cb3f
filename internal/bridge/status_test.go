package bridge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func statusServer(t *testing.T) (*httptest.Server, *recordingLink) {
	t.Helper()
	link := &recordingLink{}
	e, err := NewEngine(testStore(t), link, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	srv := httptest.NewServer(NewRouter(e))
	t.Cleanup(srv.Close)
	return srv, link
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := statusServer(t)

	resp, err := http.Get(srv.URL + "/bridged/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if len(st.Sequences) != 2 {
		t.Errorf("Sequences = %q, want both fixture sequences", st.Sequences)
	}
	if st.Replays != 0 || st.Dropped != 0 {
		t.Errorf("fresh engine reports replays=%d dropped=%d", st.Replays, st.Dropped)
	}
}

func rpcCall(t *testing.T, url, method string, params any) (json.RawMessage, *string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"method": method,
		"params": []any{params},
		"id":     1,
	})
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	resp, err := http.Post(url+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *string         `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out.Result, out.Error
}

func TestRPCStatus(t *testing.T) {
	srv, _ := statusServer(t)

	result, rpcErr := rpcCall(t, srv.URL, "bridged.Status", StatusArgs{})
	if rpcErr != nil {
		t.Fatalf("rpc error: %s", *rpcErr)
	}

	var reply StatusReply
	if err := json.Unmarshal(result, &reply); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	if reply.Status.SequenceDir == "" {
		t.Error("reply carries no sequence directory")
	}
}

func TestRPCReplay(t *testing.T) {
	srv, link := statusServer(t)

	result, rpcErr := rpcCall(t, srv.URL, "bridged.Replay", ReplayArgs{Token: "BITSTREAM3"})
	if rpcErr != nil {
		t.Fatalf("rpc error: %s", *rpcErr)
	}

	var reply ReplayReply
	if err := json.Unmarshal(result, &reply); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	if reply.Target != 3 {
		t.Errorf("Target = %d, want 3", reply.Target)
	}
	if len(link.replays) != 1 || link.replays[0] != "SEQ-3" {
		t.Errorf("replays = %q, want the slot 3 sequence", link.replays)
	}
}

func TestRPCReplayRejectsNearMiss(t *testing.T) {
	srv, link := statusServer(t)

	for _, tok := range []string{"BITSTREAM33", "BITSTREAM", "boot please"} {
		_, rpcErr := rpcCall(t, srv.URL, "bridged.Replay", ReplayArgs{Token: tok})
		if rpcErr == nil {
			t.Errorf("token %q accepted, want rejection", tok)
		}
	}
	if len(link.replays) != 0 {
		t.Errorf("replays = %q, want none", link.replays)
	}
}
