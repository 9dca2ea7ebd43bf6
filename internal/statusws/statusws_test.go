package statusws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBroadcasterPushesSnapshots(t *testing.T) {
	source := func() []Snapshot {
		return []Snapshot{{Rank: 0, Host: "node0", DatasetID: 3, State: "RUNNING", Percent: 42.5, Bandwidth: 100}}
	}
	b := New(source, 10*time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got []Snapshot
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].Host != "node0" || got[0].Percent != 42.5 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestNewClampsMinimumInterval(t *testing.T) {
	b := New(func() []Snapshot { return nil }, time.Millisecond)
	if b.Interval != time.Second {
		t.Fatalf("expected interval clamped to 1s, got %v", b.Interval)
	}
}
