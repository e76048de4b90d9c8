package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ulvenforst/nuvii-sync/internal/tempfile"
)

func collect(events <-chan Event, want int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestWatchFeedCreateAndDelete(t *testing.T) {
	dir := t.TempDir()
	feed := NewWatchFeed(dir, tempfile.New())
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer feed.Stop()

	path := filepath.Join(dir, "created.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	events := collect(feed.Events(), 1, 2*time.Second)
	if len(events) == 0 {
		t.Fatal("no create event delivered")
	}
	if events[0].Kind != EventCreate || events[0].RelativePath != "created.txt" {
		t.Errorf("event = %+v", events[0])
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	events = collect(feed.Events(), 1, 2*time.Second)
	if len(events) == 0 || events[0].Kind != EventDelete {
		t.Errorf("delete events = %v", events)
	}
}

func TestWatchFeedDropsTempFiles(t *testing.T) {
	dir := t.TempDir()
	feed := NewWatchFeed(dir, tempfile.New())
	if err := feed.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer feed.Stop()

	if err := os.WriteFile(filepath.Join(dir, "~$owner.docx"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "real.docx"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	events := collect(feed.Events(), 1, 2*time.Second)
	for _, ev := range events {
		if ev.RelativePath == "~$owner.docx" {
			t.Errorf("temp file leaked into the feed: %+v", ev)
		}
	}
}

func TestWatchFeedSubdirectoryEvents(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	feed := NewWatchFeed(dir, tempfile.New())
	if err := feed.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer feed.Stop()

	if err := os.WriteFile(filepath.Join(dir, "sub", "deep.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	events := collect(feed.Events(), 1, 2*time.Second)
	if len(events) == 0 {
		t.Fatal("no event for subdirectory create")
	}
	if events[0].RelativePath != "sub/deep.txt" {
		t.Errorf("relative = %q, want sub/deep.txt", events[0].RelativePath)
	}
}

func TestSSEFeedDeliversEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"kind\":\"create\",\"relative_path\":\"a.txt\"}\n\n")
		fmt.Fprintf(w, "data: {\"kind\":\"rename\",\"relative_path\":\"b.txt\",\"old_relative_path\":\"a.txt\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	feed := NewSSEFeed(server.URL, func(context.Context) (string, error) {
		return "test-token", nil
	})
	if err := feed.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer feed.Stop()

	events := collect(feed.Events(), 2, 3*time.Second)
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Kind != EventCreate || events[0].RelativePath != "a.txt" {
		t.Errorf("first = %+v", events[0])
	}
	if events[1].Kind != EventRename || events[1].OldRelativePath != "a.txt" {
		t.Errorf("second = %+v", events[1])
	}
}

func TestSSEFeedSkipsMalformedPayloads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: not-json\n\n")
		fmt.Fprintf(w, ": heartbeat comment\n\n")
		fmt.Fprintf(w, "data: {\"kind\":\"delete\",\"relative_path\":\"ok.txt\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	feed := NewSSEFeed(server.URL, nil)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer feed.Stop()

	events := collect(feed.Events(), 1, 3*time.Second)
	if len(events) != 1 || events[0].Kind != EventDelete {
		t.Errorf("events = %v", events)
	}
}

func TestTokenNeedsRefresh(t *testing.T) {
	// A structurally valid unsigned token with a far-future exp.
	future := "eyJhbGciOiJub25lIn0." + // {"alg":"none"}
		"eyJleHAiOjQ4NzA0NDAwMDB9." // {"exp":4870440000}
	if tokenNeedsRefresh(future) {
		t.Error("far-future token should not need refresh")
	}

	expired := "eyJhbGciOiJub25lIn0." +
		"eyJleHAiOjE2MDAwMDAwMDB9." // {"exp":1600000000}
	if !tokenNeedsRefresh(expired) {
		t.Error("expired token must need refresh")
	}

	if !tokenNeedsRefresh("garbage") {
		t.Error("undecodable token must be replaced")
	}
}
