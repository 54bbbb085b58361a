// Package events fans hub change events out to in-process subscribers and
// appends them to the vhost's persistent changelog file.
package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/moby/pubsub"

	"github.com/latticeweb/lattice/hub"
)

// Message is one published change, as written to the changelog (one JSON
// object per line) and delivered to subscribers.
type Message struct {
	Time time.Time `json:"time"`
	Op   string    `json:"op"`
	Addr string    `json:"addr"`
	Path string    `json:"path"`
}

// Feed is the change event hub of one vhost.
type Feed struct {
	pub *pubsub.Publisher

	mu      sync.Mutex
	logPath string
	logFile *os.File
}

// NewFeed creates a feed whose changelog lives at logPath. An empty path
// disables the persistent log.
func NewFeed(logPath string) *Feed {
	return &Feed{
		pub:     pubsub.NewPublisher(100*time.Millisecond, 64),
		logPath: logPath,
	}
}

// Subscribe returns a channel of Message values. Slow subscribers are
// skipped after the publish timeout.
func (f *Feed) Subscribe() chan interface{} {
	return f.pub.Subscribe()
}

// Evict removes a subscriber channel.
func (f *Feed) Evict(ch chan interface{}) {
	f.pub.Evict(ch)
}

// Publish delivers the change to subscribers and the changelog.
func (f *Feed) Publish(ev hub.ChangeEvent) {
	msg := Message{Time: ev.Time, Op: ev.Op, Addr: ev.Addr, Path: ev.Path}
	f.pub.Publish(msg)
	f.appendLog(msg)
}

// Flush appends a whole request's change log at cleanup time.
func (f *Feed) Flush(changes []hub.ChangeEvent) {
	for _, ev := range changes {
		f.Publish(ev)
	}
}

func (f *Feed) appendLog(msg Message) {
	if f.logPath == "" {
		return
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logFile == nil {
		if err := os.MkdirAll(filepath.Dir(f.logPath), 0o755); err != nil {
			log.L.WithError(err).Warn("changelog directory")
			return
		}
		file, err := os.OpenFile(f.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.L.WithError(err).Warn("opening changelog")
			return
		}
		f.logFile = file
	}
	if _, err := f.logFile.Write(append(line, '\n')); err != nil {
		log.L.WithError(err).Warn("appending changelog")
	}
}

// Close shuts the publisher down and closes the changelog file.
func (f *Feed) Close() {
	f.pub.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logFile != nil {
		_ = f.logFile.Close()
		f.logFile = nil
	}
}
