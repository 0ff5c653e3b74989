package dhtnode

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OtterPeer/webrtc-network-simulator/cache"
	"github.com/OtterPeer/webrtc-network-simulator/id"
	"github.com/OtterPeer/webrtc-network-simulator/kbucket"
	"github.com/OtterPeer/webrtc-network-simulator/wire"
)

// cachedMessagesPath and kBucketPath implement spec §6's "Persisted
// state" filenames, tagged by self id.
func (n *Node) cachedMessagesPath() string {
	return filepath.Join(n.cfg.StateDir, fmt.Sprintf("dht_%s_cachedMessages.json", n.self))
}

func (n *Node) kBucketPath() string {
	return filepath.Join(n.cfg.StateDir, fmt.Sprintf("dht_%s_kBucket.json", n.self))
}

// cacheFileEntry is a CachedEntry in its persisted shape.
type cacheFileEntry struct {
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Payload    json.RawMessage
	InsertedAt int64 `json:"insertedAt"`
}

// cacheFilePair marshals as the spec's `[id, entry]` two-element JSON
// array rather than an object.
type cacheFilePair struct {
	ID    string
	Entry cacheFileEntry
}

func (p cacheFilePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Entry})
}

func (p *cacheFilePair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Entry)
}

type bucketFileEntry struct {
	ID string `json:"id"`
}

// SaveState implements spec §4.F's save_state: write the cache
// snapshot and routing-table ids to their well-known paths. A write
// failure is logged and otherwise swallowed (spec §7
// PersistenceError: "node continues... silently retries on next
// save").
func (n *Node) SaveState() {
	if n.cfg.StateDir == "" {
		return
	}
	if err := n.saveCacheFile(); err != nil {
		log.Warnf("persistence: failed to save cache for %s: %v", n.self, err)
	}
	if err := n.saveBucketFile(); err != nil {
		log.Warnf("persistence: failed to save routing table for %s: %v", n.self, err)
	}
}

func (n *Node) saveCacheFile() error {
	snap := n.cacheStrategy.Snapshot()
	pairs := make([]cacheFilePair, 0, len(snap))
	for _, e := range snap {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		pairs = append(pairs, cacheFilePair{
			ID: e.Payload.ID,
			Entry: cacheFileEntry{
				Sender:     e.Sender.String(),
				Recipient:  e.Recipient.String(),
				Payload:    payload,
				InsertedAt: e.InsertedAt.UnixMilli(),
			},
		})
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return err
	}
	return os.WriteFile(n.cachedMessagesPath(), data, 0o644)
}

func (n *Node) saveBucketFile() error {
	contacts := n.table.All()
	entries := make([]bucketFileEntry, 0, len(contacts))
	for _, c := range contacts {
		entries = append(entries, bucketFileEntry{ID: c.ID.String()})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(n.kBucketPath(), data, 0o644)
}

// LoadState implements spec §4.F's load_state: missing files are not
// errors. The cache is restored via BulkLoad (a no-op with a warning
// on the probabilistic variant, which legitimately rejects it); the
// routing table is restored via Add with no liveness ping.
func (n *Node) LoadState() {
	if n.cfg.StateDir == "" {
		return
	}
	n.loadCacheFile()
	n.loadBucketFile()
}

func (n *Node) loadCacheFile() {
	data, err := os.ReadFile(n.cachedMessagesPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("persistence: failed to read cache file for %s: %v", n.self, err)
		}
		return
	}

	var pairs []cacheFilePair
	if err := json.Unmarshal(data, &pairs); err != nil {
		log.Warnf("persistence: malformed cache file for %s: %v", n.self, err)
		return
	}

	entries := make([]cache.Entry, 0, len(pairs))
	for _, p := range pairs {
		sender, err := id.FromHex(p.Entry.Sender)
		if err != nil {
			continue
		}
		recipient, err := id.FromHex(p.Entry.Recipient)
		if err != nil {
			continue
		}
		var payload wire.Envelope
		if err := json.Unmarshal(p.Entry.Payload, &payload); err != nil {
			continue
		}
		entries = append(entries, cache.Entry{
			Sender:     sender,
			Recipient:  recipient,
			Payload:    payload,
			InsertedAt: time.UnixMilli(p.Entry.InsertedAt),
		})
	}

	if err := n.cacheStrategy.BulkLoad(entries); err != nil {
		log.Warnf("persistence: cache variant for %s rejected bulk_load: %v", n.self, err)
	}
}

func (n *Node) loadBucketFile() {
	data, err := os.ReadFile(n.kBucketPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("persistence: failed to read routing table file for %s: %v", n.self, err)
		}
		return
	}

	var entries []bucketFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warnf("persistence: malformed routing table file for %s: %v", n.self, err)
		return
	}

	for _, e := range entries {
		nid, err := id.FromHex(e.ID)
		if err != nil {
			continue
		}
		n.table.Add(kbucket.Contact{ID: nid})
	}
}
