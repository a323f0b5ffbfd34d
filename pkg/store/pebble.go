package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/utils"
)

var (
	db     *pebble.DB
	dbPath string
)

// maxPathDepth guards the iterative parent walk against corrupted trees.
const maxPathDepth = 10000

// appendLocks serializes variant-index assignment per (thread, parent). The
// lock only covers the index scan plus the batch commit; it is never held
// across a network call.
var appendLocks = struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}{m: map[string]*sync.Mutex{}}

func appendLock(threadID, parentID string) *sync.Mutex {
	appendLocks.mu.Lock()
	defer appendLocks.mu.Unlock()
	k := threadID + "\x00" + parentID
	l, ok := appendLocks.m[k]
	if !ok {
		l = &sync.Mutex{}
		appendLocks.m[k] = l
	}
	return l
}

// Open opens (or creates) a Pebble database at the given path and keeps a
// global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// Key layout:
//   thread:<tid>:meta                     -> Thread JSON
//   thread:<tid>:msg:<mid>                -> Message JSON
//   thread:<tid>:child:<parent>:<%06d>    -> message id  (uniqueness row for
//                                            (thread, parent, variant_index))
//   msgidx:<mid>                          -> thread id
func threadMetaKey(tid string) []byte { return []byte("thread:" + tid + ":meta") }
func msgKey(tid, mid string) []byte   { return []byte("thread:" + tid + ":msg:" + mid) }
func msgIdxKey(mid string) []byte     { return []byte("msgidx:" + mid) }

func parentKeyPart(parentID string) string {
	if parentID == "" {
		return "root"
	}
	return parentID
}

func childPrefix(tid, parentID string) []byte {
	return []byte("thread:" + tid + ":child:" + parentKeyPart(parentID) + ":")
}

func childKey(tid, parentID string, idx int) []byte {
	return []byte(fmt.Sprintf("thread:%s:child:%s:%06d", tid, parentKeyPart(parentID), idx))
}

func notReadyErr() error {
	return fmt.Errorf("%w: pebble not opened; call store.Open first", ErrStorageUnavailable)
}

// withRetry runs fn once and retries exactly once on failure before wrapping
// the error as ErrStorageUnavailable. Sub-millisecond local operations, so no
// backoff.
func withRetry(op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	logger.Warn("storage_retry", "op", op, "error", err)
	if err = fn(); err == nil {
		return nil
	}
	logger.Error("storage_unavailable", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// SaveThread persists thread metadata.
func SaveThread(th models.Thread) error {
	if db == nil {
		return notReadyErr()
	}
	data, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	if err := withRetry("save_thread", func() error {
		return db.Set(threadMetaKey(th.ID), data, pebble.Sync)
	}); err != nil {
		return err
	}
	logger.Info("thread_saved", "thread", th.ID)
	return nil
}

// GetThread returns the stored thread for the given ID.
func GetThread(threadID string) (models.Thread, error) {
	var th models.Thread
	if db == nil {
		return th, notReadyErr()
	}
	v, closer, err := db.Get(threadMetaKey(threadID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return th, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return th, fmt.Errorf("%w: get_thread: %v", ErrStorageUnavailable, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &th); err != nil {
		return th, fmt.Errorf("invalid thread metadata: %w", err)
	}
	return th, nil
}

// ListThreads returns all saved threads, skipping soft-deleted ones unless
// includeDeleted is set.
func ListThreads(includeDeleted bool) ([]models.Thread, error) {
	if db == nil {
		return nil, notReadyErr()
	}
	prefix := []byte("thread:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: list_threads: %v", ErrStorageUnavailable, err)
	}
	defer iter.Close()
	var out []models.Thread
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			continue
		}
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			continue
		}
		if th.Deleted && !includeDeleted {
			continue
		}
		out = append(out, th)
	}
	return out, iter.Error()
}

// SoftDeleteThread marks the thread as deleted and appends a tombstone
// message under the current active leaf. The data stays until retention
// purges it.
func SoftDeleteThread(threadID, actor string) error {
	th, err := GetThread(threadID)
	if err != nil {
		return err
	}
	if th.Deleted {
		return nil
	}
	th.Deleted = true
	th.DeletedTS = time.Now().UTC().UnixNano()
	if err := SaveThread(th); err != nil {
		return err
	}
	parent := ""
	if leaf, ok, lerr := ActiveLeaf(threadID); lerr == nil && ok {
		parent = leaf.ID
	}
	if _, err := Append(threadID, parent, models.RoleSystem, "thread deleted by "+actor, nil); err != nil {
		logger.Error("soft_delete_append_tombstone_failed", "thread", threadID, "error", err)
		return err
	}
	logger.Info("thread_soft_deleted", "thread", threadID, "actor", actor)
	return nil
}

// PurgeThread removes every key belonging to a thread. Used by retention on
// soft-deleted threads past their max age.
func PurgeThread(threadID string) error {
	if db == nil {
		return notReadyErr()
	}
	prefix := []byte("thread:" + threadID + ":")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("%w: purge_thread: %v", ErrStorageUnavailable, err)
	}
	defer iter.Close()
	b := db.NewBatch()
	defer b.Close()
	msgPrefix := []byte("thread:" + threadID + ":msg:")
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		if bytes.HasPrefix(k, msgPrefix) {
			mid := string(k[len(msgPrefix):])
			_ = b.Delete(msgIdxKey(mid), nil)
		}
		_ = b.Delete(k, nil)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: purge_thread: %v", ErrStorageUnavailable, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: purge_thread: %v", ErrStorageUnavailable, err)
	}
	logger.Info("thread_purged", "thread", threadID)
	return nil
}

// nextVariantIndex scans the child rows under (thread, parent) and returns
// 1 + max(existing indices), or 0 when the parent has no children yet.
func nextVariantIndex(threadID, parentID string) (int, error) {
	prefix := childPrefix(threadID, parentID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	next := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var idx int
		if _, err := fmt.Sscanf(string(iter.Key()[len(prefix):]), "%d", &idx); err == nil {
			if idx >= next {
				next = idx + 1
			}
		}
	}
	return next, iter.Error()
}

// Append inserts a new message under parentID, assigning the next free
// variant index inside the same atomic batch that writes the message. A
// collision on the child row triggers exactly one recompute before the
// operation fails with ErrVariantConflict.
func Append(threadID, parentID, role, content string, attachments []string) (models.Message, error) {
	return appendRow(threadID, parentID, models.Message{
		ID:          utils.GenID(),
		Role:        role,
		Content:     content,
		Attachments: attachments,
		Completed:   true,
	})
}

// AppendPending inserts an empty, incomplete row with a caller-chosen ID.
// The row for a streamed reply is created this way on the first chunk, so a
// turn that produced no output leaves nothing behind.
func AppendPending(threadID, parentID, id, role string) (models.Message, error) {
	return appendRow(threadID, parentID, models.Message{ID: id, Role: role})
}

func appendRow(threadID, parentID string, seed models.Message) (models.Message, error) {
	var m models.Message
	if db == nil {
		return m, notReadyErr()
	}
	if parentID != "" {
		parent, err := LoadMessage(parentID)
		if err != nil {
			if errors.Is(err, ErrMessageNotFound) {
				return m, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
			}
			return m, err
		}
		// parent must live in the same thread
		if parent.Thread != threadID {
			return m, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		}
	}

	l := appendLock(threadID, parentID)
	l.Lock()
	defer l.Unlock()

	insert := func() (models.Message, error) {
		idx, err := nextVariantIndex(threadID, parentID)
		if err != nil {
			return models.Message{}, fmt.Errorf("%w: variant_index: %v", ErrStorageUnavailable, err)
		}
		ck := childKey(threadID, parentID, idx)
		// the child row is the uniqueness constraint; a pre-existing row at
		// the computed index means a concurrent writer won the slot
		if _, closer, err := db.Get(ck); err == nil {
			closer.Close()
			return models.Message{}, ErrVariantConflict
		} else if err != pebble.ErrNotFound {
			return models.Message{}, fmt.Errorf("%w: child_check: %v", ErrStorageUnavailable, err)
		}
		msg := seed
		msg.Thread = threadID
		msg.ParentID = parentID
		msg.VariantIndex = idx
		msg.TS = time.Now().UTC().UnixNano()
		data, err := json.Marshal(msg)
		if err != nil {
			return models.Message{}, fmt.Errorf("failed to marshal message: %w", err)
		}
		b := db.NewBatch()
		defer b.Close()
		_ = b.Set(msgKey(threadID, msg.ID), data, nil)
		_ = b.Set(ck, []byte(msg.ID), nil)
		_ = b.Set(msgIdxKey(msg.ID), []byte(threadID), nil)
		if err := b.Commit(pebble.Sync); err != nil {
			return models.Message{}, fmt.Errorf("%w: append: %v", ErrStorageUnavailable, err)
		}
		return msg, nil
	}

	m, err := insert()
	if errors.Is(err, ErrVariantConflict) {
		// retry the index computation once, then surface the conflict
		m, err = insert()
		if errors.Is(err, ErrVariantConflict) {
			logger.Warn("variant_conflict", "thread", threadID, "parent", parentID)
			return models.Message{}, ErrVariantConflict
		}
	}
	if err != nil {
		return models.Message{}, err
	}
	logger.Info("message_appended", "thread", threadID, "msg", m.ID, "parent", parentID, "variant", m.VariantIndex)
	return m, nil
}

func threadOfMessage(messageID string) (string, error) {
	v, closer, err := db.Get(msgIdxKey(messageID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return "", fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		return "", fmt.Errorf("%w: msg_index: %v", ErrStorageUnavailable, err)
	}
	defer closer.Close()
	return string(v), nil
}

// LoadMessage returns the stored message for the given ID.
func LoadMessage(messageID string) (models.Message, error) {
	var m models.Message
	if db == nil {
		return m, notReadyErr()
	}
	tid, err := threadOfMessage(messageID)
	if err != nil {
		return m, err
	}
	v, closer, err := db.Get(msgKey(tid, messageID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return m, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		return m, fmt.Errorf("%w: load_message: %v", ErrStorageUnavailable, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid stored message: %w", err)
	}
	return m, nil
}

func saveMessage(m models.Message, sync bool) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	return db.Set(msgKey(m.Thread, m.ID), data, opt)
}

// LoadSiblings returns all messages sharing the given message's parent,
// ordered by variant index. The message itself is included.
func LoadSiblings(messageID string) ([]models.Message, error) {
	m, err := LoadMessage(messageID)
	if err != nil {
		return nil, err
	}
	return childrenOf(m.Thread, m.ParentID)
}

func childrenOf(threadID, parentID string) ([]models.Message, error) {
	prefix := childPrefix(threadID, parentID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: children: %v", ErrStorageUnavailable, err)
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		mid := string(iter.Value())
		m, err := LoadMessage(mid)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// SetActive flips is_active to true for messageID and to false for every
// sibling, in one atomic batch.
func SetActive(messageID string) error {
	if db == nil {
		return notReadyErr()
	}
	target, err := LoadMessage(messageID)
	if err != nil {
		return err
	}
	sibs, err := childrenOf(target.Thread, target.ParentID)
	if err != nil {
		return err
	}
	b := db.NewBatch()
	defer b.Close()
	for _, s := range sibs {
		want := s.ID == messageID
		if s.IsActive == want {
			continue
		}
		s.IsActive = want
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		_ = b.Set(msgKey(s.Thread, s.ID), data, nil)
	}
	if err := withRetry("set_active", func() error { return b.Commit(pebble.Sync) }); err != nil {
		return err
	}
	logger.Debug("message_activated", "msg", messageID, "thread", target.Thread)
	return nil
}

// LoadPath returns the root-to-leaf ancestor path for the given leaf, or the
// current active path when leafID is empty. The upward walk is bounded to
// protect against corrupted parent links.
func LoadPath(threadID, leafID string) ([]models.Message, error) {
	if db == nil {
		return nil, notReadyErr()
	}
	if leafID == "" {
		return activePath(threadID)
	}
	var rev []models.Message
	cur := leafID
	for depth := 0; cur != ""; depth++ {
		if depth >= maxPathDepth {
			return nil, fmt.Errorf("path depth exceeds %d; tree corrupted for thread %s", maxPathDepth, threadID)
		}
		m, err := LoadMessage(cur)
		if err != nil {
			return nil, err
		}
		if m.Thread != threadID {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, leafID)
		}
		rev = append(rev, m)
		cur = m.ParentID
	}
	// reverse to root-to-leaf order
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev, nil
}

// activePath walks active children downward from the root.
func activePath(threadID string) ([]models.Message, error) {
	var out []models.Message
	parent := ""
	for depth := 0; depth < maxPathDepth; depth++ {
		kids, err := childrenOf(threadID, parent)
		if err != nil {
			return nil, err
		}
		var next *models.Message
		for i := range kids {
			if kids[i].IsActive {
				next = &kids[i]
				break
			}
		}
		if next == nil {
			return out, nil
		}
		out = append(out, *next)
		parent = next.ID
	}
	return nil, fmt.Errorf("active path depth exceeds %d for thread %s", maxPathDepth, threadID)
}

// ActiveLeaf returns the last message of the active path, if any.
func ActiveLeaf(threadID string) (models.Message, bool, error) {
	path, err := activePath(threadID)
	if err != nil || len(path) == 0 {
		return models.Message{}, false, err
	}
	return path[len(path)-1], true, nil
}

// AppendContent appends a content delta to an in-flight (not yet completed)
// message. Used by the orchestrator to flush partial streamed output.
func AppendContent(messageID, delta string) error {
	m, err := LoadMessage(messageID)
	if err != nil {
		return err
	}
	if m.Completed {
		return fmt.Errorf("message %s already completed", messageID)
	}
	m.Content += delta
	return withRetry("append_content", func() error { return saveMessage(m, false) })
}

// Finalize marks an in-flight message complete or truncated. Idempotent:
// finalizing an already-final message with the same flag is a no-op.
func Finalize(messageID string, completed bool) (models.Message, error) {
	m, err := LoadMessage(messageID)
	if err != nil {
		return m, err
	}
	if m.Completed == completed {
		return m, nil
	}
	m.Completed = completed
	if err := withRetry("finalize", func() error { return saveMessage(m, true) }); err != nil {
		return m, err
	}
	logger.Debug("message_finalized", "msg", messageID, "completed", completed)
	return m, nil
}

// Tree returns every message in a thread keyed by parent, for tree-view
// clients. Ordering within a sibling group follows variant index.
func Tree(threadID string) (map[string][]models.Message, error) {
	if db == nil {
		return nil, notReadyErr()
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: tree: %v", ErrStorageUnavailable, err)
	}
	defer iter.Close()
	out := map[string][]models.Message{}
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		out[m.ParentID] = append(out[m.ParentID], m)
	}
	for k := range out {
		sibs := out[k]
		for i := 1; i < len(sibs); i++ {
			for j := i; j > 0 && sibs[j].VariantIndex < sibs[j-1].VariantIndex; j-- {
				sibs[j], sibs[j-1] = sibs[j-1], sibs[j]
			}
		}
	}
	return out, iter.Error()
}

// SaveKey stores an arbitrary key/value pair. Callers should choose a safe
// namespace (e.g. "binding:").
func SaveKey(key string, value []byte) error {
	if db == nil {
		return notReadyErr()
	}
	return withRetry("save_key", func() error { return db.Set([]byte(key), value, pebble.Sync) })
}

// GetKey returns the raw value for the given key.
func GetKey(key string) ([]byte, error) {
	if db == nil {
		return nil, notReadyErr()
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// DeleteKey removes a raw key.
func DeleteKey(key string) error {
	if db == nil {
		return notReadyErr()
	}
	return withRetry("delete_key", func() error { return db.Delete([]byte(key), pebble.Sync) })
}

// ListKeys returns all keys that start with the given prefix.
func ListKeys(prefix string) ([]string, error) {
	if db == nil {
		return nil, notReadyErr()
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: list_keys: %v", ErrStorageUnavailable, err)
	}
	defer iter.Close()
	pfx := []byte(prefix)
	var out []string
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		out = append(out, string(append([]byte(nil), iter.Key()...)))
	}
	return out, iter.Error()
}
