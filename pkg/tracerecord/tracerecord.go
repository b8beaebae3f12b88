// Package tracerecord implements the persistent record of executed
// addresses.
//
// The record is kept per PageSize aligned page, pages inside a loaded
// module are keyed by module name and relative address so that the record
// survives relocations. Pages are stored in a badger database and cached in
// memory, dirty pages are written back when they are evicted from the cache
// and when the record is flushed.
package tracerecord

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/steptrace/pkg/config"
	"github.com/go-delve/steptrace/pkg/logflags"
	"github.com/go-delve/steptrace/pkg/proc"
)

// ErrRecordingDisabled is returned by operations that require trace
// recording to be enabled.
var ErrRecordingDisabled = errors.New("trace recording is disabled")

// Visit is the answer to a visited query.
type Visit uint8

const (
	// VisitUnknown is returned while recording is disabled.
	VisitUnknown Visit = iota
	NotVisited
	Visited
)

func (v Visit) String() string {
	switch v {
	case NotVisited:
		return "not visited"
	case Visited:
		return "visited"
	}
	return "unknown"
}

// Config configures a Store.
type Config struct {
	// Type is the record type of newly created pages.
	Type RecordType
	// CachePages is the number of pages kept in memory.
	CachePages int
	// FlushInterval is the number of marked instructions between automatic
	// flushes, zero disables automatic flushes.
	FlushInterval uint64
}

// Info describes the state of a Store.
type Info struct {
	Enabled      bool
	Path         string
	Type         RecordType
	CachedPages  int
	Pages        int
	Instructions uint64
}

// Store is the trace record. Marks are expected to come from a single
// goroutine, queries can be made from any goroutine.
type Store struct {
	instructions uint64

	cfg Config
	log logflags.Logger

	// mu is held for writing while recording is enabled or disabled.
	mu      sync.RWMutex
	path    string
	db      *badger.DB
	modules proc.ModuleService

	dataMu   sync.Mutex
	cache    *lru.Cache
	evictErr error
	marks    uint64
}

// New creates a disabled store.
func New(cfg Config) *Store {
	if cfg.Type == 0 {
		cfg.Type = TypeByte
	}
	if cfg.CachePages <= 0 {
		cfg.CachePages = config.DefaultTraceRecordCachePages
	}
	return &Store{cfg: cfg, log: logflags.TraceRecordLogger()}
}

// SetModules sets the module service used to key pages by module.
func (s *Store) SetModules(mods proc.ModuleService) {
	s.mu.Lock()
	s.modules = mods
	s.mu.Unlock()
}

// Enabled returns true if recording is enabled.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// Enable opens or creates the record stored in the directory path and
// starts accepting marks. Enabling an enabled store with a different path
// closes the previous record first.
func (s *Store) Enable(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if s.path == path {
			return nil
		}
		if err := s.closeLocked(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return &proc.IOError{Op: "create", Path: path, Err: err}
	}
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{s.log}).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return &proc.IOError{Op: "open", Path: path, Err: err}
	}
	cache, err := lru.NewWithEvict(s.cfg.CachePages, s.onEvict)
	if err != nil {
		db.Close()
		return err
	}
	s.db, s.path, s.cache = db, path, cache
	s.log.WithField("path", path).Debugf("trace recording enabled (%s)", s.cfg.Type)
	return nil
}

// Disable flushes and closes the record. Disabling a disabled store does
// nothing.
func (s *Store) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.closeLocked()
}

func (s *Store) closeLocked() error {
	s.dataMu.Lock()
	ferr := s.flushLocked()
	s.cache.Purge()
	s.dataMu.Unlock()
	err := s.db.Close()
	s.log.WithField("path", s.path).Debug("trace recording disabled")
	path := s.path
	s.db, s.path, s.cache = nil, "", nil
	if ferr != nil {
		return ferr
	}
	if err != nil {
		return &proc.IOError{Op: "close", Path: path, Err: err}
	}
	return nil
}

// Flush writes every modified page to disk.
func (s *Store) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	wb := s.db.NewWriteBatch()
	var written []*page
	for _, k := range s.cache.Keys() {
		v, ok := s.cache.Peek(k)
		if !ok {
			continue
		}
		p := v.(*page)
		if !p.dirty {
			continue
		}
		if err := wb.Set([]byte(k.(string)), p.encode()); err != nil {
			wb.Cancel()
			return &proc.IOError{Op: "write", Path: s.path, Err: err}
		}
		written = append(written, p)
	}
	if err := wb.Flush(); err != nil {
		return &proc.IOError{Op: "write", Path: s.path, Err: err}
	}
	for _, p := range written {
		p.dirty = false
	}
	if err := s.db.Sync(); err != nil {
		return &proc.IOError{Op: "sync", Path: s.path, Err: err}
	}
	s.log.Debugf("flushed %d pages", len(written))
	if err := s.evictErr; err != nil {
		s.evictErr = nil
		return &proc.IOError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

// onEvict writes back dirty pages evicted from the cache, it is called
// with dataMu held.
func (s *Store) onEvict(key, value interface{}) {
	p := value.(*page)
	if !p.dirty || s.db == nil {
		return
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key.(string)), p.encode())
	})
	if err != nil {
		s.log.WithError(err).Errorf("could not write back page %s", key)
		s.evictErr = err
		return
	}
	p.dirty = false
}

// locate returns the key of the page containing addr and the offset of
// addr inside it.
func (s *Store) locate(addr uint64) (string, uint64) {
	if s.modules != nil {
		if mod := s.modules.ModuleAt(addr); mod != nil {
			rva := addr - mod.Base
			return fmt.Sprintf("m/%s/%016x", strings.ToLower(mod.Name), rva&pageMask), rva &^ pageMask
		}
	}
	return fmt.Sprintf("a/%016x", addr&pageMask), addr &^ pageMask
}

// getPage returns the page with the given key, loading it from disk if it
// is not cached. If the page does not exist it is created when create is
// true, otherwise nil is returned.
func (s *Store) getPage(key string, create bool) (*page, error) {
	if v, ok := s.cache.Get(key); ok {
		return v.(*page), nil
	}
	var p *page
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var err error
			p, err = decodePage(val)
			return err
		})
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		if !create {
			return nil, nil
		}
		p = newPage(s.cfg.Type)
	case err != nil:
		return nil, &proc.IOError{Op: "read", Path: s.path, Err: err}
	}
	s.cache.Add(key, p)
	return p, nil
}

// MarkExecuted marks addr as executed.
func (s *Store) MarkExecuted(addr uint64) error {
	return s.MarkInstruction(addr, 1)
}

// MarkInstruction marks the size bytes of an instruction executed at addr.
func (s *Store) MarkInstruction(addr, size uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrRecordingDisabled
	}
	if size == 0 {
		return nil
	}
	atomic.AddUint64(&s.instructions, 1)

	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	for size > 0 {
		key, off := s.locate(addr)
		n := PageSize - off
		if n > size {
			n = size
		}
		p, err := s.getPage(key, true)
		if err != nil {
			return err
		}
		p.mark(off, n)
		addr += n
		size -= n
	}
	s.marks++
	if s.cfg.FlushInterval > 0 && s.marks >= s.cfg.FlushInterval {
		s.marks = 0
		return s.flushLocked()
	}
	return nil
}

func (s *Store) lookup(addr uint64) (*page, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, 0, false
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	key, off := s.locate(addr)
	p, err := s.getPage(key, false)
	if err != nil {
		s.log.WithError(err).Errorf("lookup of %#x", addr)
		return nil, 0, false
	}
	return p, off, true
}

// IsVisited reports whether addr was executed. It returns VisitUnknown
// while recording is disabled.
func (s *Store) IsVisited(addr uint64) Visit {
	p, off, ok := s.lookup(addr)
	switch {
	case !ok:
		return VisitUnknown
	case p == nil || p.hitCount(off) == 0:
		return NotVisited
	}
	return Visited
}

// HitCount returns the number of times addr was executed, saturated at the
// capacity of the page counter. Bit pages return 0 or 1.
func (s *Store) HitCount(addr uint64) uint {
	p, off, ok := s.lookup(addr)
	if !ok || p == nil {
		return 0
	}
	return p.hitCount(off)
}

// ByteType returns the position of addr inside the instructions that
// executed it.
func (s *Store) ByteType(addr uint64) ByteType {
	p, off, ok := s.lookup(addr)
	if !ok || p == nil {
		return InstructionHeading
	}
	return p.byteType(off)
}

// InstructionCounter returns the number of instructions marked since the
// store was created.
func (s *Store) InstructionCounter() uint64 {
	return atomic.LoadUint64(&s.instructions)
}

// Info returns a description of the store.
func (s *Store) Info() (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{Type: s.cfg.Type, Instructions: s.InstructionCounter()}
	if s.db == nil {
		return info, nil
	}
	info.Enabled = true
	info.Path = s.path

	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	keys := make(map[string]bool)
	for _, k := range s.cache.Keys() {
		keys[k.(string)] = true
	}
	info.CachedPages = len(keys)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys[string(it.Item().KeyCopy(nil))] = true
		}
		return nil
	})
	if err != nil {
		return info, &proc.IOError{Op: "read", Path: s.path, Err: err}
	}
	info.Pages = len(keys)
	return info, nil
}

type badgerLogger struct {
	log logflags.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(strings.TrimSuffix(format, "\n"), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf(strings.TrimSuffix(format, "\n"), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf(strings.TrimSuffix(format, "\n"), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(strings.TrimSuffix(format, "\n"), args...)
}
