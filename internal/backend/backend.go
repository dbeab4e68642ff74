// Package backend implements the local backing-store stand-in referred
// to throughout spec.md §4 as "the backing disk": the thing a Request's
// LOCAL_PENDING flag is waiting on. It persists every write to a
// write-ahead log before acknowledging it and snapshots whenever
// Snapshot is called (nothing in this package schedules it), exactly the durability shape spec.md expects from the lower layer,
// adapted from byte-addressed key/value records to fixed-size sector
// blocks.
package backend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"drbdgo/internal/drbderr"
)

// DefaultBlockSize is the unit Store addresses blocks in when a caller
// does not negotiate a different one. Device always passes its own
// configured disk_conf.block_size_bytes (spec.md §3) explicitly; this
// default exists for callers (and tests) with no Device above them.
const DefaultBlockSize = 4096

type walEntry struct {
	Sector uint64 `json:"sector"`
	Data   []byte `json:"data"`
}

// Store is the backing disk for one Device. It is safe for concurrent
// use; writes serialize on mu the same way godkv's store.Store
// serializes Put behind a single mutex.
type Store struct {
	mu        sync.Mutex
	blocks    map[uint64][]byte // sector -> blockSize bytes
	blockSize uint32
	walFile   *os.File
	dataDir   string

	// injectedErr, once set by InjectIOError, is returned (and then
	// cleared) by the next Submit call in its place. It exists purely
	// for tests that need to exercise the WRITE_COMPLETED_WITH_ERROR /
	// READ_COMPLETED_WITH_ERROR paths without a real failing disk.
	injectedErr error
}

// Open creates or opens a Store rooted at dataDir: it loads the most
// recent snapshot, then replays the WAL entries written after it,
// exactly as godkv's store.New does for its key/value log. blockSize
// is the fixed record size every Submit call must match (disk_conf's
// block_size_bytes); 0 selects DefaultBlockSize.
func Open(dataDir string, blockSize uint32) (*Store, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("backend: create data dir: %w", err)
	}

	s := &Store{
		blocks:    make(map[uint64][]byte),
		blockSize: blockSize,
		dataDir:   dataDir,
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("backend: load snapshot: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dataDir, "wal.log"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backend: open wal: %w", err)
	}
	s.walFile = f

	if err := s.replayWAL(); err != nil {
		return nil, fmt.Errorf("backend: replay wal: %w", err)
	}
	return s, nil
}

// InjectIOError arms the store to fail its next Submit call with err,
// then clear the fault. Test-only hook for exercising the disk-error
// escalation path in spec.md §4.9.
func (s *Store) InjectIOError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectedErr = err
}

// SubmitWrite durably writes data (exactly Store's configured block
// size in bytes) at sector, then invokes done off the calling
// goroutine once the write settles — mirroring the real asynchronous
// completion a kernel block device gives a Request's LOCAL_PENDING wait.
func (s *Store) SubmitWrite(sector uint64, data []byte, done func(error)) {
	if uint32(len(data)) != s.blockSize {
		go done(fmt.Errorf("backend: write at sector %d: %w: got %d bytes, want %d", sector, drbderr.ErrIO, len(data), s.blockSize))
		return
	}

	s.mu.Lock()
	if err := s.takeInjectedErrLocked(); err != nil {
		s.mu.Unlock()
		go done(err)
		return
	}

	entry := walEntry{Sector: sector, Data: data}
	if err := s.appendWALLocked(entry); err != nil {
		s.mu.Unlock()
		go done(fmt.Errorf("backend: wal append: %w", err))
		return
	}
	cp := make([]byte, s.blockSize)
	copy(cp, data)
	s.blocks[sector] = cp
	s.mu.Unlock()

	go done(nil)
}

// SubmitRead returns the configured block-size bytes at sector, or drbderr.ErrIO if
// the sector was never written (reading an uninitialized block is a
// local miss, handled by the caller the same way a disk read error
// would be).
func (s *Store) SubmitRead(sector uint64, done func([]byte, error)) {
	s.mu.Lock()
	if err := s.takeInjectedErrLocked(); err != nil {
		s.mu.Unlock()
		go done(nil, err)
		return
	}
	block, ok := s.blocks[sector]
	s.mu.Unlock()

	if !ok {
		go done(nil, fmt.Errorf("backend: read at sector %d: %w: block never written", sector, drbderr.ErrIO))
		return
	}
	cp := make([]byte, s.blockSize)
	copy(cp, block)
	go done(cp, nil)
}

func (s *Store) takeInjectedErrLocked() error {
	if s.injectedErr == nil {
		return nil
	}
	err := s.injectedErr
	s.injectedErr = nil
	return err
}

func (s *Store) appendWALLocked(entry walEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.walFile.Write(data); err != nil {
		return err
	}
	return s.walFile.Sync()
}

// Snapshot writes the full in-memory block map to disk via a temp file
// plus atomic rename, then truncates the WAL — identical shape to
// godkv's store.Store.Snapshot.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	snap := make(map[uint64][]byte, len(s.blocks))
	for k, v := range s.blocks {
		snap[k] = v
	}
	s.mu.Unlock()

	path := filepath.Join(s.dataDir, "snapshot.json")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.walFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.walFile.Seek(0, 0)
	return err
}

func (s *Store) loadSnapshot() error {
	path := filepath.Join(s.dataDir, "snapshot.json")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snap map[uint64][]byte
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.blocks = snap
	return nil
}

func (s *Store) replayWAL() error {
	if _, err := s.walFile.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.walFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		s.blocks[e.Sector] = e.Data
	}
	if _, err := s.walFile.Seek(0, 2); err != nil {
		return err
	}
	return scanner.Err()
}

// Close closes the WAL file. Call during shutdown.
func (s *Store) Close() error {
	return s.walFile.Close()
}
