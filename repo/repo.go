// Package repo is the repository façade described by spec.md §4.10: the
// client list, the chunk store, and the chunk indexes that every client
// shares, guarded by the three locks a backup run needs (client-list,
// per-client, chunk-index). It is the component a driver such as
// package backup opens once per repository and uses for the lifetime of
// a run.
package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/obnamgo/obnam/bag"
	"github.com/obnamgo/obnam/chunkindex"
	"github.com/obnamgo/obnam/chunkstore"
	"github.com/obnamgo/obnam/fsiface"
	"github.com/obnamgo/obnam/objcodec"
	"github.com/obnamgo/obnam/obnamerr"
	"github.com/obnamgo/obnam/repo/client"
	"github.com/obnamgo/obnam/repo/generation"
	"github.com/obnamgo/obnam/storage/bagstore"
	"github.com/obnamgo/obnam/storage/blobstore"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

const (
	metaToplevel        = "repo-meta"
	chunkStoreToplevel  = "chunk-store"
	chunkIndexToplevel  = "chunk-indexes"
	clientsToplevel     = "clients"
	clientListBlobName  = "client-list"

	lockClientList = "client-list"
	lockChunkIndex = "chunk-indexes"

	defaultChecksumAlgorithm = "sha256"
	defaultRootPath          = "/"
)

// DedupPolicy selects how PutChunk decides between reusing an existing
// chunk and uploading a new one, per spec.md §4.11.
type DedupPolicy int

const (
	// DedupFatalist trusts a token match without comparing bytes. The
	// default: spec.md calls out the tiny collision risk as accepted.
	DedupFatalist DedupPolicy = iota
	// DedupNever always uploads, never consulting the index pre-upload.
	DedupNever
	// DedupVerify compares candidate bytes before trusting a token
	// match.
	DedupVerify
)

// Config configures a repository's storage layout and policy knobs.
type Config struct {
	// MaxChunkSize caps the bag size the chunk store packs file content
	// into; ChunkCacheSize bounds the bytes kept in its read cache.
	MaxChunkSize   uint64
	ChunkCacheSize uint64

	// MaxMetaBagSize and MetaCacheSize apply to the client-list, chunk
	// index, and per-client generation trees, which are much smaller
	// than chunk content and can afford looser bag packing.
	MaxMetaBagSize uint64
	MetaCacheSize  uint64

	// ChecksumAlgorithm names the chunk index's digest algorithm. Only
	// consulted the first time a repository's chunk indexes are
	// created; later opens use whatever algorithm was committed.
	ChecksumAlgorithm string

	// Dedup selects the deduplication policy new backups use.
	Dedup DedupPolicy

	// RootPath is the directory-children tree's root, the path
	// RemoveCheckpointGeneration walks from to find every chunk a
	// generation references. Defaults to "/".
	RootPath string
}

func (c Config) withDefaults() Config {
	if c.ChecksumAlgorithm == "" {
		c.ChecksumAlgorithm = defaultChecksumAlgorithm
	}
	if c.RootPath == "" {
		c.RootPath = defaultRootPath
	}
	return c
}

// Repo is one open repository: the shared chunk store and chunk
// indexes, plus the client list every client name is added to and
// removed from.
type Repo struct {
	fs  fsiface.FS
	cfg Config

	metaBlobs *blobstore.Store

	chunkBags  *bagstore.Store
	chunkBlobs *blobstore.Store
	chunks     *chunkstore.Store

	indexBags  *bagstore.Store
	indexBlobs *blobstore.Store
	index      *chunkindex.Index

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	openClients singleflight.Group
}

// New opens (or, for a never-used toplevel, initializes) a repository
// rooted on fs.
func New(ctx context.Context, fs fsiface.FS, cfg Config) (*Repo, error) {
	cfg = cfg.withDefaults()

	metaBags := bagstore.New(fs, metaToplevel)
	metaBlobs := blobstore.New(metaBags, cfg.MaxMetaBagSize, cfg.MetaCacheSize)

	chunkBags := bagstore.New(fs, chunkStoreToplevel)
	chunkBlobs := blobstore.New(chunkBags, cfg.MaxChunkSize, cfg.ChunkCacheSize)

	indexBags := bagstore.New(fs, chunkIndexToplevel)
	indexBlobs := blobstore.New(indexBags, cfg.MaxMetaBagSize, cfg.MetaCacheSize)

	index, err := chunkindex.New(ctx, indexBags, indexBlobs, cfg.ChecksumAlgorithm)
	if err != nil {
		return nil, errors.Wrap(err, "repo: open chunk indexes")
	}

	return &Repo{
		fs:         fs,
		cfg:        cfg,
		metaBlobs:  metaBlobs,
		chunkBags:  chunkBags,
		chunkBlobs: chunkBlobs,
		chunks:     chunkstore.New(chunkBags, chunkBlobs),
		indexBags:  indexBags,
		indexBlobs: indexBlobs,
		index:      index,
		locks:      map[string]*sync.Mutex{},
	}, nil
}

// namedLock returns the in-process mutex serialising callers contending
// for the named repository lock, so that of two goroutines racing for
// the same lock file, only one pays for the FS round trip at a time
// instead of both immediately colliding with LockFail.
func (r *Repo) namedLock(name string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	m, ok := r.locks[name]
	if !ok {
		m = &sync.Mutex{}
		r.locks[name] = m
	}
	return m
}

// withLock runs fn while holding name locked, both in-process and on
// the FS. Acquisition failure (LockFail) is returned as-is, per
// spec.md §4.10: "the caller chooses whether to retry".
func (r *Repo) withLock(ctx context.Context, name string, fn func() error) error {
	m := r.namedLock(name)
	if !m.TryLock() {
		klog.V(1).Infof("withLock: waiting for in-process lock %q", name)
		m.Lock()
	}
	defer m.Unlock()

	if err := r.fs.Lock(ctx, name); err != nil {
		klog.Warningf("withLock: %q: %v", name, err)
		return err
	}
	defer r.fs.Unlock(ctx, name)
	return fn()
}

func clientBagsToplevel(name string) string {
	return clientsToplevel + "/" + name
}

func clientLockName(name string) string {
	return "clients/" + name
}

// openClientStore opens the per-client bagstore/blobstore/Client for
// name, independent of the client list (a Client loads fine even if
// its name was since dropped from the list; only AddClient/backup care
// about list membership).
func (r *Repo) openClientStore(ctx context.Context, name string) (*client.Client, error) {
	v, err, _ := r.openClients.Do(name, func() (any, error) {
		bags := bagstore.New(r.fs, clientBagsToplevel(name))
		blobs := blobstore.New(bags, r.cfg.MaxMetaBagSize, r.cfg.MetaCacheSize)
		return client.New(ctx, name, bags, blobs)
	})
	if err != nil {
		return nil, err
	}
	return v.(*client.Client), nil
}

// ListClients returns the names in the client list, the order they
// were added in.
func (r *Repo) ListClients(ctx context.Context) ([]string, error) {
	return r.loadClientNames(ctx)
}

// Client returns the named client's generation list, for callers such
// as a CLI's generations/ls/diff commands that only need read access
// and never start a backup session. It fails with
// obnamerr.ClientDoesNotExist if name is not in the client list.
func (r *Repo) Client(ctx context.Context, name string) (*client.Client, error) {
	names, err := r.loadClientNames(ctx)
	if err != nil {
		return nil, err
	}
	if indexOf(names, name) < 0 {
		return nil, obnamerr.ClientDoesNotExist{ClientName: name}
	}
	return r.openClientStore(ctx, name)
}

// AddClient adds name to the client list, under the client-list lock.
// It fails with obnamerr.ClientAlreadyExists if name is already listed.
func (r *Repo) AddClient(ctx context.Context, name string) error {
	return r.withLock(ctx, lockClientList, func() error {
		names, err := r.loadClientNames(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			if n == name {
				return obnamerr.ClientAlreadyExists{ClientName: name}
			}
		}
		return r.saveClientNames(ctx, append(names, name))
	})
}

// RemoveClient drops name from the client list, under the client-list
// lock. It fails with obnamerr.ClientDoesNotExist if name is not
// listed. The client's own generations and chunks are left in place;
// callers that want to reclaim their storage must remove each
// generation first (see RemoveCheckpointGeneration) and run
// RemoveUnusedChunks afterwards.
func (r *Repo) RemoveClient(ctx context.Context, name string) error {
	return r.withLock(ctx, lockClientList, func() error {
		names, err := r.loadClientNames(ctx)
		if err != nil {
			return err
		}
		i := indexOf(names, name)
		if i < 0 {
			return obnamerr.ClientDoesNotExist{ClientName: name}
		}
		return r.saveClientNames(ctx, append(names[:i:i], names[i+1:]...))
	})
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func (r *Repo) loadClientNames(ctx context.Context) ([]string, error) {
	data, ok, err := r.metaBlobs.GetWellKnownBlob(ctx, clientListBlobName)
	if err != nil {
		return nil, errors.Wrap(err, "repo: load client list")
	}
	if !ok {
		return nil, nil
	}
	v, _, err := objcodec.Deserialise(data)
	if err != nil {
		return nil, errors.Wrap(err, "repo: decode client list")
	}
	list, ok := v.(objcodec.List)
	if !ok {
		return nil, errors.New("repo: client list blob is not a List")
	}
	names := make([]string, len(list))
	for i, item := range list {
		b, ok := item.(objcodec.Bytes)
		if !ok {
			return nil, errors.New("repo: client list entry is not Bytes")
		}
		names[i] = string(b)
	}
	return names, nil
}

func (r *Repo) saveClientNames(ctx context.Context, names []string) error {
	list := make(objcodec.List, len(names))
	for i, n := range names {
		list[i] = objcodec.Bytes(n)
	}
	data, err := objcodec.Serialise(list)
	if err != nil {
		return errors.Wrap(err, "repo: serialise client list")
	}
	return r.metaBlobs.PutWellKnownBlob(ctx, clientListBlobName, data)
}

// Flush flushes the chunk store's pending bag. Clients and chunk
// indexes flush themselves as part of Session.Checkpoint/Commit.
func (r *Repo) Flush(ctx context.Context) error {
	return r.chunks.FlushChunks(ctx)
}

// BytesWritten returns the repository filesystem's cumulative bytes
// written, the counter a backup driver watches to decide when a
// checkpoint is due.
func (r *Repo) BytesWritten() uint64 {
	return r.fs.BytesWritten()
}

// Begin opens clientName (creating its generation list if this is its
// first backup) and acquires the per-client lock, then starts a new
// generation. Session.Checkpoint/Commit/Abort release the lock in
// turn; the caller must call exactly one of them.
func (r *Repo) Begin(ctx context.Context, clientName string) (*Session, error) {
	m := r.namedLock(clientLockName(clientName))
	m.Lock()
	if err := r.fs.Lock(ctx, clientLockName(clientName)); err != nil {
		m.Unlock()
		return nil, err
	}

	cl, err := r.openClientStore(ctx, clientName)
	if err != nil {
		r.fs.Unlock(ctx, clientLockName(clientName))
		m.Unlock()
		return nil, err
	}

	number, gen, err := cl.CreateGeneration(ctx)
	if err != nil {
		r.fs.Unlock(ctx, clientLockName(clientName))
		m.Unlock()
		return nil, err
	}

	return &Session{
		repo:       r,
		clientName: clientName,
		cl:         cl,
		number:     number,
		gen:        gen,
		pending:    map[string]pendingChunk{},
		lockMu:     m,
		locked:     true,
		started:    time.Now(),
	}, nil
}

// Session is one open backup run against a single client: the lock it
// holds, the generation it is filling in, and the chunk ids it has
// uploaded or reused so far but not yet recorded in the chunk indexes.
type Session struct {
	repo       *Repo
	clientName string
	cl         *client.Client
	number     uint64
	gen        *generation.Generation
	pending    map[string]pendingChunk
	lockMu     *sync.Mutex
	locked     bool
	started    time.Time
	extraKeys  map[generation.GenKey]objcodec.Value
}

// SetGenerationKey stages a generation-level key (such as
// generation.GenFileCount or generation.GenTotalData) to be written
// alongside GenStarted/GenEnded/GenIsCheckpoint at the session's next
// Checkpoint or Commit. A driver calls this with its running totals
// just before committing, since the repository itself only tracks the
// start/end time and the checkpoint flag.
func (s *Session) SetGenerationKey(key generation.GenKey, value objcodec.Value) {
	if s.extraKeys == nil {
		s.extraKeys = map[generation.GenKey]objcodec.Value{}
	}
	s.extraKeys[key] = value
}

// release drops both the in-process and the on-FS per-client lock.
func (s *Session) release(ctx context.Context) {
	s.repo.fs.Unlock(ctx, clientLockName(s.clientName))
	s.lockMu.Unlock()
	s.locked = false
}

type pendingChunk struct {
	id    bag.ObjectID
	token string
}

// Generation returns the open generation files are being recorded
// into.
func (s *Session) Generation() *generation.Generation { return s.gen }

// GenerationNumber returns the open generation's number.
func (s *Session) GenerationNumber() uint64 { return s.number }

// PutChunk uploads or reuses content for chunkID, following the
// repository's configured deduplication policy (spec.md §4.11). The
// resulting id is recorded in the session's pending map, to be
// committed to the chunk indexes at the next checkpoint.
func (s *Session) PutChunk(ctx context.Context, content []byte) (bag.ObjectID, error) {
	token, err := s.repo.index.PrepareChunkForIndexes(content)
	if err != nil {
		return bag.ObjectID{}, err
	}

	var id bag.ObjectID
	switch s.repo.cfg.Dedup {
	case DedupNever:
		id, err = s.repo.chunks.PutChunkContent(ctx, content)
		if err != nil {
			return bag.ObjectID{}, err
		}
	case DedupVerify:
		id, err = s.putVerify(ctx, content, token)
		if err != nil {
			return bag.ObjectID{}, err
		}
	default: // DedupFatalist
		id, err = s.putFatalist(ctx, content, token)
		if err != nil {
			return bag.ObjectID{}, err
		}
	}

	s.pending[id.String()] = pendingChunk{id: id, token: token}
	return id, nil
}

// pendingByToken returns a chunk id already uploaded earlier this
// session under token, if any. The chunk indexes only learn about
// pending chunks at the next checkpoint, so without this a session
// that uploads the same content twice before its first checkpoint
// would never see its own upload in the shared indexes.
func (s *Session) pendingByToken(token string) (bag.ObjectID, bool) {
	for _, p := range s.pending {
		if p.token == token {
			return p.id, true
		}
	}
	return bag.ObjectID{}, false
}

func (s *Session) putFatalist(ctx context.Context, content []byte, token string) (bag.ObjectID, error) {
	if id, ok := s.pendingByToken(token); ok {
		return id, nil
	}
	var notIndexed obnamerr.ChunkContentNotInIndexes
	candidates, err := s.repo.index.FindChunkIDsByToken(ctx, token)
	if errors.As(err, &notIndexed) {
		return s.repo.chunks.PutChunkContent(ctx, content)
	}
	if err != nil {
		return bag.ObjectID{}, err
	}
	return candidates[0], nil
}

func (s *Session) putVerify(ctx context.Context, content []byte, token string) (bag.ObjectID, error) {
	if id, ok := s.pendingByToken(token); ok {
		existing, err := s.repo.chunks.GetChunkContent(ctx, id)
		if err != nil {
			return bag.ObjectID{}, err
		}
		if bytesEqual(existing, content) {
			return id, nil
		}
	}
	var notIndexed obnamerr.ChunkContentNotInIndexes
	candidates, err := s.repo.index.FindChunkIDsByToken(ctx, token)
	if errors.As(err, &notIndexed) {
		return s.repo.chunks.PutChunkContent(ctx, content)
	}
	if err != nil {
		return bag.ObjectID{}, err
	}
	for _, id := range candidates {
		existing, err := s.repo.chunks.GetChunkContent(ctx, id)
		if err != nil {
			return bag.ObjectID{}, err
		}
		if bytesEqual(existing, content) {
			return id, nil
		}
	}
	return s.repo.chunks.PutChunkContent(ctx, content)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Checkpoint commits the session's generation as an intermediate
// checkpoint (GenIsCheckpoint=true), drains the pending chunk map into
// the chunk indexes, releases the per-client and chunk-index locks, and
// starts the next generation under a fresh per-client lock, per
// spec.md §4.10 step 4. On success the session is ready to keep backing
// up files into the new generation; the caller must still call
// Checkpoint or Commit again for it.
func (s *Session) Checkpoint(ctx context.Context) error {
	if err := s.commitGeneration(ctx, true); err != nil {
		return err
	}
	klog.V(1).Infof("Checkpoint: %s generation %d committed", s.clientName, s.number)

	s.release(ctx)

	next, err := s.repo.Begin(ctx, s.clientName)
	if err != nil {
		return err
	}
	*s = *next
	return nil
}

// Commit commits the session's generation as the final generation of
// the run (GenIsCheckpoint=false), drains pending chunks into the
// indexes, and releases the per-client lock. After that commit, each
// generation number listed in removeCheckpoints is removed the same way
// RemoveCheckpointGeneration removes one, and RemoveUnusedChunks then
// reclaims any chunk storage that freed.
func (s *Session) Commit(ctx context.Context, removeCheckpoints []uint64) error {
	if err := s.commitGeneration(ctx, false); err != nil {
		return err
	}
	defer s.release(ctx)
	klog.Infof("Commit: %s generation %d committed", s.clientName, s.number)

	for _, number := range removeCheckpoints {
		klog.V(1).Infof("Commit: removing checkpoint generation %d", number)
		if err := s.repo.removeGenerationLocked(ctx, s.clientName, s.cl, number); err != nil {
			return err
		}
	}
	if err := s.cl.Commit(ctx); err != nil {
		return err
	}

	return s.repo.withLock(ctx, lockChunkIndex, func() error {
		if err := s.repo.index.RemoveUnusedChunks(ctx, s.repo.chunks); err != nil {
			return err
		}
		return s.repo.index.Commit(ctx)
	})
}

// commitGeneration does the work shared by Checkpoint and Commit: mark
// the generation, drain pending chunks into the chunk indexes under the
// chunk-index lock, flush the chunk store, and commit the per-client
// generation.
func (s *Session) commitGeneration(ctx context.Context, isCheckpoint bool) error {
	isCheckpointVal := objcodec.Bool(false)
	if isCheckpoint {
		isCheckpointVal = objcodec.Bool(true)
	}
	keys := map[generation.GenKey]objcodec.Value{
		generation.GenIsCheckpoint: isCheckpointVal,
		generation.GenStarted:      objcodec.NewInt(s.started.Unix()),
		generation.GenEnded:        objcodec.NewInt(time.Now().Unix()),
	}
	for k, v := range s.extraKeys {
		keys[k] = v
	}

	err := s.repo.withLock(ctx, lockChunkIndex, func() error {
		for _, p := range s.pending {
			if err := s.repo.index.PutChunkIntoIndexes(ctx, p.id, p.token, s.clientName); err != nil {
				return err
			}
		}
		if err := s.repo.chunks.FlushChunks(ctx); err != nil {
			return err
		}
		return s.repo.index.Commit(ctx)
	})
	if err != nil {
		return err
	}
	s.pending = map[string]pendingChunk{}

	if err := s.cl.CommitGeneration(ctx, s.number, s.gen, keys); err != nil {
		return err
	}
	return s.cl.Commit(ctx)
}

// Abort releases the session's per-client lock without committing
// anything. The generation's in-memory delta is simply discarded;
// nothing was ever written to the client's root blob, so the prior
// committed state is unaffected. Any chunks already uploaded this
// session are left as orphaned bags, reclaimable by a later
// RemoveUnusedChunks.
func (s *Session) Abort(ctx context.Context) error {
	if !s.locked {
		return nil
	}
	s.release(ctx)
	return nil
}

// RemoveCheckpointGeneration removes a generation recorded for
// clientName, per spec.md §4.9: release every chunk it references back
// to the chunk indexes (de-referencing this client only; other clients
// or generations sharing the same content keep their claim), then drop
// the client's own bookkeeping for the generation. Callers are
// expected to hold the client's per-client lock already (Session.Commit
// does, when removeCheckpoints is non-empty); this is also exposed
// directly for maintenance tooling that opens its own lock.
func (r *Repo) RemoveCheckpointGeneration(ctx context.Context, clientName string, number uint64) error {
	cl, err := r.openClientStore(ctx, clientName)
	if err != nil {
		return err
	}
	if err := r.removeGenerationLocked(ctx, clientName, cl, number); err != nil {
		return err
	}
	return cl.Commit(ctx)
}

func (r *Repo) removeGenerationLocked(ctx context.Context, clientName string, cl *client.Client, number uint64) error {
	gen, err := cl.OpenGeneration(ctx, number)
	if err != nil {
		return err
	}
	chunkIDs, err := walkGenerationChunks(ctx, gen, r.cfg.RootPath)
	if err != nil {
		return err
	}

	err = r.withLock(ctx, lockChunkIndex, func() error {
		for _, id := range chunkIDs {
			if err := r.index.RemoveChunkFromIndexes(ctx, id, clientName); err != nil {
				return err
			}
		}
		return r.index.Commit(ctx)
	})
	if err != nil {
		return err
	}

	return cl.RemoveGeneration(number)
}

// walkGenerationChunks recurses the directory-children tree from root,
// collecting the chunk ids of every file found.
func walkGenerationChunks(ctx context.Context, gen *generation.Generation, root string) ([]bag.ObjectID, error) {
	var ids []bag.ObjectID
	var walk func(path string) error
	walk = func(path string) error {
		exists, err := gen.FileExists(ctx, path)
		if err != nil {
			return err
		}
		if exists {
			chunks, err := gen.GetFileChunkIDs(ctx, path)
			if err != nil {
				return err
			}
			ids = append(ids, chunks...)
		}
		children, err := gen.GetFileChildren(ctx, path)
		if err != nil {
			return err
		}
		sort.Strings(children)
		for _, name := range children {
			child := name
			if path != "/" {
				child = path + "/" + name
			} else {
				child = "/" + name
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return ids, nil
}
