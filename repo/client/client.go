// Package client is one backup client's generation list: the ordered
// set of generations taken for one machine or source, each pointing at
// a pair of COW tree roots (file keys, directory children) owned by
// package generation.
package client

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/obnamgo/obnam/bag"
	"github.com/obnamgo/obnam/cowtree"
	"github.com/obnamgo/obnam/objcodec"
	"github.com/obnamgo/obnam/obnamerr"
	"github.com/obnamgo/obnam/repo/generation"
	"github.com/obnamgo/obnam/storage/bagstore"
	"github.com/obnamgo/obnam/storage/blobstore"
	"github.com/pkg/errors"
)

const wellKnownBlob = "client"

type genRecord struct {
	Number          uint64
	Keys            map[generation.GenKey]objcodec.Value
	FileKeysRoot    bag.ObjectID
	HasFileKeys     bool
	DirChildrenRoot bag.ObjectID
	HasDirChildren  bool
}

// Client is the per-client generation list described by spec.md §4.9,
// rooted at a directory of its own under the repository.
type Client struct {
	mu sync.Mutex

	name      string
	blobs     *blobstore.Store
	leafStore cowtree.LeafStore

	generations []genRecord
	nextNumber  uint64
}

// New opens or initializes the named client's generation list.
func New(ctx context.Context, name string, bags *bagstore.Store, blobs *blobstore.Store) (*Client, error) {
	c := &Client{
		name:       name,
		blobs:      blobs,
		leafStore:  cowtree.NewBlobLeafStore(blobs, bags),
		nextNumber: 1,
	}

	data, ok, err := blobs.GetWellKnownBlob(ctx, wellKnownBlob)
	if err != nil {
		return nil, errors.Wrapf(err, "client %s: load root blob", name)
	}
	if !ok {
		return c, nil
	}

	v, _, err := objcodec.Deserialise(data)
	if err != nil {
		return nil, errors.Wrapf(err, "client %s: decode root blob", name)
	}
	root, ok := v.(objcodec.Map)
	if !ok {
		return nil, errors.Errorf("client %s: root blob is %T, want Map", name, v)
	}
	if nextVal, ok := root.Get("next_number"); ok {
		n, ok := nextVal.(objcodec.Int)
		if !ok {
			return nil, errors.Errorf("client %s: next_number is %T, want Int", name, nextVal)
		}
		c.nextNumber = uint64(n.Int64())
	}
	gensVal, ok := root.Get("generations")
	if !ok {
		return c, nil
	}
	gensList, ok := gensVal.(objcodec.List)
	if !ok {
		return nil, errors.Errorf("client %s: generations is %T, want List", name, gensVal)
	}
	for _, item := range gensList {
		rec, err := decodeGenRecord(item)
		if err != nil {
			return nil, errors.Wrapf(err, "client %s", name)
		}
		c.generations = append(c.generations, rec)
	}
	return c, nil
}

// Name returns the client's name.
func (c *Client) Name() string { return c.name }

// GenerationIDs returns the numbers of every generation the client has,
// oldest first.
func (c *Client) GenerationIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, len(c.generations))
	for i, g := range c.generations {
		ids[i] = g.Number
	}
	return ids
}

// InterpretGenerationSpec resolves "latest" or a decimal generation
// number to an existing generation's number.
func (c *Client) InterpretGenerationSpec(spec string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.generations) == 0 {
		return 0, obnamerr.GenerationDoesNotExist{ClientName: c.name, GenSpec: spec}
	}
	if spec == "latest" {
		return c.generations[len(c.generations)-1].Number, nil
	}
	n, err := strconv.ParseUint(spec, 10, 64)
	if err != nil {
		return 0, obnamerr.GenerationDoesNotExist{ClientName: c.name, GenSpec: spec}
	}
	if _, ok := c.find(n); !ok {
		return 0, obnamerr.GenerationDoesNotExist{ClientName: c.name, GenSpec: spec}
	}
	return n, nil
}

func (c *Client) find(number uint64) (int, bool) {
	for i, g := range c.generations {
		if g.Number == number {
			return i, true
		}
	}
	return -1, false
}

// CreateGeneration starts a new generation, cloning the delta-only COW
// trees from the latest generation's committed roots (or starting empty
// if this is the client's first). It returns the new generation's
// number and a handle to its trees; the caller must CommitGeneration
// once backing up is done.
func (c *Client) CreateGeneration(ctx context.Context) (uint64, *generation.Generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fileKeys := cowtree.New(c.leafStore)
	dirChildren := cowtree.New(c.leafStore)

	if len(c.generations) > 0 {
		prev := c.generations[len(c.generations)-1]
		if prev.HasFileKeys {
			if err := fileKeys.SetListNode(ctx, prev.FileKeysRoot); err != nil {
				return 0, nil, errors.Wrap(err, "client: clone file keys tree")
			}
		}
		if prev.HasDirChildren {
			if err := dirChildren.SetListNode(ctx, prev.DirChildrenRoot); err != nil {
				return 0, nil, errors.Wrap(err, "client: clone dir children tree")
			}
		}
	}

	number := c.nextNumber
	c.nextNumber++
	return number, generation.New(fileKeys, dirChildren), nil
}

// CommitGeneration persists gen's trees, records its generation keys
// under number, and appends it to the generation list. The caller is
// responsible for calling Commit afterwards to make it durable.
func (c *Client) CommitGeneration(ctx context.Context, number uint64, gen *generation.Generation, keys map[generation.GenKey]objcodec.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fileKeysRoot, err := gen.FileKeysTree().Commit(ctx)
	if err != nil {
		return errors.Wrap(err, "client: commit file keys tree")
	}
	dirChildrenRoot, err := gen.DirChildrenTree().Commit(ctx)
	if err != nil {
		return errors.Wrap(err, "client: commit dir children tree")
	}

	rec := genRecord{
		Number:          number,
		Keys:            cloneGenKeys(keys),
		FileKeysRoot:    fileKeysRoot,
		HasFileKeys:     true,
		DirChildrenRoot: dirChildrenRoot,
		HasDirChildren:  true,
	}
	if i, ok := c.find(number); ok {
		c.generations[i] = rec
	} else {
		c.generations = append(c.generations, rec)
		sort.Slice(c.generations, func(i, j int) bool { return c.generations[i].Number < c.generations[j].Number })
	}
	return nil
}

// SetGenerationKey sets one generation-level key.
func (c *Client) SetGenerationKey(number uint64, key generation.GenKey, value objcodec.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.find(number)
	if !ok {
		return obnamerr.GenerationDoesNotExist{ClientName: c.name, GenSpec: strconv.FormatUint(number, 10)}
	}
	if c.generations[i].Keys == nil {
		c.generations[i].Keys = map[generation.GenKey]objcodec.Value{}
	}
	c.generations[i].Keys[key] = value
	return nil
}

// GetGenerationKey returns one generation-level key, or ok=false if it
// was never set.
func (c *Client) GetGenerationKey(number uint64, key generation.GenKey) (objcodec.Value, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.find(number)
	if !ok {
		return nil, false, obnamerr.GenerationDoesNotExist{ClientName: c.name, GenSpec: strconv.FormatUint(number, 10)}
	}
	v, ok := c.generations[i].Keys[key]
	return v, ok, nil
}

// OpenGeneration loads the trees committed for number.
func (c *Client) OpenGeneration(ctx context.Context, number uint64) (*generation.Generation, error) {
	c.mu.Lock()
	rec, ok := c.find(number)
	if !ok {
		c.mu.Unlock()
		return nil, obnamerr.GenerationDoesNotExist{ClientName: c.name, GenSpec: strconv.FormatUint(number, 10)}
	}
	r := c.generations[rec]
	c.mu.Unlock()

	fileKeys := cowtree.New(c.leafStore)
	if r.HasFileKeys {
		if err := fileKeys.SetListNode(ctx, r.FileKeysRoot); err != nil {
			return nil, errors.Wrap(err, "client: load file keys tree")
		}
	}
	dirChildren := cowtree.New(c.leafStore)
	if r.HasDirChildren {
		if err := dirChildren.SetListNode(ctx, r.DirChildrenRoot); err != nil {
			return nil, errors.Wrap(err, "client: load dir children tree")
		}
	}
	return generation.New(fileKeys, dirChildren), nil
}

// RemoveGeneration drops number from the generation list. The caller is
// responsible for releasing the generation's chunks from the chunk
// indexes first; this only forgets the client-level bookkeeping.
func (c *Client) RemoveGeneration(number uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.find(number)
	if !ok {
		return obnamerr.GenerationDoesNotExist{ClientName: c.name, GenSpec: strconv.FormatUint(number, 10)}
	}
	c.generations = append(c.generations[:i], c.generations[i+1:]...)
	return nil
}

// Commit writes the client's root well-known blob.
func (c *Client) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	gensList := make(objcodec.List, len(c.generations))
	for i, g := range c.generations {
		gensList[i] = encodeGenRecord(g)
	}
	root := objcodec.Map{
		{Key: "next_number", Value: objcodec.NewInt(int64(c.nextNumber))},
		{Key: "generations", Value: gensList},
	}
	data, err := objcodec.Serialise(root)
	if err != nil {
		return errors.Wrap(err, "client: serialise root blob")
	}
	return c.blobs.PutWellKnownBlob(ctx, wellKnownBlob, data)
}

func cloneGenKeys(keys map[generation.GenKey]objcodec.Value) map[generation.GenKey]objcodec.Value {
	out := make(map[generation.GenKey]objcodec.Value, len(keys))
	for k, v := range keys {
		out[k] = v
	}
	return out
}

var genKeyNames = map[generation.GenKey]string{
	generation.GenStarted:      "started",
	generation.GenEnded:        "ended",
	generation.GenIsCheckpoint: "is_checkpoint",
	generation.GenFileCount:    "file_count",
	generation.GenTotalData:    "total_data",
	generation.GenTestKey:      "test",
}

func genKeyByName(name string) (generation.GenKey, error) {
	for k, n := range genKeyNames {
		if n == name {
			return k, nil
		}
	}
	return 0, errors.Errorf("client: unknown generation key %q", name)
}

func encodeGenRecord(rec genRecord) objcodec.Value {
	keys := make(objcodec.Map, 0, len(rec.Keys))
	for k, v := range rec.Keys {
		keys = append(keys, objcodec.MapEntry{Key: genKeyNames[k], Value: v})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })

	m := objcodec.Map{
		{Key: "number", Value: objcodec.NewInt(int64(rec.Number))},
		{Key: "keys", Value: keys},
	}
	if rec.HasFileKeys {
		m = append(m, objcodec.MapEntry{Key: "file_keys_root", Value: cowtree.ObjectIDValue(rec.FileKeysRoot)})
	}
	if rec.HasDirChildren {
		m = append(m, objcodec.MapEntry{Key: "dir_children_root", Value: cowtree.ObjectIDValue(rec.DirChildrenRoot)})
	}
	return m
}

func decodeGenRecord(v objcodec.Value) (genRecord, error) {
	m, ok := v.(objcodec.Map)
	if !ok {
		return genRecord{}, errors.Errorf("generation record is %T, want Map", v)
	}
	numberVal, ok := m.Get("number")
	if !ok {
		return genRecord{}, errors.New("generation record missing number")
	}
	number, ok := numberVal.(objcodec.Int)
	if !ok {
		return genRecord{}, errors.Errorf("generation number is %T, want Int", numberVal)
	}
	rec := genRecord{Number: uint64(number.Int64()), Keys: map[generation.GenKey]objcodec.Value{}}

	if keysVal, ok := m.Get("keys"); ok {
		keys, ok := keysVal.(objcodec.Map)
		if !ok {
			return genRecord{}, errors.Errorf("generation keys are %T, want Map", keysVal)
		}
		for _, e := range keys {
			k, err := genKeyByName(e.Key)
			if err != nil {
				return genRecord{}, err
			}
			rec.Keys[k] = e.Value
		}
	}
	if rootVal, ok := m.Get("file_keys_root"); ok {
		id, err := cowtree.ValueToObjectID(rootVal)
		if err != nil {
			return genRecord{}, errors.Wrap(err, "file_keys_root")
		}
		rec.FileKeysRoot = id
		rec.HasFileKeys = true
	}
	if rootVal, ok := m.Get("dir_children_root"); ok {
		id, err := cowtree.ValueToObjectID(rootVal)
		if err != nil {
			return genRecord{}, errors.Wrap(err, "dir_children_root")
		}
		rec.DirChildrenRoot = id
		rec.HasDirChildren = true
	}
	return rec, nil
}
