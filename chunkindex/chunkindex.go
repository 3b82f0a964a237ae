// Package chunkindex is the repository's deduplication index: three COW
// trees, anchored by a well-known blob, that map chunk ids to their
// checksum token, tokens back to the chunk ids that share them, and
// chunk ids to the clients currently referencing them.
package chunkindex

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/obnamgo/obnam/bag"
	"github.com/obnamgo/obnam/checksum"
	"github.com/obnamgo/obnam/cowtree"
	"github.com/obnamgo/obnam/objcodec"
	"github.com/obnamgo/obnam/obnamerr"
	"github.com/obnamgo/obnam/storage/bagstore"
	"github.com/obnamgo/obnam/storage/blobstore"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const wellKnownBlob = "root"

// ChunkStore is the subset of chunkstore.Store that RemoveUnusedChunks
// needs: enumerate the chunks a bag holds, and drop a bag outright.
type ChunkStore interface {
	GetChunksInBag(ctx context.Context, bagID bag.ID) ([]bag.ObjectID, error)
	RemoveBag(ctx context.Context, bagID bag.ID) error
}

// Index is the chunk-indexes component described by spec.md §4.8.
// Mutations only ever touch the in-memory delta of the three trees;
// Commit is what makes them durable.
type Index struct {
	mu sync.Mutex

	blobs *blobstore.Store

	checksumName string
	byChunkID    *cowtree.Tree
	byChecksum   *cowtree.Tree
	usedBy       *cowtree.Tree
}

// New opens the chunk indexes rooted on bags/blobs. If no indexes have
// ever been committed, it starts three empty trees using
// defaultChecksumAlgorithm; otherwise it loads whichever algorithm was
// in effect the last time the indexes were committed, since that
// choice is fixed for the lifetime of a repository.
func New(ctx context.Context, bags *bagstore.Store, blobs *blobstore.Store, defaultChecksumAlgorithm string) (*Index, error) {
	leafStore := cowtree.NewBlobLeafStore(blobs, bags)
	ix := &Index{blobs: blobs}

	data, ok, err := blobs.GetWellKnownBlob(ctx, wellKnownBlob)
	if err != nil {
		return nil, errors.Wrap(err, "chunkindex: load root blob")
	}
	if !ok {
		ix.checksumName = defaultChecksumAlgorithm
		ix.byChunkID = cowtree.New(leafStore)
		ix.byChecksum = cowtree.New(leafStore)
		ix.usedBy = cowtree.New(leafStore)
		return ix, nil
	}

	v, _, err := objcodec.Deserialise(data)
	if err != nil {
		return nil, errors.Wrap(err, "chunkindex: decode root blob")
	}
	root, ok := v.(objcodec.Map)
	if !ok {
		return nil, errors.Errorf("chunkindex: root blob is %T, want Map", v)
	}
	nameVal, ok := root.Get("checksum_algorithm")
	if !ok {
		return nil, errors.New("chunkindex: root blob missing checksum_algorithm")
	}
	name, ok := nameVal.(objcodec.Bytes)
	if !ok {
		return nil, errors.New("chunkindex: checksum_algorithm is not a byte string")
	}
	ix.checksumName = string(name)

	if ix.byChunkID, err = openTree(ctx, leafStore, root, "by_chunk_id"); err != nil {
		return nil, err
	}
	if ix.byChecksum, err = openTree(ctx, leafStore, root, "by_checksum"); err != nil {
		return nil, err
	}
	if ix.usedBy, err = openTree(ctx, leafStore, root, "used_by"); err != nil {
		return nil, err
	}
	return ix, nil
}

func openTree(ctx context.Context, store cowtree.LeafStore, root objcodec.Map, key string) (*cowtree.Tree, error) {
	v, ok := root.Get(key)
	if !ok {
		return nil, errors.Errorf("chunkindex: root blob missing %s", key)
	}
	id, err := cowtree.ValueToObjectID(v)
	if err != nil {
		return nil, errors.Wrapf(err, "chunkindex: %s root id", key)
	}
	tree := cowtree.New(store)
	if err := tree.SetListNode(ctx, id); err != nil {
		return nil, errors.Wrapf(err, "chunkindex: load %s tree", key)
	}
	return tree, nil
}

// PrepareChunkForIndexes runs the repository's checksum algorithm over
// content and returns its hex digest, the token under which chunks with
// equal content are grouped.
func (ix *Index) PrepareChunkForIndexes(content []byte) (string, error) {
	h, err := checksum.New(ix.checksumName)
	if err != nil {
		return "", errors.Wrap(err, "chunkindex: prepare chunk")
	}
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PutChunkIntoIndexes records that chunkID holds content fingerprinted
// by token, on behalf of clientID. All three trees gain an entry; the
// by_checksum and used_by lists are deduplicated on insert.
func (ix *Index) PutChunkIntoIndexes(ctx context.Context, chunkID bag.ObjectID, token, clientID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	chunkKey := cowtree.ObjectIDValue(chunkID)
	tokenKey := objcodec.Bytes(token)

	clientIDs, err := ix.lookupStringList(ctx, ix.usedBy, chunkKey)
	if err != nil {
		return err
	}

	if err := ix.byChunkID.Insert(chunkKey, tokenKey); err != nil {
		return err
	}

	chunkIDs, err := ix.lookupObjectIDList(ctx, ix.byChecksum, tokenKey)
	if err != nil {
		return err
	}
	if !containsObjectID(chunkIDs, chunkID) {
		chunkIDs = append(chunkIDs, chunkID)
	}
	if err := ix.byChecksum.Insert(tokenKey, encodeObjectIDList(chunkIDs)); err != nil {
		return err
	}

	if !containsString(clientIDs, clientID) {
		clientIDs = append(clientIDs, clientID)
	}
	return ix.usedBy.Insert(chunkKey, encodeStringList(clientIDs))
}

// FindChunkIDsByToken returns the chunk ids sharing token's content,
// failing with obnamerr.ChunkContentNotInIndexes when none are known.
func (ix *Index) FindChunkIDsByToken(ctx context.Context, token string) ([]bag.ObjectID, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	chunkIDs, err := ix.lookupObjectIDList(ctx, ix.byChecksum, objcodec.Bytes(token))
	if err != nil {
		return nil, err
	}
	if len(chunkIDs) == 0 {
		return nil, obnamerr.ChunkContentNotInIndexes{Token: token}
	}
	return chunkIDs, nil
}

// RemoveChunkFromIndexes drops clientID's claim on chunkID. If other
// clients still reference it, only the used_by entry changes; once the
// last client is gone, the chunk is purged from by_chunk_id and
// by_checksum too, but the (now empty) used_by entry is left behind to
// mark the chunk as a RemoveUnusedChunks candidate.
func (ix *Index) RemoveChunkFromIndexes(ctx context.Context, chunkID bag.ObjectID, clientID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	stillUsed, err := ix.removeUsedBy(ctx, chunkID, clientID)
	if err != nil {
		return err
	}
	if stillUsed {
		return nil
	}
	token, err := ix.removeChunkByID(ctx, chunkID)
	if err != nil {
		return err
	}
	return ix.removeChunkByChecksum(ctx, chunkID, token)
}

// RemoveChunkFromIndexesForAllClients purges chunkID from all three
// trees outright, regardless of who still references it.
func (ix *Index) RemoveChunkFromIndexesForAllClients(ctx context.Context, chunkID bag.ObjectID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	token, err := ix.removeChunkByID(ctx, chunkID)
	if err != nil {
		return err
	}
	if err := ix.removeChunkByChecksum(ctx, chunkID, token); err != nil {
		return err
	}
	return ix.usedBy.Remove(cowtree.ObjectIDValue(chunkID))
}

// RemoveUnusedChunks drops every used_by entry that has gone empty, then
// for each bag holding one of those chunks, removes the whole bag if
// none of its other chunks are still referenced by anyone. Bags are
// immutable, so this is the only granularity at which content can
// actually be reclaimed.
func (ix *Index) RemoveUnusedChunks(ctx context.Context, chunks ChunkStore) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	unused, err := ix.unusedChunks(ctx)
	if err != nil {
		return err
	}
	klog.V(1).Infof("RemoveUnusedChunks: %d chunks unreferenced", len(unused))
	for _, id := range unused {
		if err := ix.usedBy.Remove(cowtree.ObjectIDValue(id)); err != nil {
			return err
		}
	}

	bagIDs := map[string]bag.ID{}
	for _, id := range unused {
		bagIDs[id.Bag.String()] = id.Bag
	}

	removed := 0
	for _, bagID := range bagIDs {
		chunkIDs, err := chunks.GetChunksInBag(ctx, bagID)
		if err != nil {
			return err
		}
		anyUsed, err := ix.anyChunkUsedByAnyone(ctx, chunkIDs)
		if err != nil {
			return err
		}
		if !anyUsed {
			if err := chunks.RemoveBag(ctx, bagID); err != nil {
				return err
			}
			removed++
		}
	}
	klog.V(1).Infof("RemoveUnusedChunks: removed %d of %d candidate bags", removed, len(bagIDs))
	return nil
}

// Commit persists all three trees and writes a fresh root well-known
// blob pointing at the new roots.
func (ix *Index) Commit(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	byChunkIDRoot, err := ix.byChunkID.Commit(ctx)
	if err != nil {
		return errors.Wrap(err, "chunkindex: commit by_chunk_id")
	}
	byChecksumRoot, err := ix.byChecksum.Commit(ctx)
	if err != nil {
		return errors.Wrap(err, "chunkindex: commit by_checksum")
	}
	usedByRoot, err := ix.usedBy.Commit(ctx)
	if err != nil {
		return errors.Wrap(err, "chunkindex: commit used_by")
	}

	root := objcodec.Map{
		{Key: "checksum_algorithm", Value: objcodec.Bytes(ix.checksumName)},
		{Key: "by_chunk_id", Value: cowtree.ObjectIDValue(byChunkIDRoot)},
		{Key: "by_checksum", Value: cowtree.ObjectIDValue(byChecksumRoot)},
		{Key: "used_by", Value: cowtree.ObjectIDValue(usedByRoot)},
	}
	data, err := objcodec.Serialise(root)
	if err != nil {
		return errors.Wrap(err, "chunkindex: serialise root blob")
	}
	return ix.blobs.PutWellKnownBlob(ctx, wellKnownBlob, data)
}

func (ix *Index) removeUsedBy(ctx context.Context, chunkID bag.ObjectID, clientID string) (bool, error) {
	chunkKey := cowtree.ObjectIDValue(chunkID)
	clientIDs, err := ix.lookupStringList(ctx, ix.usedBy, chunkKey)
	if err != nil {
		return false, err
	}
	i := indexOfString(clientIDs, clientID)
	if i < 0 {
		return len(clientIDs) > 0, nil
	}
	clientIDs = append(clientIDs[:i], clientIDs[i+1:]...)
	if err := ix.usedBy.Insert(chunkKey, encodeStringList(clientIDs)); err != nil {
		return false, err
	}
	return len(clientIDs) > 0, nil
}

func (ix *Index) removeChunkByID(ctx context.Context, chunkID bag.ObjectID) (string, error) {
	chunkKey := cowtree.ObjectIDValue(chunkID)
	v, ok, err := ix.byChunkID.Lookup(ctx, chunkKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	token, ok := v.(objcodec.Bytes)
	if !ok {
		return "", errors.Errorf("chunkindex: by_chunk_id value is %T, want Bytes", v)
	}
	if err := ix.byChunkID.Remove(chunkKey); err != nil {
		return "", err
	}
	return string(token), nil
}

func (ix *Index) removeChunkByChecksum(ctx context.Context, chunkID bag.ObjectID, token string) error {
	if token == "" {
		return nil
	}
	tokenKey := objcodec.Bytes(token)
	chunkIDs, err := ix.lookupObjectIDList(ctx, ix.byChecksum, tokenKey)
	if err != nil {
		return err
	}
	i := indexOfObjectID(chunkIDs, chunkID)
	if i < 0 {
		return nil
	}
	chunkIDs = append(chunkIDs[:i], chunkIDs[i+1:]...)
	return ix.byChecksum.Insert(tokenKey, encodeObjectIDList(chunkIDs))
}

func (ix *Index) unusedChunks(ctx context.Context) ([]bag.ObjectID, error) {
	keys, err := ix.usedBy.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []bag.ObjectID
	for _, k := range keys {
		id, err := cowtree.ValueToObjectID(k)
		if err != nil {
			return nil, err
		}
		used, err := ix.isChunkUsedByAnyone(ctx, id)
		if err != nil {
			return nil, err
		}
		if !used {
			out = append(out, id)
		}
	}
	return out, nil
}

func (ix *Index) isChunkUsedByAnyone(ctx context.Context, chunkID bag.ObjectID) (bool, error) {
	clientIDs, err := ix.lookupStringList(ctx, ix.usedBy, cowtree.ObjectIDValue(chunkID))
	if err != nil {
		return false, err
	}
	return len(clientIDs) > 0, nil
}

func (ix *Index) anyChunkUsedByAnyone(ctx context.Context, chunkIDs []bag.ObjectID) (bool, error) {
	for _, id := range chunkIDs {
		used, err := ix.isChunkUsedByAnyone(ctx, id)
		if err != nil {
			return false, err
		}
		if used {
			return true, nil
		}
	}
	return false, nil
}

func (ix *Index) lookupStringList(ctx context.Context, tree *cowtree.Tree, key objcodec.Value) ([]string, error) {
	v, ok, err := tree.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return decodeStringList(v)
}

func (ix *Index) lookupObjectIDList(ctx context.Context, tree *cowtree.Tree, key objcodec.Value) ([]bag.ObjectID, error) {
	v, ok, err := tree.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return decodeObjectIDList(v)
}

func decodeStringList(v objcodec.Value) ([]string, error) {
	if _, ok := v.(objcodec.None); ok {
		return nil, nil
	}
	list, ok := v.(objcodec.List)
	if !ok {
		return nil, errors.Errorf("chunkindex: expected a list, got %T", v)
	}
	out := make([]string, len(list))
	for i, item := range list {
		b, ok := item.(objcodec.Bytes)
		if !ok {
			return nil, errors.Errorf("chunkindex: expected a byte string entry, got %T", item)
		}
		out[i] = string(b)
	}
	return out, nil
}

func encodeStringList(ss []string) objcodec.Value {
	out := make(objcodec.List, len(ss))
	for i, s := range ss {
		out[i] = objcodec.Bytes(s)
	}
	return out
}

func decodeObjectIDList(v objcodec.Value) ([]bag.ObjectID, error) {
	if _, ok := v.(objcodec.None); ok {
		return nil, nil
	}
	list, ok := v.(objcodec.List)
	if !ok {
		return nil, errors.Errorf("chunkindex: expected a list, got %T", v)
	}
	out := make([]bag.ObjectID, len(list))
	for i, item := range list {
		id, err := cowtree.ValueToObjectID(item)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func encodeObjectIDList(ids []bag.ObjectID) objcodec.Value {
	out := make(objcodec.List, len(ids))
	for i, id := range ids {
		out[i] = cowtree.ObjectIDValue(id)
	}
	return out
}

func containsString(ss []string, s string) bool { return indexOfString(ss, s) >= 0 }

func indexOfString(ss []string, s string) int {
	for i, x := range ss {
		if x == s {
			return i
		}
	}
	return -1
}

func containsObjectID(ids []bag.ObjectID, id bag.ObjectID) bool {
	return indexOfObjectID(ids, id) >= 0
}

func indexOfObjectID(ids []bag.ObjectID, id bag.ObjectID) int {
	for i, x := range ids {
		if x == id {
			return i
		}
	}
	return -1
}
