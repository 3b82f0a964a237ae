package cowtree

// pair is one key/value entry of a leaf, kept alongside the token-keyed
// map so the original Key value (not just its serialised form) is
// available again for iteration and leaf-list range construction.
type pair struct {
	Key   Key
	Value Value
}

// Leaf is a small, in-memory map from keys to values. It is not
// persistent on its own — a LeafStore is what turns a Leaf into a
// retrievable blob.
type Leaf struct {
	entries map[string]pair
}

// NewLeaf returns an empty leaf.
func NewLeaf() *Leaf {
	return &Leaf{entries: map[string]pair{}}
}

// Len returns the number of entries in the leaf.
func (l *Leaf) Len() int { return len(l.entries) }

// Lookup returns the value stored under key, if any.
func (l *Leaf) Lookup(key Key) (Value, bool, error) {
	tok, err := token(key)
	if err != nil {
		return nil, false, err
	}
	p, ok := l.entries[tok]
	if !ok {
		return nil, false, nil
	}
	return p.Value, true, nil
}

// Insert sets key to value, replacing any existing entry.
func (l *Leaf) Insert(key, value Value) error {
	tok, err := token(key)
	if err != nil {
		return err
	}
	l.entries[tok] = pair{Key: key, Value: value}
	return nil
}

// Remove deletes key from the leaf, if present.
func (l *Leaf) Remove(key Key) error {
	tok, err := token(key)
	if err != nil {
		return err
	}
	delete(l.entries, tok)
	return nil
}

// Keys returns every key in the leaf, in no particular order.
func (l *Leaf) Keys() []Key {
	keys := make([]Key, 0, len(l.entries))
	for _, p := range l.entries {
		keys = append(keys, p.Key)
	}
	return keys
}

// Pairs returns every key/value pair in the leaf, in no particular
// order — the representation a LeafStore serialises.
func (l *Leaf) Pairs() []pair {
	out := make([]pair, 0, len(l.entries))
	for _, p := range l.entries {
		out = append(out, p)
	}
	return out
}

// FromPairs replaces the leaf's contents with pairs.
func (l *Leaf) FromPairs(pairs []pair) {
	l.entries = make(map[string]pair, len(pairs))
	for _, p := range pairs {
		tok, err := token(p.Key)
		if err != nil {
			continue
		}
		l.entries[tok] = p
	}
}
