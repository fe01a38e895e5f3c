package badger

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/marmos91/librarian/pkg/store"
)

// Database Key Namespace Design
// ==============================
//
// BadgerDB is a key-value store, so every table of the librarian database is
// mapped onto a key prefix. Numeric ids are written as fixed-width hex so that
// lexicographic key order equals numeric order, which lets range scans return
// rows already sorted by id.
//
// Key Namespace Prefixes:
//
// Data Type           Prefix   Key Format                          Value Type
// ===========================================================================
// Globals             "g:"     g:                                  Globals (JSON)
// Modules             "m:"     m:<node>:<ordinal>                  FAModule (JSON)
// Node Status         "n:"     n:<node>                            NodeStatus (JSON)
// Books               "b:"     b:<bookID>                          Book (JSON)
// Book State Index    "i:"     i:<state>:<ig>:<bookID>             empty
// Shelves             "s:"     s:<shelfID>                         Shelf (JSON)
// Children Index      "c:"     c:<parentID>:<shelfID>              empty
// Books on Shelves    "o:"     o:<shelfID>:<bookID>                seq (uint64 BE)
// Open Handles        "h:"     h:<handleID>                        OpenedShelf (JSON)
// Xattrs              "x:"     x:<shelfID>:<name>                  raw bytes
// Symlinks            "l:"     l:<shelfID>                         target (bytes)
// Sequences           "seq:"   seq:shelf, seq:handle               next id (uint64 BE)
//
// The children index is keyed by shelf id rather than by name so that
// duplicate names under one parent remain representable; LookupShelf detects
// them and reports ErrNotUnique instead of silently picking one.
//
// The book state index is rewritten whenever a book's state or IG column
// changes, so allocation can scan the FREE books of one IG without decoding
// every book row.
//
// The BOS row is keyed by (shelf, book) with the sequence number as a value
// for the same reason: fsck must be able to see duplicated sequence numbers.

const (
	prefixGlobals  = "g:"
	prefixModule   = "m:"
	prefixNode     = "n:"
	prefixBook     = "b:"
	prefixBookIdx  = "i:"
	prefixShelf    = "s:"
	prefixChild    = "c:"
	prefixBOS      = "o:"
	prefixHandle   = "h:"
	prefixXattr    = "x:"
	prefixSymlink  = "l:"
	keySeqShelf    = "seq:shelf"
	keySeqHandle   = "seq:handle"
	idHexWidth     = 16
	nodeFieldWidth = 4
)

func hexID(id uint64) string {
	return fmt.Sprintf("%0*x", idHexWidth, id)
}

func keyGlobals() []byte {
	return []byte(prefixGlobals)
}

func keyModule(nodeID, ordinal int) []byte {
	return []byte(fmt.Sprintf("%s%0*d:%d", prefixModule, nodeFieldWidth, nodeID, ordinal))
}

func keyNode(nodeID int) []byte {
	return []byte(fmt.Sprintf("%s%0*d", prefixNode, nodeFieldWidth, nodeID))
}

func keyBook(id uint64) []byte {
	return []byte(prefixBook + hexID(id))
}

// keyBookIdxPrefix covers the index entries of one state, or of one state
// and IG when ig is non-negative.
//
// Format: "i:<state>:" or "i:<state>:<ig>:"
func keyBookIdxPrefix(state store.BookState, ig int) []byte {
	key := fmt.Sprintf("%s%02x:", prefixBookIdx, uint8(state))
	if ig >= 0 {
		key += fmt.Sprintf("%04x:", ig)
	}
	return []byte(key)
}

func keyBookIdx(b *store.Book) []byte {
	return append(keyBookIdxPrefix(b.Allocated, int(b.IGValue())), hexID(b.ID)...)
}

// parseBookIdxKey returns the book id at the end of an index key.
func parseBookIdxKey(key []byte) (uint64, error) {
	if len(key) < idHexWidth {
		return 0, fmt.Errorf("malformed book index key %q", key)
	}
	id, err := parseHexID(key[len(key)-idHexWidth:])
	if err != nil {
		return 0, fmt.Errorf("malformed book index key %q: %w", key, err)
	}
	return id, nil
}

func keyShelf(id uint64) []byte {
	return []byte(prefixShelf + hexID(id))
}

// keyChildPrefix covers every child index entry of one parent.
//
// Format: "c:<parentID>:"
func keyChildPrefix(parent uint64) []byte {
	return []byte(prefixChild + hexID(parent) + ":")
}

func keyChild(parent, id uint64) []byte {
	return append(keyChildPrefix(parent), hexID(id)...)
}

// keyBOSPrefix covers every book of one shelf.
//
// Format: "o:<shelfID>:"
func keyBOSPrefix(shelf uint64) []byte {
	return []byte(prefixBOS + hexID(shelf) + ":")
}

func keyBOS(shelf, book uint64) []byte {
	return append(keyBOSPrefix(shelf), hexID(book)...)
}

func keyHandle(id uint64) []byte {
	return []byte(prefixHandle + hexID(id))
}

func keyXattrPrefix(shelf uint64) []byte {
	return []byte(prefixXattr + hexID(shelf) + ":")
}

func keyXattr(shelf uint64, name string) []byte {
	return append(keyXattrPrefix(shelf), name...)
}

func keySymlink(shelf uint64) []byte {
	return []byte(prefixSymlink + hexID(shelf))
}

// parseIDPair splits "<prefix><hexA>:<hexB>" keys into their two ids.
func parseIDPair(key []byte, prefix string) (a, b uint64, err error) {
	rest := string(key[len(prefix):])
	if len(rest) != 2*idHexWidth+1 || rest[idHexWidth] != ':' {
		return 0, 0, fmt.Errorf("malformed key %q", key)
	}
	if a, err = strconv.ParseUint(rest[:idHexWidth], 16, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed key %q: %w", key, err)
	}
	if b, err = strconv.ParseUint(rest[idHexWidth+1:], 16, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed key %q: %w", key, err)
	}
	return a, b, nil
}

// parseXattrKey splits "x:<shelfID>:<name>".
func parseXattrKey(key []byte) (shelf uint64, name string, err error) {
	rest := string(key[len(prefixXattr):])
	if len(rest) <= idHexWidth+1 || rest[idHexWidth] != ':' {
		return 0, "", fmt.Errorf("malformed xattr key %q", key)
	}
	if shelf, err = strconv.ParseUint(rest[:idHexWidth], 16, 64); err != nil {
		return 0, "", fmt.Errorf("malformed xattr key %q: %w", key, err)
	}
	return shelf, rest[idHexWidth+1:], nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid uint64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func parseHexID(b []byte) (uint64, error) {
	return strconv.ParseUint(string(b), 16, 64)
}
