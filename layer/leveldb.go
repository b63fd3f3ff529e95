package layer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	leveldberrors "github.com/syndtr/goleveldb/leveldb/errors"
)

// errRecordTooShort flags a stored value too short to carry the deadline
// header this layer writes; it can only happen if something outside this
// type wrote directly to the database.
var errRecordTooShort = errors.New("layer: corrupt leveldb record")

// LevelDBCacheLayer is a disk-backed CacheLayer suited as a second storage
// tier behind an in-memory hot cache. Every stored value is
// snappy-compressed, the way goleveldb itself optionally compresses blocks,
// except here compression is applied once per entry rather than per block so
// Get never has to decompress more than the one body it returns.
type LevelDBCacheLayer struct {
	db *leveldb.DB
}

// NewLevelDBCacheLayer opens (creating if necessary) a goleveldb database at
// path for use as a CacheLayer.
func NewLevelDBCacheLayer(path string) (*LevelDBCacheLayer, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBCacheLayer{db: db}, nil
}

// Close releases the underlying database handle.
func (l *LevelDBCacheLayer) Close() error {
	return l.db.Close()
}

// Get implements CacheLayer.Get, matching diskCache.load's expiry-in-value
// encoding: the first 8 bytes of the stored record are a Unix nanosecond
// deadline, the rest a snappy-compressed body.
func (l *LevelDBCacheLayer) Get(key string) (io.ReadCloser, time.Duration, error) {
	raw, err := l.db.Get([]byte(key), nil)
	if err == leveldberrors.ErrNotFound {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	deadline, body, err := decodeRecord(raw)
	if err != nil {
		return nil, 0, err
	}

	ttl := time.Until(deadline)
	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(decoded)), ttl, nil
}

// Set implements CacheLayer.Set.
func (l *LevelDBCacheLayer) Set(key string, entry io.ReadCloser, ttl time.Duration) error {
	defer entry.Close()
	body, err := io.ReadAll(entry)
	if err != nil {
		return err
	}

	record := encodeRecord(time.Now().Add(ttl), snappy.Encode(nil, body))
	return l.db.Put([]byte(key), record, nil)
}

// Refresh implements CacheLayer.Refresh by rewriting only the deadline
// prefix, leaving the compressed body untouched.
func (l *LevelDBCacheLayer) Refresh(key string, ttl time.Duration) error {
	raw, err := l.db.Get([]byte(key), nil)
	if err == leveldberrors.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	_, body, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	record := encodeRecord(time.Now().Add(ttl), body)
	return l.db.Put([]byte(key), record, nil)
}

// Delete implements CacheLayer.Delete.
func (l *LevelDBCacheLayer) Delete(key string) error {
	err := l.db.Delete([]byte(key), nil)
	if err == leveldberrors.ErrNotFound {
		return nil
	}
	return err
}

// Sweep implements layer.Sweeper by scanning the whole keyspace once and
// batch-deleting every record whose deadline has passed, relying on
// goleveldb's own iterator rather than a separate index of expirations.
func (l *LevelDBCacheLayer) Sweep() (int, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	now := time.Now()
	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		deadline, _, err := decodeRecord(iter.Value())
		if err != nil {
			continue
		}
		if !deadline.After(now) {
			batch.Delete(append([]byte(nil), iter.Key()...))
			removed++
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return removed, nil
}

const recordHeaderLen = 8

func encodeRecord(deadline time.Time, compressedBody []byte) []byte {
	record := make([]byte, recordHeaderLen+len(compressedBody))
	binary.BigEndian.PutUint64(record[:recordHeaderLen], uint64(deadline.UnixNano()))
	copy(record[recordHeaderLen:], compressedBody)
	return record
}

func decodeRecord(raw []byte) (time.Time, []byte, error) {
	if len(raw) < recordHeaderLen {
		return time.Time{}, nil, errRecordTooShort
	}
	nanos := int64(binary.BigEndian.Uint64(raw[:recordHeaderLen]))
	return time.Unix(0, nanos), raw[recordHeaderLen:], nil
}
