package persistent

// Bolt is a pure Go key/value store  that don't require a full database server such as Postgres or MySQL
import (
	"fmt"
	"log"

	"github.com/boltdb/bolt"
	"github.com/sushantsondhi/broker-raft/common"
)

var (
	entriesBucketName = []byte("entries")
	blocksBucketName  = []byte("blocks")
	stateBucketName   = []byte("state")

	termKey           = []byte("term")
	commitPositionKey = []byte("commitPosition")
	blockFillKey      = []byte("blockFill")
)

// DefaultBlockDensity is the number of entries covered by one block index record.
const DefaultBlockDensity = 16

// DbLogStore is a log store implementation backed by a Bolt DB.
// Entries are keyed by their position; every BlockDensity-th appended entry
// is also recorded in a sparse block index used to accelerate seeking.
type DbLogStore struct {
	db           *bolt.DB
	blockDensity int64
}

var _ common.LogStore = &DbLogStore{}

type LogStoreOption func(store *DbLogStore)

func WithBlockDensity(density int) LogStoreOption {
	return func(store *DbLogStore) {
		if density > 0 {
			store.blockDensity = int64(density)
		}
	}
}

func CreateDbLogStore(dataBaseFilePath string, opts ...LogStoreOption) (*DbLogStore, error) {
	// It will be created if it doesn't exist.
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucketName, blocksBucketName, stateBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &DbLogStore{
		db:           db,
		blockDensity: DefaultBlockDensity,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

func (d *DbLogStore) Append(entries ...common.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucketName)
		blocks := tx.Bucket(blocksBucketName)
		state := tx.Bucket(stateBucketName)

		last := int64(-1)
		if k, _ := bucket.Cursor().Last(); k != nil {
			last = bytesToInt64(k)
		}
		fill := getInt64(state, blockFillKey, 0)

		for _, entry := range entries {
			if entry.Position < 0 {
				return fmt.Errorf("[Append]: negative position %d", entry.Position)
			}
			if entry.Position <= last {
				return fmt.Errorf("[Append]: position %d is not after last position %d", entry.Position, last)
			}
			val, err := EncodeToBytes(entry)
			if err != nil {
				return err
			}
			key := int64ToBytes(entry.Position)
			if err := bucket.Put(key, val); err != nil {
				return err
			}
			if fill == 0 {
				if err := blocks.Put(key, key); err != nil {
					return err
				}
			}
			fill = (fill + 1) % d.blockDensity
			last = entry.Position
		}
		return state.Put(blockFillKey, int64ToBytes(fill))
	})
}

func (d *DbLogStore) Truncate(afterPosition int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucketName, blocksBucketName} {
			bucket := tx.Bucket(name)
			var keys [][]byte
			c := bucket.Cursor()
			for k, _ := c.Seek(int64ToBytes(afterPosition + 1)); k != nil; k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			// deleting while iterating skips keys, so delete afterwards
			for _, k := range keys {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
		}
		// the next appended entry opens a new block
		return tx.Bucket(stateBucketName).Put(blockFillKey, int64ToBytes(0))
	})
}

func (d *DbLogStore) Get(position int64) (*common.LogEntry, error) {
	if position < 0 {
		return nil, common.ErrEntryNotFound
	}
	var entry *common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(entriesBucketName).Get(int64ToBytes(position))
		if val == nil {
			return common.ErrEntryNotFound
		}
		e, err := DecodeToLogEntry(val)
		entry = &e
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *DbLogStore) FirstEntry() (*common.LogEntry, error) {
	return d.edge(func(c *bolt.Cursor) ([]byte, []byte) { return c.First() })
}

func (d *DbLogStore) LastEntry() (*common.LogEntry, error) {
	return d.edge(func(c *bolt.Cursor) ([]byte, []byte) { return c.Last() })
}

func (d *DbLogStore) edge(move func(c *bolt.Cursor) ([]byte, []byte)) (*common.LogEntry, error) {
	var entry *common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		k, v := move(tx.Bucket(entriesBucketName).Cursor())
		if k == nil {
			return nil
		}
		e, err := DecodeToLogEntry(v)
		entry = &e
		return err
	})
	return entry, err
}

func (d *DbLogStore) LookupBlockPosition(position int64) (int64, error) {
	if position < 0 {
		return -1, nil
	}
	result := int64(-1)
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(blocksBucketName).Cursor()
		k, _ := c.Seek(int64ToBytes(position))
		switch {
		case k == nil:
			k, _ = c.Last()
		case bytesToInt64(k) > position:
			k, _ = c.Prev()
		}
		if k != nil {
			result = bytesToInt64(k)
		}
		return nil
	})
	return result, err
}

func (d *DbLogStore) NewReader() common.LogReader {
	return &dbLogReader{store: d}
}

func (d *DbLogStore) Term() (int32, error) {
	var term int64
	err := d.db.View(func(tx *bolt.Tx) error {
		term = getInt64(tx.Bucket(stateBucketName), termKey, 0)
		return nil
	})
	return int32(term), err
}

func (d *DbLogStore) SetTerm(term int32) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucketName).Put(termKey, int64ToBytes(int64(term)))
	})
}

func (d *DbLogStore) CommitPosition() (int64, error) {
	var position int64
	err := d.db.View(func(tx *bolt.Tx) error {
		position = getInt64(tx.Bucket(stateBucketName), commitPositionKey, -1)
		return nil
	})
	return position, err
}

func (d *DbLogStore) SetCommitPosition(position int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucketName).Put(commitPositionKey, int64ToBytes(position))
	})
}

func (d *DbLogStore) Close() error {
	return d.db.Close()
}

func getInt64(bucket *bolt.Bucket, key []byte, defaultVal int64) int64 {
	val := bucket.Get(key)
	if len(val) != 8 {
		return defaultVal
	}
	return bytesToInt64(val)
}

// dbLogReader keeps the position it expects to read next. Every call opens
// its own read transaction, so the reader follows entries appended later.
type dbLogReader struct {
	store *DbLogStore
	next  int64
}

func (r *dbLogReader) Seek(position int64) {
	if position < 0 {
		position = 0
	}
	r.next = position
}

func (r *dbLogReader) SeekToFirstEntry() {
	r.next = 0
}

func (r *dbLogReader) SeekToLastEntry() {
	last, err := r.store.LastEntry()
	if err != nil {
		log.Printf("error seeking to last entry: %+v\n", err)
	}
	if err != nil || last == nil {
		r.next = 0
		return
	}
	r.next = last.Position
}

func (r *dbLogReader) Next() (*common.LogEntry, error) {
	var entry *common.LogEntry
	err := r.store.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(entriesBucketName).Cursor().Seek(int64ToBytes(r.next))
		if k == nil {
			return nil
		}
		e, err := DecodeToLogEntry(v)
		if err != nil {
			return err
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry != nil {
		r.next = entry.Position + 1
	}
	return entry, nil
}
