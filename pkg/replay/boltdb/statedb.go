// Package boltdb provides a persistent replay.Store that keeps the request
// counter and the endpoint shared secret in a single file boltdb database.
package boltdb

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"code.wakelink.org/golang/internal/transport"
	"code.wakelink.org/golang/pkg/replay"
)

const (
	connectTimeout = 5 * time.Second

	// validity marker carried by persisted counter records, matching the
	// firmware EEPROM layout. A record without it is ignored on load.
	counterMarker = 0xCCDD
)

var (
	counterBucket = []byte("counterTbl")
	secretBucket  = []byte("secretTbl")
	counterKey    = []byte("request_counter")
	secretKey     = []byte("shared_secret")
)

// recordCBOR serializes persisted records, validating them on both sides.
var recordCBOR = transport.WrapInSafeSerializer(transport.CBORSerializer{})

// counterRecord is the CBOR persisted counter state.
type counterRecord struct {
	Value  uint32 `cbor:"1,keyasint"`
	Marker uint16 `cbor:"2,keyasint"`
}

// Check errors unless the record carries the validity marker.
func (self counterRecord) Check() error {
	if counterMarker != self.Marker {
		return newError("invalid counter record marker %#04x", self.Marker)
	}
	return nil
}

// StateStore persists endpoint protocol state. It implements replay.Store and
// additionally holds the shared secret so that a rotate can replace the secret
// and zero the counter in one transaction.
type StateStore struct {
	dbpath string
}

// New returns a StateStore persisting to the boltdb file at dbpath.
// It errors if the database schema can not be created.
func New(dbpath string) (*StateStore, error) {
	store := &StateStore{dbpath: dbpath}

	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to database")
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucketname := range [][]byte{counterBucket, secretBucket} {
			_, err := tx.CreateBucketIfNotExists(bucketname)
			if nil != err {
				return wrapError(err, "failed %s bucket creation", bucketname)
			}
		}
		return nil
	})
	if nil != err {
		return nil, wrapError(err, "failed db initialization")
	}

	return store, nil
}

// LoadCounter implements replay.Store. A missing record or one carrying an
// invalid marker yields ok == false, not an error.
func (self *StateStore) LoadCounter() (uint32, bool, error) {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout, ReadOnly: true})
	if nil != err {
		return 0, false, wrapError(err, "failed connecting to database")
	}
	defer db.Close()

	var rec counterRecord
	var found bool
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(counterBucket)
		if nil == bucket {
			return nil
		}
		data := bucket.Get(counterKey)
		if nil == data {
			return nil
		}
		err := recordCBOR.Unmarshal(data, &rec)
		if nil != err {
			// corrupt or unmarked record, report absent state rather than failing
			return nil
		}
		found = true
		return nil
	})
	if nil != err {
		return 0, false, wrapError(err, "failed reading counter")
	}

	if !found {
		return 0, false, nil
	}
	return rec.Value, true, nil
}

// SaveCounter implements replay.Store.
func (self *StateStore) SaveCounter(value uint32) error {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return wrapError(err, "failed connecting to database")
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		return putCounter(tx, value)
	})
	return wrapError(err, "failed persisting counter") // nil if err is nil
}

// LoadSecret returns the persisted shared secret. ok is false when none exists.
func (self *StateStore) LoadSecret() ([]byte, bool, error) {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout, ReadOnly: true})
	if nil != err {
		return nil, false, wrapError(err, "failed connecting to database")
	}
	defer db.Close()

	var secret []byte
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(secretBucket)
		if nil == bucket {
			return nil
		}
		data := bucket.Get(secretKey)
		if nil != data {
			secret = make([]byte, len(data))
			copy(secret, data)
		}
		return nil
	})
	if nil != err {
		return nil, false, wrapError(err, "failed reading secret")
	}

	return secret, nil != secret, nil
}

// SaveSecret persists the shared secret without touching the counter.
func (self *StateStore) SaveSecret(secret []byte) error {
	if 0 == len(secret) {
		return newError("empty secret")
	}

	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return wrapError(err, "failed connecting to database")
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		return putSecret(tx, secret)
	})
	return wrapError(err, "failed persisting secret") // nil if err is nil
}

// RotateSecret replaces the shared secret and zeroes the request counter in a
// single transaction. The old secret is gone once this returns.
func (self *StateStore) RotateSecret(secret []byte) error {
	if 0 == len(secret) {
		return newError("empty secret")
	}

	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return wrapError(err, "failed connecting to database")
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		err := putSecret(tx, secret)
		if nil != err {
			return err
		}
		return putCounter(tx, 0)
	})
	return wrapError(err, "failed rotating secret") // nil if err is nil
}

func putCounter(tx *bolt.Tx, value uint32) error {
	rec := counterRecord{Value: value, Marker: counterMarker}
	data, err := recordCBOR.Marshal(rec)
	if nil != err {
		return wrapError(err, "failed marshalling counter record")
	}

	bucket := tx.Bucket(counterBucket)
	if nil == bucket {
		return newError("missing %s bucket", counterBucket)
	}
	return bucket.Put(counterKey, data)
}

func putSecret(tx *bolt.Tx, secret []byte) error {
	bucket := tx.Bucket(secretBucket)
	if nil == bucket {
		return newError("missing %s bucket", secretBucket)
	}
	return bucket.Put(secretKey, secret)
}

var _ replay.Store = &StateStore{}
