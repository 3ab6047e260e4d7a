// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package governance

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const (
	// RecordTypeVersion is the version of the journal records.
	RecordTypeVersion = 1

	keySize = 8
)

var (
	errInvalidJournal = errors.New("invalid journal")
	errInvalidKey     = errors.New("invalid journal key")
)

// RecordType prefixes every dumped record.
type RecordType struct {
	Version uint   `json:"version"`
	Type    string `json:"type"`
}

// Record is a journaled governance upgrade.
type Record struct {
	Sequence uint64  // Journal position
	Applied  int64   // Unix time the upgrade was applied
	Upgrade  Upgrade // Applied upgrade
}

// recordJSON is the on disk encoding of a record.
type recordJSON struct {
	Applied          int64           `json:"applied"`
	Emitter          DataSource      `json:"emitter"`
	Sequence         uint64          `json:"sequence"`
	GuardianSetIndex uint32          `json:"guardian_set_index"`
	TargetChain      uint16          `json:"target_chain"`
	Action           json.RawMessage `json:"action"`
}

// EncodeRecord returns the record type and encoded record.
func EncodeRecord(r *Record) (*RecordType, []byte, error) {
	if r.Upgrade.Action == nil {
		return nil, nil, ErrUnsupportedAction
	}
	action, err := json.Marshal(r.Upgrade.Action)
	if err != nil {
		return nil, nil, err
	}
	b, err := json.Marshal(recordJSON{
		Applied:          r.Applied,
		Emitter:          r.Upgrade.Emitter,
		Sequence:         r.Upgrade.Sequence,
		GuardianSetIndex: r.Upgrade.GuardianSetIndex,
		TargetChain:      r.Upgrade.TargetChain,
		Action:           action,
	})
	if err != nil {
		return nil, nil, err
	}
	return &RecordType{
		Version: RecordTypeVersion,
		Type:    r.Upgrade.Action.Type(),
	}, b, nil
}

// DecodeRecord decodes a record of the provided type.
func DecodeRecord(rt RecordType, payload []byte) (*Record, error) {
	if rt.Version != RecordTypeVersion {
		return nil, fmt.Errorf("unsupported record version %v",
			rt.Version)
	}

	var rj recordJSON
	if err := json.Unmarshal(payload, &rj); err != nil {
		return nil, err
	}

	var action Action
	switch rt.Type {
	case RecordTypeSetDataSources:
		var a SetDataSources
		err := json.Unmarshal(rj.Action, &a)
		action = a
		if err != nil {
			return nil, err
		}
	case RecordTypeGovernanceTransfer:
		var a AuthorizeGovernanceDataSourceTransfer
		err := json.Unmarshal(rj.Action, &a)
		action = a
		if err != nil {
			return nil, err
		}
	case RecordTypeGuardianSetUpgrade:
		var a GuardianSetUpgrade
		err := json.Unmarshal(rj.Action, &a)
		action = a
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: record type %q",
			ErrUnsupportedAction, rt.Type)
	}

	return &Record{
		Applied: rj.Applied,
		Upgrade: Upgrade{
			Emitter:          rj.Emitter,
			Sequence:         rj.Sequence,
			GuardianSetIndex: rj.GuardianSetIndex,
			TargetChain:      rj.TargetChain,
			Action:           action,
		},
	}, nil
}

// journalValue is what is stored under every key.
type journalValue struct {
	RecordType
	Record json.RawMessage `json:"record"`
}

// Journal is an append only leveldb log of applied governance upgrades.
type Journal struct {
	sync.Mutex

	db   *leveldb.DB
	next uint64 // Next journal position
}

func encodeKey(seq uint64) []byte {
	var k [keySize]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func decodeKey(k []byte) (uint64, error) {
	if len(k) != keySize {
		return 0, errInvalidKey
	}
	return binary.BigEndian.Uint64(k), nil
}

func newJournal(db *leveldb.DB) (*Journal, error) {
	j := &Journal{db: db}

	i := db.NewIterator(nil, nil)
	defer i.Release()
	if i.Last() {
		seq, err := decodeKey(i.Key())
		if err != nil {
			return nil, err
		}
		j.next = seq + 1
	}
	if err := i.Error(); err != nil {
		return nil, err
	}

	return j, nil
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*Journal, error) {
	err := os.MkdirAll(path, 0700)
	if err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	j, err := newJournal(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// OpenJournalReadOnly opens an existing journal for inspection.
func OpenJournalReadOnly(path string) (*Journal, error) {
	// Stat path first so that we don't create a database.  Leveldb WILL
	// create a directory even if ErrorIfMissing = true.
	fi, err := os.Stat(path)
	if err != nil {
		return nil, os.ErrNotExist
	}
	if !fi.Mode().IsDir() {
		return nil, errInvalidJournal
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		ErrorIfMissing: true,
		ReadOnly:       true,
	})
	if err != nil {
		return nil, err
	}
	return newJournal(db)
}

// NewMemJournal returns a journal that is not backed by disk.
func NewMemJournal() (*Journal, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newJournal(db)
}

// Append writes the record at the end of the journal.
func (j *Journal) Append(r *Record) error {
	rt, payload, err := EncodeRecord(r)
	if err != nil {
		return err
	}
	value, err := json.Marshal(journalValue{
		RecordType: *rt,
		Record:     payload,
	})
	if err != nil {
		return err
	}

	j.Lock()
	defer j.Unlock()

	err = j.db.Put(encodeKey(j.next), value, &opt.WriteOptions{Sync: true})
	if err != nil {
		return err
	}
	r.Sequence = j.next
	j.next++

	return nil
}

// Records returns all journaled records in order.
func (j *Journal) Records() ([]Record, error) {
	j.Lock()
	defer j.Unlock()

	records := make([]Record, 0, j.next)
	i := j.db.NewIterator(nil, nil)
	defer i.Release()
	for i.Next() {
		seq, err := decodeKey(i.Key())
		if err != nil {
			return nil, err
		}
		var jv journalValue
		if err := json.Unmarshal(i.Value(), &jv); err != nil {
			return nil, fmt.Errorf("record %v: %w", seq, err)
		}
		r, err := DecodeRecord(jv.RecordType, jv.Record)
		if err != nil {
			return nil, fmt.Errorf("record %v: %w", seq, err)
		}
		r.Sequence = seq
		records = append(records, *r)
	}
	return records, i.Error()
}

// Dump writes every record to w.  When human is set the output is meant to
// be read, otherwise each record is a RecordType JSON object followed by the
// record JSON object.
func (j *Journal) Dump(w io.Writer, human bool) error {
	records, err := j.Records()
	if err != nil {
		return err
	}

	e := json.NewEncoder(w)
	for _, r := range records {
		if human {
			dumpHuman(w, &r)
			continue
		}
		rt, payload, err := EncodeRecord(&r)
		if err != nil {
			return err
		}
		if err := e.Encode(rt); err != nil {
			return err
		}
		if err := e.Encode(json.RawMessage(payload)); err != nil {
			return err
		}
	}

	return nil
}

func dumpHuman(w io.Writer, r *Record) {
	fmt.Fprintf(w, "Record     : %v\n", r.Sequence)
	fmt.Fprintf(w, "Applied    : %v -> %v\n", r.Applied,
		time.Unix(r.Applied, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Action     : %v\n", r.Upgrade.Action.Type())
	fmt.Fprintf(w, "Emitter    : %v\n", r.Upgrade.Emitter)
	fmt.Fprintf(w, "Sequence   : %v\n", r.Upgrade.Sequence)
	fmt.Fprintf(w, "Signer set : %v\n", r.Upgrade.GuardianSetIndex)
	switch a := r.Upgrade.Action.(type) {
	case SetDataSources:
		for _, ds := range a.DataSources {
			fmt.Fprintf(w, "  Source   : %v\n", ds)
		}
	case AuthorizeGovernanceDataSourceTransfer:
		fmt.Fprintf(w, "  Source   : %v\n", a.NewSource)
		fmt.Fprintf(w, "  Index    : %v\n", a.Index)
	case GuardianSetUpgrade:
		fmt.Fprintf(w, "  Set      : %v\n", a.NewSet.Index)
		for _, k := range a.NewSet.Keys {
			fmt.Fprintf(w, "  Guardian : %v\n", k.Hex())
		}
	}
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
