package pipeline

import (
	"encoding/json"
	"sync"

	"go.dedis.ch/isoloir/kv"
	"golang.org/x/xerrors"
)

var journalBucket = []byte("pipeline:journal")

// Journal persists the progress of the sagas so an aborted one can resume
// from its last completed step instead of restarting from scratch.
type Journal interface {
	// Load returns the saga and whether it exists.
	Load(id string) (Saga, bool, error)

	// Save stores the saga under the identifier.
	Save(id string, saga Saga) error
}

// kvJournal stores the sagas in a key/value database.
//
// - implements pipeline.Journal
type kvJournal struct {
	db kv.DB
}

// NewJournal creates a journal persisted in the given database.
func NewJournal(db kv.DB) Journal {
	return kvJournal{db: db}
}

// Load implements pipeline.Journal.
func (j kvJournal) Load(id string) (Saga, bool, error) {
	var saga Saga
	found := false

	err := j.db.Update(journalBucket, func(b kv.Bucket) error {
		buf := b.Get([]byte(id))
		if buf == nil {
			return nil
		}

		found = true

		return json.Unmarshal(buf, &saga)
	})
	if err != nil {
		return Saga{}, false, xerrors.Errorf("failed to load saga '%s': %v", id, err)
	}

	return saga, found, nil
}

// Save implements pipeline.Journal.
func (j kvJournal) Save(id string, saga Saga) error {
	buf, err := json.Marshal(saga)
	if err != nil {
		return xerrors.Errorf("failed to marshal saga: %v", err)
	}

	err = j.db.Update(journalBucket, func(b kv.Bucket) error {
		return b.Set([]byte(id), buf)
	})
	if err != nil {
		return xerrors.Errorf("failed to save saga '%s': %v", id, err)
	}

	return nil
}

// memJournal keeps the sagas in memory. Progress is lost on restart, which
// is acceptable for tests and demo runs.
//
// - implements pipeline.Journal
type memJournal struct {
	sync.Mutex

	sagas map[string]Saga
}

// NewMemJournal creates an in-memory journal.
func NewMemJournal() Journal {
	return &memJournal{
		sagas: make(map[string]Saga),
	}
}

// Load implements pipeline.Journal.
func (j *memJournal) Load(id string) (Saga, bool, error) {
	j.Lock()
	defer j.Unlock()

	saga, found := j.sagas[id]

	return saga, found, nil
}

// Save implements pipeline.Journal.
func (j *memJournal) Save(id string, saga Saga) error {
	j.Lock()
	defer j.Unlock()

	j.sagas[id] = saga

	return nil
}
