package host

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/nwvm/vm"
)

// ErrSituationNotFound is returned for unknown situation ids.
var ErrSituationNotFound = errors.New("situation not found")

// SituationStore persists deferred situations in the situations table of
// a database opened with OpenDatabase. Situations are stored in their
// CBOR record form.
type SituationStore struct {
	db *sql.DB
}

func NewSituationStore(db *sql.DB) *SituationStore {
	return &SituationStore{db: db}
}

// StoredSituation describes a persisted situation.
type StoredSituation struct {
	ID      uuid.UUID
	Script  string
	Target  vm.ObjectID
	Delay   time.Duration
	Created time.Time
}

// Save stores sit under id. It fails for consumed situations and for
// situations holding engine structures.
func (s *SituationStore) Save(id uuid.UUID, sit *vm.Situation, target vm.ObjectID, delay time.Duration) error {
	data, err := vm.MarshalSituation(sit)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO situations (id, script, target, delay_ms, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), sit.Script, int64(target), delay.Milliseconds(), data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store situation %s: %w", id, err)
	}
	return nil
}

// Load decodes a stored situation. It must be bound before it can run.
func (s *SituationStore) Load(id uuid.UUID) (*vm.Situation, StoredSituation, error) {
	var data []byte
	info := StoredSituation{ID: id}
	var target, delay, created int64
	err := s.db.QueryRow(
		`SELECT script, target, delay_ms, data, created_at FROM situations WHERE id = ?`, id.String()).
		Scan(&info.Script, &target, &delay, &data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, info, fmt.Errorf("%w: %s", ErrSituationNotFound, id)
	}
	if err != nil {
		return nil, info, fmt.Errorf("load situation %s: %w", id, err)
	}
	info.Target = vm.ObjectID(target)
	info.Delay = time.Duration(delay) * time.Millisecond
	info.Created = time.Unix(created, 0)

	sit, err := vm.UnmarshalSituation(data)
	if err != nil {
		return nil, info, err
	}
	return sit, info, nil
}

// Delete removes a stored situation.
func (s *SituationStore) Delete(id uuid.UUID) error {
	res, err := s.db.Exec(`DELETE FROM situations WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete situation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSituationNotFound, id)
	}
	return nil
}

// List returns the stored situations, oldest first.
func (s *SituationStore) List() ([]StoredSituation, error) {
	rows, err := s.db.Query(`SELECT id, script, target, delay_ms, created_at FROM situations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list situations: %w", err)
	}
	defer rows.Close()

	var all []StoredSituation
	for rows.Next() {
		var id string
		var info StoredSituation
		var target, delay, created int64
		if err := rows.Scan(&id, &info.Script, &target, &delay, &created); err != nil {
			return nil, err
		}
		if info.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("situation id %q: %w", id, err)
		}
		info.Target = vm.ObjectID(target)
		info.Delay = time.Duration(delay) * time.Millisecond
		info.Created = time.Unix(created, 0)
		all = append(all, info)
	}
	return all, rows.Err()
}

// ---------------------------------------------------------------------------
// Runtime persistence
// ---------------------------------------------------------------------------

// PersistSituations moves every deferred situation of rt into store,
// cancelling it in the runtime. Each is stored with the time it has left,
// so a restored situation waits only for the rest of its delay.
// Situations that cannot be serialized are logged and dropped.
func (rt *Runtime) PersistSituations(store *SituationStore) (int, error) {
	saved := 0
	for _, d := range rt.situations.Snapshot() {
		err := store.Save(d.ID, d.Situation, d.Target, rt.situations.Remaining(d))
		if errors.Is(err, vm.ErrNotSerializable) {
			rt.log.Warningf("dropping situation %s of %s: %s", d.ID, d.Situation.Script, err)
		} else if err != nil {
			return saved, err
		} else {
			saved++
		}
		rt.situations.Cancel(d.ID)
	}
	return saved, nil
}

// RestoreSituations defers every situation in store and empties it. The
// situations start when InitiatePending next runs, at the latest when the
// next outermost script returns.
func (rt *Runtime) RestoreSituations(store *SituationStore) (int, error) {
	list, err := store.List()
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, info := range list {
		sit, _, err := store.Load(info.ID)
		if err == nil {
			err = rt.cache.Bind(sit)
		}
		if err != nil {
			rt.log.Warningf("dropping stored situation %s of %s: %s", info.ID, info.Script, err)
		} else {
			rt.situations.Defer(sit, info.Target, info.Delay)
			restored++
		}
		if err := store.Delete(info.ID); err != nil {
			return restored, err
		}
	}
	return restored, nil
}
