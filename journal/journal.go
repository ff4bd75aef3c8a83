package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"taolend/core/types"
)

// Entry is a single journalled engine event. Rows are append only and every
// digest commits to the previous one, so rewriting history breaks the chain.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	Timestamp  int64     `gorm:"not null"`
	PrevDigest string    `gorm:"size:64"`
	Digest     string    `gorm:"size:64;not null"`
}

// Journal is the append-only, hash-chained record of engine events backing
// the websocket replay cursor and audit exports.
type Journal struct {
	db  *gorm.DB
	now func() time.Time

	mu         sync.Mutex
	lastSeq    uint64
	lastDigest [32]byte
	subs       map[uint64]chan Entry
	nextSub    uint64
}

// Open initialises the journal at the supplied sqlite DSN and resumes the
// digest chain from the newest stored row. The now function stamps appended
// entries and defaults to time.Now.
func Open(dsn string, now func() time.Time) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("journal: dsn must be configured")
	}
	if now == nil {
		now = time.Now
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate schema: %w", err)
	}
	j := &Journal{db: db, now: now, subs: make(map[uint64]chan Entry)}
	var tail Entry
	err = db.Order("sequence DESC").First(&tail).Error
	switch {
	case err == nil:
		digest, decodeErr := hex.DecodeString(tail.Digest)
		if decodeErr != nil || len(digest) != 32 {
			return nil, fmt.Errorf("journal: corrupt tail digest at sequence %d", tail.Sequence)
		}
		j.lastSeq = tail.Sequence
		copy(j.lastDigest[:], digest)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("journal: load tail: %w", err)
	}
	return j, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append journals the supplied event and returns the stored row. Appends are
// serialized so sequences and digests stay contiguous.
func (j *Journal) Append(evt *types.Event) (*Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal: not initialised")
	}
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return nil, fmt.Errorf("journal: event type required")
	}
	attrs, err := encodeAttributes(evt.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		ID:         uuid.New(),
		Sequence:   j.lastSeq + 1,
		Type:       evt.Type,
		Attributes: string(attrs),
		Timestamp:  j.now().UTC().UnixNano(),
		PrevDigest: hex.EncodeToString(j.lastDigest[:]),
	}
	digest, err := entryDigest(j.lastDigest, entry)
	if err != nil {
		return nil, fmt.Errorf("journal: hash entry: %w", err)
	}
	entry.Digest = hex.EncodeToString(digest[:])
	if err := j.db.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("journal: store entry: %w", err)
	}
	j.lastSeq = entry.Sequence
	j.lastDigest = digest
	j.publish(entry)
	return &entry, nil
}

// LastSequence reports the newest journalled sequence, zero when empty.
func (j *Journal) LastSequence() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Query bounds a journal scan. Zero-valued fields leave the corresponding
// filter open.
type Query struct {
	Type         string
	FromSequence uint64
	ToSequence   uint64
	Limit        int
}

// Events returns journalled entries matching the query ordered by sequence.
func (j *Journal) Events(q Query) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal: not initialised")
	}
	tx := j.db.Order("sequence ASC")
	if trimmed := strings.TrimSpace(q.Type); trimmed != "" {
		tx = tx.Where("type = ?", trimmed)
	}
	if q.FromSequence > 0 {
		tx = tx.Where("sequence >= ?", q.FromSequence)
	}
	if q.ToSequence > 0 {
		tx = tx.Where("sequence <= ?", q.ToSequence)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var entries []Entry
	if err := tx.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("journal: query entries: %w", err)
	}
	return entries, nil
}

// Latest returns the newest journalled entry. The boolean reports whether the
// journal holds any rows.
func (j *Journal) Latest() (*Entry, bool, error) {
	if j == nil || j.db == nil {
		return nil, false, fmt.Errorf("journal: not initialised")
	}
	var tail Entry
	err := j.db.Order("sequence DESC").First(&tail).Error
	switch {
	case err == nil:
		return &tail, true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("journal: load tail: %w", err)
	}
}

// Verify walks the full chain recomputing digests and reports the first
// inconsistency. A nil error means the journal has not been rewritten.
func (j *Journal) Verify() error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal: not initialised")
	}
	var prev [32]byte
	expected := uint64(1)
	const batch = 256
	for {
		var entries []Entry
		err := j.db.Where("sequence >= ?", expected).Order("sequence ASC").Limit(batch).Find(&entries).Error
		if err != nil {
			return fmt.Errorf("journal: scan entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		for _, entry := range entries {
			if entry.Sequence != expected {
				return fmt.Errorf("journal: gap at sequence %d", expected)
			}
			if entry.PrevDigest != hex.EncodeToString(prev[:]) {
				return fmt.Errorf("journal: broken chain at sequence %d", entry.Sequence)
			}
			digest, err := entryDigest(prev, entry)
			if err != nil {
				return fmt.Errorf("journal: hash entry %d: %w", entry.Sequence, err)
			}
			if entry.Digest != hex.EncodeToString(digest[:]) {
				return fmt.Errorf("journal: digest mismatch at sequence %d", entry.Sequence)
			}
			prev = digest
			expected++
		}
	}
}

// DecodeAttributes unpacks the stored attribute JSON of an entry.
func (e Entry) DecodeAttributes() (map[string]string, error) {
	attrs := make(map[string]string)
	if strings.TrimSpace(e.Attributes) == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
		return nil, fmt.Errorf("journal: decode attributes: %w", err)
	}
	return attrs, nil
}

func encodeAttributes(attrs map[string]string) ([]byte, error) {
	if len(attrs) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(attrs)
}

func entryDigest(prev [32]byte, entry Entry) ([32]byte, error) {
	var zero [32]byte
	buf := bytes.NewBuffer(nil)
	buf.Write(prev[:])
	if err := binary.Write(buf, binary.BigEndian, entry.Sequence); err != nil {
		return zero, err
	}
	if err := binary.Write(buf, binary.BigEndian, entry.Timestamp); err != nil {
		return zero, err
	}
	if err := writeDelimited(buf, []byte(entry.Type)); err != nil {
		return zero, err
	}
	if err := writeDelimited(buf, []byte(entry.Attributes)); err != nil {
		return zero, err
	}
	return blake3.Sum256(buf.Bytes()), nil
}

func writeDelimited(buf *bytes.Buffer, data []byte) error {
	length := uint32(0)
	if data != nil {
		length = uint32(len(data))
	}
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if _, err := buf.Write(data); err != nil {
		return err
	}
	return nil
}
