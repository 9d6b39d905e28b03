package queue

import (
	"encoding/json"
	"time"

	"github.com/poolq/poolq/errors"
)

// A unit of deferred work plus its retry bookkeeping.  The JSON encoding is
// the persisted record layout; other tooling may read it from the store
// directly.
type Entry struct {
	// Unique and stable.  Assigned on enqueue when empty.
	ID string `json:"id"`

	// Names the work to perform.  Opaque to the scheduler.
	Handler string `json:"handler"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// Set by the scheduler on enqueue; promotion order follows it.
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	Status Status `json:"status"`

	// When false the first failure is terminal.
	Retry bool `json:"retry"`

	// Failed attempts so far, and how many are allowed.
	TryTimes int `json:"try_times"`
	TryLimit int `json:"try_limit"`

	// Only meaningful while Status is DELAY.
	NextTry time.Time `json:"next_try"`

	// Only set once Status is terminal.
	Finished time.Time `json:"finished"`

	// Start and length of the latest attempt.
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Result json.RawMessage `json:"result,omitempty"`

	// Last error (or why the entry failed for good).
	Remark string `json:"remark"`

	// An entry with a lease in the future is owned by the worker which
	// claimed it.  The worker renews it while the handler runs.
	ClaimedUntil time.Time `json:"claimed_until"`

	// Store version of the record this entry was read from.
	version uint64
}

// The outcome of one execution of an entry's handler.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

func Succeeded(result json.RawMessage) Outcome {
	return Outcome{Result: result}
}

func Failed(err error) Outcome {
	if err == nil {
		err = errors.New("Unspecified failure")
	}
	return Outcome{Err: err}
}

// Whether the entry is held by a claimant at now.
func (e *Entry) Claimed(now time.Time) bool {
	return !e.ClaimedUntil.IsZero() && now.Before(e.ClaimedUntil)
}

// Whether a DELAY entry may be promoted at now.
func (e *Entry) Due(now time.Time) bool {
	return e.Status == StatusDelay && !e.NextTry.After(now)
}

func (e *Entry) Clone() *Entry {
	clone := *e
	if e.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Result != nil {
		clone.Result = append(json.RawMessage(nil), e.Result...)
	}
	return &clone
}

func encodeEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to encode entry %s", e.ID)
	}
	return data, nil
}

func decodeEntry(data []byte, version uint64) (*Entry, error) {
	e := &Entry{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, errors.Wrap(err, "Failed to decode entry")
	}
	e.version = version
	return e, nil
}
