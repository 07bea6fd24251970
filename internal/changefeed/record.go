// Package changefeed turns a collection's raw mutation feed into validated
// change records. Validation happens here, at the feed boundary, so a
// malformed record is caught in one place instead of leaking half-parsed
// data downstream.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Operation is the closed set of mutation types a feed can report.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpReplace Operation = "replace"
)

// ErrMalformed wraps any record that fails boundary validation. Callers
// log it, acknowledge the position and keep consuming.
var ErrMalformed = errors.New("malformed change record")

// Record is one committed mutation on a watched collection.
type Record struct {
	Collection string
	Operation  Operation
	// Key is the primary identifier of the mutated document.
	Key string
	// Fields lists the changed field names. Populated for updates only.
	Fields []string
	// Document is the post-mutation document when the feed supplies one.
	Document json.RawMessage
}

// Envelope pairs a record with its opaque resume position and any trace
// context the producer attached.
type Envelope struct {
	Record      Record
	Traceparent string
	Tracestate  string

	// Position is the feed's resume marker; pass it back to Commit once
	// the record has been fully processed.
	Position any
}

// Feed is an ordered, at-least-once mutation feed for a single collection.
// Fetch blocks until a record arrives or ctx is cancelled. Commit
// acknowledges the envelope's position so a restart resumes after it.
type Feed interface {
	Fetch(ctx context.Context) (Envelope, error)
	Commit(ctx context.Context, env Envelope) error
	Close() error
}

// streamEvent is the change-stream envelope the CDC connector publishes:
// the MongoDB change event shape, one JSON document per mutation.
type streamEvent struct {
	OperationType string `json:"operationType"`
	DocumentKey   struct {
		ID any `json:"_id"`
	} `json:"documentKey"`
	UpdateDescription *struct {
		UpdatedFields map[string]json.RawMessage `json:"updatedFields"`
		RemovedFields []string                   `json:"removedFields"`
	} `json:"updateDescription"`
	FullDocument json.RawMessage `json:"fullDocument"`
}

// DecodeRecord validates one raw feed value into a Record. Errors wrap
// ErrMalformed.
func DecodeRecord(collection string, value []byte) (Record, error) {
	var ev streamEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	op, err := parseOperation(ev.OperationType)
	if err != nil {
		return Record{}, err
	}

	key, err := documentKeyString(ev.DocumentKey.ID)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Collection: collection,
		Operation:  op,
		Key:        key,
		Document:   ev.FullDocument,
	}

	if op == OpUpdate {
		if ev.UpdateDescription == nil {
			return Record{}, fmt.Errorf("%w: update without updateDescription", ErrMalformed)
		}
		for f := range ev.UpdateDescription.UpdatedFields {
			rec.Fields = append(rec.Fields, f)
		}
		rec.Fields = append(rec.Fields, ev.UpdateDescription.RemovedFields...)
		if len(rec.Fields) == 0 {
			return Record{}, fmt.Errorf("%w: update with empty field set", ErrMalformed)
		}
	}

	return rec, nil
}

func parseOperation(raw string) (Operation, error) {
	switch Operation(raw) {
	case OpInsert, OpUpdate, OpDelete, OpReplace:
		return Operation(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrMalformed, raw)
	}
}

func documentKeyString(id any) (string, error) {
	switch v := id.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("%w: empty document key", ErrMalformed)
		}
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case map[string]any:
		// Extended JSON object id: {"$oid": "..."}.
		if oid, ok := v["$oid"].(string); ok && oid != "" {
			return oid, nil
		}
		return "", fmt.Errorf("%w: unsupported document key %v", ErrMalformed, v)
	default:
		return "", fmt.Errorf("%w: missing document key", ErrMalformed)
	}
}
