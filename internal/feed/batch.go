// SPDX-License-Identifier: Apache-2.0

// Package feed decodes change-feed batches posted by the stream relay.
//
// Wire shape:
//
//	{"records": [{"eventKind": "Created", "keys": {"email": "..."},
//	  "afterImage": {...}, "beforeImage": {...}, "sequenceNumber": "..."}]}
//
// eventKind also accepts the DynamoDB stream names INSERT, MODIFY and REMOVE.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/adiadia/account-vending/internal/domain"
)

const maxBatchRecords = 1000

var ErrInvalidBatch = errors.New("invalid change feed batch")

type Batch struct {
	Records []Record `json:"records"`
}

type Record struct {
	EventKind      string                 `json:"eventKind"`
	Keys           Keys                   `json:"keys"`
	AfterImage     *domain.IdentityRecord `json:"afterImage,omitempty"`
	BeforeImage    *domain.IdentityRecord `json:"beforeImage,omitempty"`
	SequenceNumber Sequence               `json:"sequenceNumber"`
}

type Keys struct {
	Email string `json:"email"`
}

// Sequence accepts the sequence number as a JSON string or a JSON number.
type Sequence string

func (s *Sequence) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Sequence(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = Sequence(num.String())
	return nil
}

// Decode reads one batch from r and converts it to change events, keeping
// the record order.
func Decode(r io.Reader) ([]domain.ChangeEvent, error) {
	dec := json.NewDecoder(r)

	var batch Batch
	if err := dec.Decode(&batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: body must contain exactly one JSON object", ErrInvalidBatch)
	}
	if len(batch.Records) > maxBatchRecords {
		return nil, fmt.Errorf("%w: %d records exceeds limit of %d", ErrInvalidBatch, len(batch.Records), maxBatchRecords)
	}

	return batch.Events()
}

func (b Batch) Events() ([]domain.ChangeEvent, error) {
	out := make([]domain.ChangeEvent, 0, len(b.Records))
	for i, rec := range b.Records {
		ev, err := rec.Event()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r Record) Event() (domain.ChangeEvent, error) {
	kind, ok := domain.ParseEventKind(r.EventKind)
	if !ok {
		return domain.ChangeEvent{}, fmt.Errorf("%w: unknown eventKind %q", ErrInvalidBatch, r.EventKind)
	}

	seq := strings.TrimSpace(string(r.SequenceNumber))
	if seq == "" {
		return domain.ChangeEvent{}, fmt.Errorf("%w: sequenceNumber is required", ErrInvalidBatch)
	}

	key := strings.TrimSpace(r.Keys.Email)
	if key == "" && r.AfterImage != nil {
		key = strings.TrimSpace(r.AfterImage.Email)
	}
	if key == "" {
		return domain.ChangeEvent{}, fmt.Errorf("%w: keys.email is required", ErrInvalidBatch)
	}

	return domain.ChangeEvent{
		SequenceNumber: seq,
		Kind:           kind,
		Key:            key,
		BeforeImage:    r.BeforeImage,
		AfterImage:     r.AfterImage,
	}, nil
}
