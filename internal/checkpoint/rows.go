package checkpoint

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/store"
)

// rowSet holds the stored rows of one thread and rebuilds message lists from
// delta rows by walking parent pointers.
type rowSet struct {
	byID  map[string]*store.CheckpointRow
	order []string // newest first
	cache map[string][]*store.Message
}

func (r *rowSet) messages(id string) ([]*store.Message, error) {
	return r.resolveMessages(id, 0)
}

func (r *rowSet) resolveMessages(id string, depth int) ([]*store.Message, error) {
	if msgs, ok := r.cache[id]; ok {
		return msgs, nil
	}
	if depth > len(r.byID) {
		return nil, errors.Wrapf(ErrStoreUnavailable, "checkpoint %s has a cyclic ancestry", id)
	}
	row, ok := r.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrStoreUnavailable, "missing ancestor checkpoint %s", id)
	}
	var part []*store.Message
	if err := json.Unmarshal([]byte(row.Messages), &part); err != nil {
		return nil, errors.Wrapf(err, "decode messages of checkpoint %s", id)
	}

	msgs := part
	if row.Mode == store.CheckpointModeDelta && row.ParentCheckpointID != "" {
		parent, err := r.resolveMessages(row.ParentCheckpointID, depth+1)
		if err != nil {
			return nil, err
		}
		msgs = make([]*store.Message, 0, len(parent)+len(part))
		msgs = append(msgs, parent...)
		msgs = append(msgs, part...)
	}
	if r.cache == nil {
		r.cache = make(map[string][]*store.Message)
	}
	r.cache[id] = msgs
	return msgs, nil
}

func (r *rowSet) checkpoint(id string) (*Checkpoint, error) {
	row, ok := r.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrCheckpointNotFound, "checkpoint %s", id)
	}
	msgs, err := r.messages(id)
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		ThreadID:           row.ThreadID,
		CheckpointID:       row.CheckpointID,
		ParentCheckpointID: row.ParentCheckpointID,
		Seq:                row.Seq,
		Values:             store.ChannelValues{Messages: append([]*store.Message(nil), msgs...)},
		CreatedTs:          row.CreatedTs,
	}
	if row.Values != "" && row.Values != "null" {
		if err := json.Unmarshal([]byte(row.Values), &cp.Values.Values); err != nil {
			return nil, errors.Wrapf(err, "decode values of checkpoint %s", id)
		}
	}
	if row.Metadata != "" && row.Metadata != "null" {
		if err := json.Unmarshal([]byte(row.Metadata), &cp.Metadata); err != nil {
			return nil, errors.Wrapf(err, "decode metadata of checkpoint %s", id)
		}
	}
	return cp, nil
}
