package mo

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Payload is the body of every MO event.
type Payload struct {
	// UUID is the employee or organisation unit the object belongs to.
	UUID uuid.UUID `json:"uuid"`
	// ObjectUUID is the object itself.
	ObjectUUID uuid.UUID `json:"object_uuid"`
	// Time is when MO emitted the event.
	Time time.Time `json:"time"`
}

// Validate rejects payloads missing one of the fields.
func (p Payload) Validate() error {
	var errs []error
	if p.UUID == uuid.Nil {
		errs = append(errs, errors.New("uuid is required"))
	}
	if p.ObjectUUID == uuid.Nil {
		errs = append(errs, errors.New("object_uuid is required"))
	}
	if p.Time.IsZero() {
		errs = append(errs, errors.New("time is required"))
	}
	return errors.Join(errs...)
}

// exclusivityKey is what MO handlers serialise on.
type exclusivityKey struct {
	uuid       uuid.UUID
	objectUUID uuid.UUID
}

func (p Payload) exclusivityKey() exclusivityKey {
	return exclusivityKey{uuid: p.UUID, objectUUID: p.ObjectUUID}
}
