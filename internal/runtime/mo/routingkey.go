// Package mo maps the routing keys and payloads of the OS2mo event bus onto
// the generic runtime.
//
// MO routing keys have three words, <service>.<object>.<request>, each taken
// from a fixed vocabulary or the "*" wildcard.
package mo

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidRoutingKey is returned for keys outside the MO vocabulary.
var ErrInvalidRoutingKey = errors.New("ramqp: invalid MO routing key")

// Wildcard matches exactly one word of a routing key.
const Wildcard = "*"

// ServiceType is the root object an operation was executed on.
type ServiceType string

const (
	ServiceEmployee ServiceType = "employee"
	ServiceOrgUnit  ServiceType = "org_unit"
	ServiceWildcard ServiceType = Wildcard
)

// ServiceTypes lists every valid ServiceType.
var ServiceTypes = []ServiceType{ServiceEmployee, ServiceOrgUnit, ServiceWildcard}

// ObjectType is the object an operation was executed on.
type ObjectType string

const (
	ObjectAddress     ObjectType = "address"
	ObjectAssociation ObjectType = "association"
	ObjectEmployee    ObjectType = "employee"
	ObjectEngagement  ObjectType = "engagement"
	ObjectIT          ObjectType = "it"
	ObjectKLE         ObjectType = "kle"
	ObjectLeave       ObjectType = "leave"
	ObjectManager     ObjectType = "manager"
	ObjectOwner       ObjectType = "owner"
	ObjectOrgUnit     ObjectType = "org_unit"
	ObjectRelatedUnit ObjectType = "related_unit"
	ObjectRole        ObjectType = "role"
	ObjectWildcard    ObjectType = Wildcard
)

// ObjectTypes lists every valid ObjectType.
var ObjectTypes = []ObjectType{
	ObjectAddress, ObjectAssociation, ObjectEmployee, ObjectEngagement,
	ObjectIT, ObjectKLE, ObjectLeave, ObjectManager, ObjectOwner,
	ObjectOrgUnit, ObjectRelatedUnit, ObjectRole, ObjectWildcard,
}

// RequestType is the kind of operation that was executed.
type RequestType string

const (
	RequestCreate    RequestType = "create"
	RequestEdit      RequestType = "edit"
	RequestTerminate RequestType = "terminate"
	RequestRefresh   RequestType = "refresh"
	RequestWildcard  RequestType = Wildcard
)

// RequestTypes lists every valid RequestType.
var RequestTypes = []RequestType{RequestCreate, RequestEdit, RequestTerminate, RequestRefresh, RequestWildcard}

func (t ServiceType) Valid() bool { return slices.Contains(ServiceTypes, t) }
func (t ObjectType) Valid() bool  { return slices.Contains(ObjectTypes, t) }
func (t RequestType) Valid() bool { return slices.Contains(RequestTypes, t) }

// RoutingKey is a parsed MO routing key.
type RoutingKey struct {
	Service ServiceType
	Object  ObjectType
	Request RequestType
}

// NewRoutingKey validates the three parts and returns the key.
func NewRoutingKey(service ServiceType, object ObjectType, request RequestType) (RoutingKey, error) {
	key := RoutingKey{Service: service, Object: object, Request: request}
	if err := key.Validate(); err != nil {
		return RoutingKey{}, err
	}
	return key, nil
}

// MustRoutingKey is NewRoutingKey that panics on error.
func MustRoutingKey(service ServiceType, object ObjectType, request RequestType) RoutingKey {
	key, err := NewRoutingKey(service, object, request)
	if err != nil {
		panic(err)
	}
	return key
}

// ParseRoutingKey parses "service.object.request".
func ParseRoutingKey(s string) (RoutingKey, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return RoutingKey{}, fmt.Errorf("%w: %q: expected three parts, got %d", ErrInvalidRoutingKey, s, len(parts))
	}
	return NewRoutingKey(ServiceType(parts[0]), ObjectType(parts[1]), RequestType(parts[2]))
}

// Validate reports the first part outside its vocabulary.
func (k RoutingKey) Validate() error {
	switch {
	case !k.Service.Valid():
		return fmt.Errorf("%w: unknown service type %q", ErrInvalidRoutingKey, k.Service)
	case !k.Object.Valid():
		return fmt.Errorf("%w: unknown object type %q", ErrInvalidRoutingKey, k.Object)
	case !k.Request.Valid():
		return fmt.Errorf("%w: unknown request type %q", ErrInvalidRoutingKey, k.Request)
	}
	return nil
}

// HasWildcard reports whether any part is "*". Such keys are binding patterns
// and cannot be published.
func (k RoutingKey) HasWildcard() bool {
	return k.Service == ServiceWildcard || k.Object == ObjectWildcard || k.Request == RequestWildcard
}

func (k RoutingKey) String() string {
	return string(k.Service) + "." + string(k.Object) + "." + string(k.Request)
}
