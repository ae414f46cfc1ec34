package ramqp

import (
	"context"
	"time"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/ramqp/internal/runtime"
	configpkg "github.com/drblury/ramqp/internal/runtime/config"
	"github.com/drblury/ramqp/internal/runtime/depends"
	"github.com/drblury/ramqp/internal/runtime/disposition"
	errspkg "github.com/drblury/ramqp/internal/runtime/errors"
	"github.com/drblury/ramqp/internal/runtime/exclusive"
	idspkg "github.com/drblury/ramqp/internal/runtime/ids"
	"github.com/drblury/ramqp/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	metadatapkg "github.com/drblury/ramqp/internal/runtime/metadata"
	metricspkg "github.com/drblury/ramqp/internal/runtime/metrics"
	"github.com/drblury/ramqp/internal/runtime/mo"
	"github.com/drblury/ramqp/internal/runtime/ratelimit"
	transportpkg "github.com/drblury/ramqp/transport"
)

type (
	Config        = configpkg.Config
	System        = runtimepkg.System
	Option        = runtimepkg.Option
	Router        = runtimepkg.Router
	Handler       = runtimepkg.Handler
	HandlerFunc   = runtimepkg.HandlerFunc
	Publisher     = runtimepkg.Publisher
	PublishOption = runtimepkg.PublishOption

	ConfigValidationError = errspkg.ConfigValidationError

	Scope               = depends.Scope
	Dependency          = depends.Dependency
	Provider[T any]     = depends.Provider[T]
	Gate                = depends.Gate
	ResolutionError     = depends.ResolutionError
	PanicError          = depends.PanicError
	Outcome             = disposition.Outcome
	ExclusiveManager    = exclusive.Manager
	RateLimiter         = ratelimit.Limiter
	Observer            = metricspkg.Observer
	PrometheusObserver  = metricspkg.Prometheus
	MetricsRecorder     = metricspkg.Recorder
	Metadata            = metadatapkg.Metadata
	LogFields           = loggingpkg.LogFields
	ServiceLogger       = loggingpkg.ServiceLogger
	DeliveryContext     = runtimepkg.DeliveryContext
	DeliveryHooks       = runtimepkg.DeliveryHooks
	HandlerInfo         = runtimepkg.HandlerInfo
	StatsSnapshot       = runtimepkg.StatsSnapshot
	Status              = runtimepkg.Status
	ResourceUsage       = runtimepkg.ResourceUsage

	// Transport
	Connection            = transportpkg.Connection
	Channel               = transportpkg.Channel
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities

	// MO event bus
	MORouter      = mo.Router
	MOHandler     = mo.Handler
	MOHandlerFunc = mo.HandlerFunc
	MORoutingKey  = mo.RoutingKey
	MOPayload     = mo.Payload
	ServiceType   = mo.ServiceType
	ObjectType    = mo.ObjectType
	RequestType   = mo.RequestType
)

var (
	NewSystem          = runtimepkg.NewSystem
	NewRouter          = runtimepkg.NewRouter
	NewHandler         = runtimepkg.NewHandler
	NewNamedHandler    = runtimepkg.NewNamedHandler
	NewMessage         = runtimepkg.NewMessage
	QueueName          = runtimepkg.QueueName
	ValidateConfig     = configpkg.ValidateConfig
	WithRouter         = runtimepkg.WithRouter
	WithObserver       = runtimepkg.WithObserver
	WithContext        = runtimepkg.WithContext
	WithHooks          = runtimepkg.WithHooks
	WithRegistry       = runtimepkg.WithRegistry
	WithTracerProvider = runtimepkg.WithTracerProvider
	WithExchange       = runtimepkg.WithExchange
	WithMetadata       = runtimepkg.WithMetadata

	// Delivery hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	EscalateAfter = runtimepkg.EscalateAfter

	// Dependencies
	Message               = depends.Message
	Context               = depends.Context
	RoutingKey            = depends.RoutingKey
	PayloadBytes          = depends.PayloadBytes
	MessageID             = depends.MessageID
	MessageMetadata       = depends.Metadata
	Exclusive             = depends.Exclusive
	ExclusiveByRoutingKey = depends.ExclusiveByRoutingKey
	RateLimit             = depends.RateLimit
	RateLimitWith         = depends.RateLimitWith
	SleepOnError          = depends.SleepOnError
	IsResolutionError     = depends.IsResolutionError
	NewExclusiveManager   = exclusive.NewManager
	NewRateLimiter        = ratelimit.New

	// Dispositions
	Reject      = disposition.Reject
	Acknowledge = disposition.Acknowledge
	Requeue     = disposition.Requeue
	Classify    = disposition.Classify

	ErrReject      = disposition.ErrReject
	ErrAcknowledge = disposition.ErrAcknowledge
	ErrRequeue     = disposition.ErrRequeue

	// Metrics
	NewPrometheusObserver = metricspkg.NewPrometheus
	NewMetricsRecorder    = metricspkg.NewRecorder

	// Transport registry
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	GetCapabilities          = transportpkg.GetCapabilities

	// MO event bus
	NewMORouter       = mo.NewRouter
	NewMOHandler      = mo.NewHandler
	NewMONamedHandler = mo.NewNamedHandler
	NewMORoutingKey   = mo.NewRoutingKey
	MustMORoutingKey  = mo.MustRoutingKey
	ParseMORoutingKey = mo.ParseRoutingKey
	PublishMO         = mo.Publish

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrRoutingKeyRequired   = errspkg.ErrRoutingKeyRequired
	ErrQueuePrefixRequired  = errspkg.ErrQueuePrefixRequired
	ErrDuplicateHandlerName = errspkg.ErrDuplicateHandlerName
	ErrRegisterAfterStart   = errspkg.ErrRegisterAfterStart
	ErrAlreadyStarted       = errspkg.ErrAlreadyStarted
	ErrNotStarted           = errspkg.ErrNotStarted
	ErrRoutingKeyMissing    = errspkg.ErrRoutingKeyMissing
	ErrContextKeyMissing    = errspkg.ErrContextKeyMissing
	ErrPayloadInvalid       = errspkg.ErrPayloadInvalid
	ErrUnknownTransport     = errspkg.ErrUnknownTransport
	ErrInvalidMORoutingKey  = mo.ErrInvalidRoutingKey

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	NewMessageID = idspkg.NewMessageID
)

// Outcomes of a delivery.
const (
	Completed = disposition.Completed
	Rejected  = disposition.Rejected
	Requeued  = disposition.Requeued
	Failed    = disposition.Failed
)

// MO vocabulary.
const (
	ServiceEmployee = mo.ServiceEmployee
	ServiceOrgUnit  = mo.ServiceOrgUnit
	ServiceWildcard = mo.ServiceWildcard

	ObjectAddress     = mo.ObjectAddress
	ObjectAssociation = mo.ObjectAssociation
	ObjectEmployee    = mo.ObjectEmployee
	ObjectEngagement  = mo.ObjectEngagement
	ObjectIT          = mo.ObjectIT
	ObjectKLE         = mo.ObjectKLE
	ObjectLeave       = mo.ObjectLeave
	ObjectManager     = mo.ObjectManager
	ObjectOwner       = mo.ObjectOwner
	ObjectOrgUnit     = mo.ObjectOrgUnit
	ObjectRelatedUnit = mo.ObjectRelatedUnit
	ObjectRole        = mo.ObjectRole
	ObjectWildcard    = mo.ObjectWildcard

	RequestCreate    = mo.RequestCreate
	RequestEdit      = mo.RequestEdit
	RequestTerminate = mo.RequestTerminate
	RequestRefresh   = mo.RequestRefresh
	RequestWildcard  = mo.RequestWildcard
)

func NewProvider[T any](name string, fn func(ctx context.Context, s *Scope) (T, error), requires ...Dependency) *Provider[T] {
	return depends.NewProvider(name, fn, requires...)
}

func Payload[T any]() *Provider[T] {
	return depends.Payload[T]()
}

func ProtoPayload[T proto.Message]() *Provider[T] {
	return depends.ProtoPayload[T]()
}

func FromContext[T any](field string) *Provider[T] {
	return depends.FromContext[T](field)
}

// MessageTime returns the time encoded in a message id created by NewMessageID.
func MessageTime(messageID string) (time.Time, bool) {
	return idspkg.Timestamp(messageID)
}
