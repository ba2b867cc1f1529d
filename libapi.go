package remoting

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/powerjob/remoting/internal/runtime"
	"github.com/powerjob/remoting/internal/runtime/address"
	configpkg "github.com/powerjob/remoting/internal/runtime/config"
	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
	handlerpkg "github.com/powerjob/remoting/internal/runtime/handlers"
	idspkg "github.com/powerjob/remoting/internal/runtime/ids"
	jsoncodec "github.com/powerjob/remoting/internal/runtime/jsoncodec"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
	"github.com/powerjob/remoting/internal/runtime/netutil"
	"github.com/powerjob/remoting/transport"
)

type (
	System         = runtimepkg.System
	Dependencies   = runtimepkg.Dependencies
	BootOptions    = runtimepkg.BootOptions
	ServerHandlers = runtimepkg.ServerHandlers
	Config         = configpkg.Config

	Endpoint = address.Endpoint
	Address  = address.Address
	Role     = address.Role

	HandlerRegistration = runtimepkg.HandlerRegistration
	ConcurrencyPolicy   = runtimepkg.ConcurrencyPolicy

	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any]            = handlerpkg.JSONMessageHandler[T]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	MessageContext                       = handlerpkg.MessageContext

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Delivery hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	// Dead letters
	DeadLetter    = runtimepkg.DeadLetter
	EventStream   = runtimepkg.EventStream
	FaultKind     = runtimepkg.FaultKind
	FaultRecord   = runtimepkg.FaultRecord
	FaultSink     = runtimepkg.FaultSink
	SinkFunc      = runtimepkg.SinkFunc
	LogSink       = runtimepkg.LogSink
	MetricsSink   = runtimepkg.MetricsSink
	MultiSink     = runtimepkg.MultiSink
	FabricMetrics = runtimepkg.FabricMetrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo     = runtimepkg.HandlerInfo
	HandlerSnapshot = runtimepkg.HandlerSnapshot
	SystemInfo      = runtimepkg.SystemInfo
	ErrorCategory   = runtimepkg.ErrorCategory

	EndpointResolutionError = errspkg.EndpointResolutionError
	ConfigMergeError        = errspkg.ConfigMergeError
	ConfigValidationError   = errspkg.ConfigValidationError
	AlreadyStartedError     = errspkg.AlreadyStartedError
	RegistrationError       = errspkg.RegistrationError

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	// Init boots a node: it resolves the local endpoint, merges the
	// configuration, starts the runtime, registers the fixed handlers of the
	// profile and subscribes the fault observer.
	Init = runtimepkg.Boot

	NewSystem        = runtimepkg.NewSystem
	Register         = runtimepkg.Register
	Single           = runtimepkg.Single
	PooledRoundRobin = runtimepkg.PooledRoundRobin
	DispatchPoolSize = runtimepkg.DispatchPoolSize

	ResolveEndpoint = netutil.Resolve
	ProfileConfig   = configpkg.Profile
	MergeConfig     = configpkg.Merge
	ValidateConfig  = configpkg.ValidateConfig

	AddressOf     = address.AddressOf
	ParseAddress  = address.Parse
	ParseEndpoint = address.ParseEndpoint
	NewAddress    = address.New

	NewJSONMessage  = runtimepkg.NewJSONMessage
	DecodeJSON      = runtimepkg.DecodeJSON
	NewProtoMessage = runtimepkg.NewProtoMessage
	DecodeProto     = runtimepkg.DecodeProto
	WithSender      = metadatapkg.WithSender
	SenderOf        = metadatapkg.SenderOf

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	TimeoutMiddleware       = runtimepkg.TimeoutMiddleware
	HooksMiddleware         = runtimepkg.HooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks

	FaultObserver  = runtimepkg.FaultObserver
	NewFaultRecord = runtimepkg.NewFaultRecord
	NewMetricsSink = runtimepkg.NewMetricsSink
	ClassifyError  = runtimepkg.ClassifyError

	HandlerNameFromContext = runtimepkg.HandlerNameFromContext
	InstanceFromContext    = runtimepkg.InstanceFromContext

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMessageID = idspkg.NewMessageID

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrDuplicateHandler     = errspkg.ErrDuplicateHandler
	ErrInvalidPoolSize      = errspkg.ErrInvalidPoolSize
	ErrUnknownLane          = errspkg.ErrUnknownLane
	ErrNoUsableAddress      = errspkg.ErrNoUsableAddress
	ErrInvalidPort          = errspkg.ErrInvalidPort
	ErrHostRequired         = errspkg.ErrHostRequired
	ErrUnknownProfile       = errspkg.ErrUnknownProfile
	ErrInvalidAddress       = errspkg.ErrInvalidAddress
	ErrMessageRequired      = errspkg.ErrMessageRequired
	ErrEventPayloadRequired = errspkg.ErrEventPayloadRequired
	ErrStopped              = errspkg.ErrStopped
	ErrUnknownRecipient     = errspkg.ErrUnknownRecipient
	ErrForeignSystem        = errspkg.ErrForeignSystem
)

// Roles of the well-known handlers.
const (
	ServerDispatch         = address.ServerDispatch
	PeerLiaison            = address.PeerLiaison
	ServerTroubleshooting  = address.ServerTroubleshooting
	WorkerTaskTracker      = address.WorkerTaskTracker
	WorkerProcessorTracker = address.WorkerProcessorTracker
	WorkerDispatch         = address.WorkerDispatch
)

const (
	ServerSystemName   = address.ServerSystemName
	WorkerSystemName   = address.WorkerSystemName
	DefaultServerPort  = address.DefaultServerPort
	DefaultWorkerPort  = address.DefaultWorkerPort
	ServerDispatchLane = runtimepkg.ServerDispatchLane

	ProfileServer = configpkg.ProfileServer
	ProfileWorker = configpkg.ProfileWorker
)

// Fault kinds carried by FaultRecord.Kind.
const (
	FaultUnknownRecipient = runtimepkg.FaultUnknownRecipient
	FaultForeignSystem    = runtimepkg.FaultForeignSystem
	FaultUnreachable      = runtimepkg.FaultUnreachable
	FaultInvalidAddress   = runtimepkg.FaultInvalidAddress
	FaultStopped          = runtimepkg.FaultStopped
)

// Envelope header keys.
const (
	MetadataKeyRecipient     = metadatapkg.Recipient
	MetadataKeySender        = metadatapkg.Sender
	MetadataKeyCorrelationID = metadatapkg.CorrelationID
	MetadataKeyContentType   = metadatapkg.ContentType
	MetadataKeyMessageType   = metadatapkg.MessageType
)

const (
	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategoryHandler   = runtimepkg.ErrorCategoryHandler
	ErrorCategoryPanic     = runtimepkg.ErrorCategoryPanic
	ErrorCategoryCancelled = runtimepkg.ErrorCategoryCancelled
)

// JSONHandler adapts a typed JSON handler for use in a HandlerRegistration.
func JSONHandler[T any](handler JSONMessageHandler[T], logger ServiceLogger) (message.NoPublishHandlerFunc, error) {
	return handlerpkg.BuildJSONHandler(handler, logger)
}

// ProtoHandler adapts a typed protobuf handler for use in a HandlerRegistration.
// prototype may be a typed nil pointer.
func ProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger ServiceLogger) (message.NoPublishHandlerFunc, error) {
	return handlerpkg.BuildProtoHandler(prototype, handler, logger)
}
