// Package grpcserver exposes the booking service over gRPC. Messages are
// google.protobuf.Struct values so the service needs no generated stubs.
package grpcserver

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/internal/auth"
	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "timebank.v1.BookingService"

const (
	MethodRegisterWallet   = "RegisterWallet"
	MethodGetWallet        = "GetWallet"
	MethodGetHistory       = "GetTransactionHistory"
	MethodAdjustCredits    = "AdjustCredits"
	MethodCreateBooking    = "CreateBooking"
	MethodListBookings     = "ListBookings"
	MethodGetBooking       = "GetBooking"
	MethodAcceptBooking    = "AcceptBooking"
	MethodCompleteBooking  = "CompleteBooking"
	MethodRejectBooking    = "RejectBooking"
	errorMissingPrincipal  = "missing principal"
	errorAdminRoleRequired = "admin role required"
	errorInternal          = "internal error"
)

// BookingServiceServer is the handler set registered under ServiceName.
type BookingServiceServer interface {
	RegisterWallet(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetWallet(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetTransactionHistory(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	AdjustCredits(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CreateBooking(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListBookings(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetBooking(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	AcceptBooking(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CompleteBooking(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	RejectBooking(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// BookingServer serves timebank.v1.BookingService.
type BookingServer struct {
	service *timebank.Service
	logger  *zap.Logger
}

// NewBookingServer constructs the gRPC handler set for service.
func NewBookingServer(service *timebank.Service, logger *zap.Logger) *BookingServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookingServer{service: service, logger: logger}
}

// NewServer builds a grpc.Server with the booking service, bearer-token
// authentication and the standard health service registered.
func NewServer(bookingServer *BookingServer, authenticator *auth.Authenticator, options ...grpc.ServerOption) *grpc.Server {
	interceptor := authenticator.UnaryServerInterceptor(
		"/"+healthpb.Health_ServiceDesc.ServiceName+"/Check",
		"/"+healthpb.Health_ServiceDesc.ServiceName+"/List",
	)
	server := grpc.NewServer(append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptor)}, options...)...)
	RegisterBookingServer(server, bookingServer)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// RegisterBookingServer registers bookingServer on registrar.
func RegisterBookingServer(registrar grpc.ServiceRegistrar, bookingServer *BookingServer) {
	registrar.RegisterService(&serviceDesc, bookingServer)
}

var _ BookingServiceServer = (*BookingServer)(nil)

type unaryMethod func(server *BookingServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BookingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodRegisterWallet, Handler: unaryHandler(MethodRegisterWallet, (*BookingServer).RegisterWallet)},
		{MethodName: MethodGetWallet, Handler: unaryHandler(MethodGetWallet, (*BookingServer).GetWallet)},
		{MethodName: MethodGetHistory, Handler: unaryHandler(MethodGetHistory, (*BookingServer).GetTransactionHistory)},
		{MethodName: MethodAdjustCredits, Handler: unaryHandler(MethodAdjustCredits, (*BookingServer).AdjustCredits)},
		{MethodName: MethodCreateBooking, Handler: unaryHandler(MethodCreateBooking, (*BookingServer).CreateBooking)},
		{MethodName: MethodListBookings, Handler: unaryHandler(MethodListBookings, (*BookingServer).ListBookings)},
		{MethodName: MethodGetBooking, Handler: unaryHandler(MethodGetBooking, (*BookingServer).GetBooking)},
		{MethodName: MethodAcceptBooking, Handler: unaryHandler(MethodAcceptBooking, (*BookingServer).AcceptBooking)},
		{MethodName: MethodCompleteBooking, Handler: unaryHandler(MethodCompleteBooking, (*BookingServer).CompleteBooking)},
		{MethodName: MethodRejectBooking, Handler: unaryHandler(MethodRejectBooking, (*BookingServer).RejectBooking)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "timebank/v1/booking.proto",
}

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler(method string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		server := srv.(*BookingServer)
		handler := func(ctx context.Context, message any) (any, error) {
			return call(server, ctx, message.(*structpb.Struct))
		}
		if interceptor == nil {
			return handler(ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, request, info, handler)
	}
}

// RegisterWallet registers the caller's wallet and applies the welcome grant once.
func (server *BookingServer) RegisterWallet(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	wallet, operationError := server.service.RegisterWallet(ctx, principal.UserID)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return respond(map[string]any{"wallet": walletFields(wallet)})
}

func (server *BookingServer) GetWallet(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	wallet, operationError := server.service.GetWallet(ctx, principal.UserID)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return respond(map[string]any{"wallet": walletFields(wallet)})
}

func (server *BookingServer) GetTransactionHistory(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	page := intField(request, "page")
	pageSize := intField(request, "page_size")
	history, operationError := server.service.GetTransactionHistory(ctx, principal.UserID, page, pageSize)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return respond(historyFields(history))
}

func (server *BookingServer) AdjustCredits(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	if !principal.HasRole(auth.RoleAdmin) {
		return nil, status.Error(codes.PermissionDenied, errorAdminRoleRequired)
	}
	userID, err := timebank.NewUserID(stringField(request, "user_id"))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	amount, err := positiveField(request, "amount")
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	wallet, operationError := server.service.AdjustCredits(ctx, principal.UserID, userID, amount, stringField(request, "notes"))
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return respond(map[string]any{"wallet": walletFields(wallet)})
}

func (server *BookingServer) CreateBooking(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	bookingRequest, err := bookingRequestFrom(principal.UserID, request)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	booking, operationError := server.service.CreateBooking(ctx, principal.UserID, bookingRequest)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return respond(map[string]any{"booking": bookingFields(booking)})
}

func (server *BookingServer) ListBookings(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	bookings, operationError := server.service.ListBookingsForUser(ctx, principal.UserID)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	items := make([]any, 0, len(bookings))
	for _, booking := range bookings {
		items = append(items, bookingFields(booking))
	}
	return respond(map[string]any{"bookings": items})
}

func (server *BookingServer) GetBooking(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.bookingCommand(ctx, request, server.service.GetBooking)
}

func (server *BookingServer) AcceptBooking(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.bookingCommand(ctx, request, server.service.AcceptBooking)
}

func (server *BookingServer) CompleteBooking(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.bookingCommand(ctx, request, server.service.CompleteBooking)
}

func (server *BookingServer) RejectBooking(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.bookingCommand(ctx, request, server.service.RejectBooking)
}

func (server *BookingServer) bookingCommand(
	ctx context.Context,
	request *structpb.Struct,
	command func(ctx context.Context, actor timebank.UserID, bookingID timebank.BookingID) (timebank.Booking, error),
) (*structpb.Struct, error) {
	principal, err := principalFrom(ctx)
	if err != nil {
		return nil, err
	}
	bookingID, err := timebank.NewBookingID(stringField(request, "booking_id"))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	booking, operationError := command(ctx, principal.UserID, bookingID)
	if operationError != nil {
		return nil, server.mapToGRPCError(operationError)
	}
	return respond(map[string]any{"booking": bookingFields(booking)})
}

func (server *BookingServer) mapToGRPCError(source error) error {
	kind := timebank.KindOf(source)
	switch kind {
	case timebank.KindInvalidInput:
		return status.Error(codes.InvalidArgument, source.Error())
	case timebank.KindNotFound:
		return status.Error(codes.NotFound, source.Error())
	case timebank.KindInvalidState, timebank.KindInsufficientFunds:
		return status.Error(codes.FailedPrecondition, kind.String())
	case timebank.KindUnauthorized:
		return status.Error(codes.PermissionDenied, source.Error())
	case timebank.KindConflict:
		return status.Error(codes.Aborted, source.Error())
	default:
		server.logger.Error("grpc call failed", zap.Error(source))
		return status.Error(codes.Internal, errorInternal)
	}
}

func principalFrom(ctx context.Context) (auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return auth.Principal{}, status.Error(codes.Unauthenticated, errorMissingPrincipal)
	}
	return principal, nil
}

func bookingRequestFrom(clientID timebank.UserID, request *structpb.Struct) (timebank.BookingRequest, error) {
	providerID, err := timebank.NewUserID(stringField(request, "provider_id"))
	if err != nil {
		return timebank.BookingRequest{}, err
	}
	listingID, err := timebank.NewListingID(stringField(request, "listing_id"))
	if err != nil {
		return timebank.BookingRequest{}, err
	}
	start, err := timeField(request, "start_time")
	if err != nil {
		return timebank.BookingRequest{}, err
	}
	end, err := timeField(request, "end_time")
	if err != nil {
		return timebank.BookingRequest{}, err
	}
	price, err := positiveField(request, "price")
	if err != nil {
		return timebank.BookingRequest{}, err
	}
	return timebank.NewBookingRequest(clientID, providerID, listingID, start, end, price)
}

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

func intField(request *structpb.Struct, name string) int {
	return int(request.GetFields()[name].GetNumberValue())
}

func timeField(request *structpb.Struct, name string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, stringField(request, name))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", timebank.ErrInvalidTimeSlot, name, err)
	}
	return parsed, nil
}

// positiveField accepts either a decimal string or a number.
func positiveField(request *structpb.Struct, name string) (timebank.PositiveCredits, error) {
	value := request.GetFields()[name]
	if _, isNumber := value.GetKind().(*structpb.Value_NumberValue); isNumber {
		return timebank.NewPositiveCredits(decimal.NewFromFloat(value.GetNumberValue()))
	}
	return timebank.ParsePositiveCredits(value.GetStringValue())
}

func respond(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}
