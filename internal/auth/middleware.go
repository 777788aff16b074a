package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	headerAuthorization   = "Authorization"
	metadataAuthorization = "authorization"
	ginPrincipalKey       = "timebank.principal"
	errorCodeUnauthorized = "unauthorized"
)

// GinMiddleware rejects requests without a valid bearer token and stores the
// principal on both the gin context and the request context.
func (authenticator *Authenticator) GinMiddleware() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		principal, err := authenticator.VerifyAuthorization(ginContext.GetHeader(headerAuthorization))
		if err != nil {
			message := "invalid token"
			if errors.Is(err, ErrMissingToken) {
				message = "missing bearer token"
			}
			ginContext.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": errorCodeUnauthorized, "message": message},
			})
			return
		}
		ginContext.Set(ginPrincipalKey, principal)
		ginContext.Request = ginContext.Request.WithContext(ContextWithPrincipal(ginContext.Request.Context(), principal))
		ginContext.Next()
	}
}

// PrincipalFromGin returns the principal stored by GinMiddleware.
func PrincipalFromGin(ginContext *gin.Context) (Principal, bool) {
	value, ok := ginContext.Get(ginPrincipalKey)
	if !ok {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

// UnaryServerInterceptor authenticates the "authorization" metadata of every
// call except the methods listed in open.
func (authenticator *Authenticator) UnaryServerInterceptor(open ...string) grpc.UnaryServerInterceptor {
	unauthenticated := make(map[string]struct{}, len(open))
	for _, method := range open {
		unauthenticated[method] = struct{}{}
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, skip := unauthenticated[info.FullMethod]; skip {
			return handler(ctx, request)
		}
		incoming, _ := metadata.FromIncomingContext(ctx)
		values := incoming.Get(metadataAuthorization)
		header := ""
		if len(values) > 0 {
			header = values[0]
		}
		principal, err := authenticator.VerifyAuthorization(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(ContextWithPrincipal(ctx, principal), request)
	}
}
