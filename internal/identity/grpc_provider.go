package identity

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

// Invoker is the subset of *grpc.ClientConn used by GRPCProvider.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// GRPCProvider asks the auth service to validate the token.
type GRPCProvider struct {
	conn Invoker
}

// NewGRPCProvider constructs the wrapper.
func NewGRPCProvider(conn Invoker) *GRPCProvider {
	return &GRPCProvider{conn: conn}
}

// DialAuthService opens an instrumented connection to the auth service.
func DialAuthService(addr string, interceptors ...grpc.UnaryClientInterceptor) (*grpc.ClientConn, error) {
	return grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(interceptors...),
	)
}

// Verify validates the token and maps the reply onto an Identity.
func (p *GRPCProvider) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	req, err := structpb.NewStruct(map[string]any{"token": token})
	if err != nil {
		return Identity{}, err
	}

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, validateTokenMethod, req, resp); err != nil {
		if st, ok := status.FromError(err); ok && (st.Code() == codes.Unauthenticated || st.Code() == codes.InvalidArgument) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, fmt.Errorf("validate token: %w", err)
	}
	return identityFromStruct(resp)
}

func identityFromStruct(resp *structpb.Struct) (Identity, error) {
	fields := resp.GetFields()
	if !fields["valid"].GetBoolValue() {
		return Identity{}, ErrInvalidToken
	}
	userID := int64(fields["user_id"].GetNumberValue())
	if userID <= 0 {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{
		UserID:      userID,
		DisplayName: fields["display_name"].GetStringValue(),
		Department:  fields["department"].GetStringValue(),
		Email:       fields["email"].GetStringValue(),
		Handle:      fields["handle"].GetStringValue(),
	}
	for _, v := range fields["roles"].GetListValue().GetValues() {
		if role := v.GetStringValue(); role != "" {
			id.Roles = append(id.Roles, role)
		}
	}
	return id, nil
}
