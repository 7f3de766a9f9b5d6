package grpcsvc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/service/idempotency"
)

// Ключи metadata идемпотентности.
const (
	IdempotencyKeyHeader     = "idempotency-key"
	IdempotentReplayedHeader = "idempotent-replayed"
)

// IdempotentMethods: методы, которые по умолчанию защищает IdempotencyInterceptor.
var IdempotentMethods = []string{MethodCreateOrder, MethodUpdateOrder}

// IdempotencyInterceptor выполняет перечисленные методы не больше раза на idempotency-key.
// Повтор получает сохранённый ответ или сохранённый статус с деталями и заголовок idempotent-replayed.
// Запросы без ключа проходят как обычно.
func IdempotencyInterceptor(guard *idempotency.Guard, methods ...string) grpc.UnaryServerInterceptor {
	if len(methods) == 0 {
		methods = IdempotentMethods
	}
	guarded := make(map[string]bool, len(methods))
	for _, m := range methods {
		guarded[m] = true
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		key := incomingIdempotencyKey(ctx)
		msg, isProto := req.(proto.Message)
		if guard == nil || !guarded[info.FullMethod] || key == "" || !isProto {
			return handler(ctx, req)
		}

		raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
		if err != nil {
			return nil, status.Error(codes.Internal, "failed to fingerprint request")
		}

		var (
			called     bool
			resp       any
			handlerErr error
		)
		outcome, _, err := guard.Execute(ctx, key, idempotency.Fingerprint([]byte(info.FullMethod), raw),
			func(ctx context.Context) (domain.IdempotencyOutcome, error) {
				called = true
				resp, handlerErr = handler(ctx, req)
				return encodeOutcome(resp, handlerErr)
			})
		if called {
			return resp, handlerErr
		}
		if err != nil {
			return nil, idempotencyStatus(err)
		}

		_ = grpc.SetHeader(ctx, metadata.Pairs(IdempotentReplayedHeader, "true"))
		return decodeOutcome(outcome)
	}
}

// retryable отбирает ошибки, которые не запоминаются: повтор с тем же ключом выполнится заново.
func retryable(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Internal, codes.Unknown:
		return true
	default:
		return false
	}
}

func encodeOutcome(resp any, handlerErr error) (domain.IdempotencyOutcome, error) {
	if handlerErr != nil {
		st := status.Convert(handlerErr)
		if retryable(st.Code()) {
			return domain.IdempotencyOutcome{}, handlerErr
		}
		body, err := proto.Marshal(st.Proto())
		if err != nil {
			return domain.IdempotencyOutcome{}, handlerErr
		}
		return domain.IdempotencyOutcome{Status: domain.IdempotencyStatusFailed, Code: int(st.Code()), Body: body}, nil
	}

	msg, ok := resp.(proto.Message)
	if !ok {
		return domain.IdempotencyOutcome{}, fmt.Errorf("response %T is not a proto message", resp)
	}
	packed, err := anypb.New(msg)
	if err != nil {
		return domain.IdempotencyOutcome{}, fmt.Errorf("pack response: %w", err)
	}
	body, err := proto.Marshal(packed)
	if err != nil {
		return domain.IdempotencyOutcome{}, fmt.Errorf("marshal response: %w", err)
	}
	return domain.IdempotencyOutcome{Status: domain.IdempotencyStatusDone, Code: int(codes.OK), Body: body}, nil
}

func decodeOutcome(outcome domain.IdempotencyOutcome) (any, error) {
	if outcome.Status == domain.IdempotencyStatusFailed {
		var st spb.Status
		if err := proto.Unmarshal(outcome.Body, &st); err != nil || st.GetCode() == int32(codes.OK) {
			return nil, status.Error(codes.Internal, "stored idempotent failure is unreadable")
		}
		return nil, status.FromProto(&st).Err()
	}

	var packed anypb.Any
	if err := proto.Unmarshal(outcome.Body, &packed); err != nil {
		return nil, status.Error(codes.Internal, "stored idempotent response is unreadable")
	}
	resp, err := packed.UnmarshalNew()
	if err != nil {
		return nil, status.Error(codes.Internal, "stored idempotent response is unreadable")
	}
	return resp, nil
}

func idempotencyStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return status.Error(codes.AlreadyExists, "idempotency key is already used with a different request")
	case errors.Is(err, idempotency.ErrInFlight):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, idempotency.ErrKeyTooLong):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return toStatus(err)
	}
}

func incomingIdempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(IdempotencyKeyHeader) {
		if key := strings.TrimSpace(v); key != "" {
			return key
		}
	}
	return ""
}
