package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"nyyu-pricefeed/internal/gateway"
	"nyyu-pricefeed/internal/metrics"
	"nyyu-pricefeed/internal/models"
	"nyyu-pricefeed/internal/services/aggregator"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const priceServiceName = "nyyu.pricefeed.v1.PriceService"

// Full method names, exported for clients
const (
	GetPricesMethod       = "/" + priceServiceName + "/GetPrices"
	SubscribePricesMethod = "/" + priceServiceName + "/SubscribePrices"
)

// PriceServiceServer is the server API for the price service. Messages are
// google.protobuf.Struct:
//
//	GetPrices       {pairs: [..]} -> {prices: {pair: tick}, missing: [..]}
//	SubscribePrices {pairs: [..]} -> stream of {event: connected|price, ...}
type PriceServiceServer interface {
	GetPrices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SubscribePrices(req *structpb.Struct, stream grpc.ServerStream) error
}

// PriceServiceDesc describes the service for both registration and client
// stream construction.
var PriceServiceDesc = grpc.ServiceDesc{
	ServiceName: priceServiceName,
	HandlerType: (*PriceServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetPrices",
			Handler:    getPricesHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribePrices",
			Handler:       subscribePricesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "nyyu/pricefeed/v1/price_service.proto",
}

func registerPriceService(s *grpc.Server, srv PriceServiceServer) {
	s.RegisterService(&PriceServiceDesc, srv)
}

func getPricesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PriceServiceServer).GetPrices(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetPricesMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PriceServiceServer).GetPrices(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribePricesHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PriceServiceServer).SubscribePrices(in, stream)
}

// GetPrices returns cached prices for the requested pairs
func (s *Server) GetPrices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pairs, err := pairsFromRequest(req)
	if err != nil {
		return nil, toGRPCError(err)
	}

	data, err := s.prices.GetMarketData(ctx, pairs)
	if err != nil {
		return nil, toGRPCError(err)
	}
	if len(data) == 0 {
		return nil, status.Error(codes.Unavailable, "prices temporarily unavailable")
	}

	prices := make(map[string]interface{}, len(data))
	for pair, md := range data {
		v, err := toMap(md)
		if err != nil {
			return nil, toGRPCError(err)
		}
		prices[pair] = v
	}

	resp, err := structpb.NewStruct(map[string]interface{}{
		"prices":  prices,
		"missing": toList(aggregator.Missing(pairs, data)),
	})
	if err != nil {
		return nil, toGRPCError(err)
	}
	return resp, nil
}

// SubscribePrices streams a connected event, cached snapshots, then live
// ticks until the client goes away.
func (s *Server) SubscribePrices(req *structpb.Struct, stream grpc.ServerStream) error {
	pairs, err := pairsFromRequest(req)
	if err != nil {
		metrics.RejectedConnections.WithLabelValues("grpc", "invalid").Inc()
		return toGRPCError(err)
	}
	if err := s.limiter.Acquire(); err != nil {
		metrics.RejectedConnections.WithLabelValues("grpc", "capacity").Inc()
		return toGRPCError(err)
	}

	ctx := stream.Context()
	connID := uuid.NewString()
	log := s.logger.WithFields(logrus.Fields{
		"connection_id": connID,
		"pairs":         pairs,
	})

	bufSize := s.config.Gateway.ClientBuffer
	if bufSize < 1 {
		bufSize = 1
	}
	updates := make(chan models.Tick, bufSize)
	var (
		unsubs  []func()
		cleanup sync.Once
	)
	release := func() {
		cleanup.Do(func() {
			for _, unsub := range unsubs {
				unsub()
			}
			s.limiter.Release()
			metrics.StreamConnections.WithLabelValues("grpc").Dec()
			log.Debug("gRPC stream closed")
		})
	}
	defer release()

	metrics.StreamConnections.WithLabelValues("grpc").Inc()

	connected, err := structpb.NewStruct(map[string]interface{}{
		"event":         "connected",
		"connection_id": connID,
		"pairs":         toList(pairs),
	})
	if err != nil {
		return toGRPCError(err)
	}
	if err := stream.SendMsg(connected); err != nil {
		return err
	}

	for _, pair := range pairs {
		unsubs = append(unsubs, s.hub.Subscribe(pair, func(tick models.Tick) {
			select {
			case updates <- tick:
			default:
				metrics.TicksDropped.WithLabelValues("slow_client").Inc()
			}
		}))
	}

	cursor := gateway.NewTickCursor()
	for _, pair := range pairs {
		tick, err := s.hub.GetCachedPrice(ctx, pair)
		if err != nil || tick == nil || !cursor.Advance(*tick) {
			continue
		}
		if err := sendTick(stream, *tick); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick := <-updates:
			if !cursor.Advance(tick) {
				continue
			}
			if err := sendTick(stream, tick); err != nil {
				log.WithError(err).Debug("gRPC stream send failed")
				return err
			}
		}
	}
}

func sendTick(stream grpc.ServerStream, tick models.Tick) error {
	v, err := toMap(tick)
	if err != nil {
		return toGRPCError(err)
	}
	msg, err := structpb.NewStruct(map[string]interface{}{
		"event": "price",
		"tick":  v,
	})
	if err != nil {
		return toGRPCError(err)
	}
	return stream.SendMsg(msg)
}

// pairsFromRequest accepts pairs as a list or a comma-separated string
func pairsFromRequest(req *structpb.Struct) ([]string, error) {
	v, ok := req.GetFields()["pairs"]
	if !ok {
		return nil, fmt.Errorf("%w: no pairs given", models.ErrInvalidPair)
	}

	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return models.ParsePairs(kind.StringValue)
	case *structpb.Value_ListValue:
		list := make([]string, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			str, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("%w: pairs must be strings", models.ErrInvalidPair)
			}
			list = append(list, strings.TrimSpace(str.StringValue))
		}
		return models.NormalizePairs(list)
	default:
		return nil, fmt.Errorf("%w: pairs must be a list", models.ErrInvalidPair)
	}
}

// toMap renders v through its JSON form so Struct fields match the HTTP API
func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toList(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
