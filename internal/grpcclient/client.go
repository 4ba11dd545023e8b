package grpcclient

import (
	"context"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/facepay/internal/detector"
	"github.com/example/facepay/internal/face"
	"github.com/example/facepay/internal/logging"
)

// DetectMethod is the unary method served by the detector sidecar. The
// request is a google.protobuf.BytesValue holding a JPEG frame; the reply is
// a google.protobuf.Struct of the form
//
//	{"faces": [{"box": [x1, y1, x2, y2], "keypoints": [[x, y], ...]}]}
const DetectMethod = "/facepay.detector.v1.FaceDetector/Detect"

// DialDetector returns a Loader that connects to the detector sidecar.
func DialDetector(addr string, logger *zap.Logger, opts ...grpc.DialOption) detector.Loader {
	return func(ctx context.Context) (detector.Model, error) {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		dialOpts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		}, opts...)
		conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
		if err != nil {
			wrapped := logging.NewOperationError("grpcclient.dial_detector", addr, err)
			logger.Error("failed to dial face detector", zap.Error(wrapped), zap.String("addr", addr))
			return nil, detector.LoadError(wrapped)
		}
		return &grpcDetector{conn: conn, logger: logger.Named("grpc_detector")}, nil
	}
}

type grpcDetector struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

func (g *grpcDetector) Detect(ctx context.Context, frame image.Image) (*face.Observation, error) {
	payload, err := detector.EncodeFrame(frame)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_frame", "", err)
	}
	reply := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(payload), reply); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect", "", err)
		g.logger.Debug("detector call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	faces, err := DecodeFaces(reply)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_faces", "", err)
	}
	return detector.Largest(faces), nil
}

func (g *grpcDetector) Close() error {
	return g.conn.Close()
}

// DecodeFaces parses a detector reply.
func DecodeFaces(reply *structpb.Struct) ([]face.Observation, error) {
	if reply == nil {
		return nil, nil
	}
	list := reply.GetFields()["faces"].GetListValue()
	if list == nil {
		return nil, nil
	}
	out := make([]face.Observation, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		box := numbers(fields["box"])
		if len(box) != 4 {
			return nil, fmt.Errorf("face %d: box needs 4 numbers, got %d", i, len(box))
		}
		obs := face.Observation{
			Box: face.Box{
				Min: face.Point{X: box[0], Y: box[1]},
				Max: face.Point{X: box[2], Y: box[3]},
			},
		}
		for j, kp := range fields["keypoints"].GetListValue().GetValues() {
			xy := numbers(kp)
			if len(xy) < 2 {
				return nil, fmt.Errorf("face %d keypoint %d: need x and y", i, j)
			}
			obs.Keypoints = append(obs.Keypoints, face.Point{X: xy[0], Y: xy[1]})
		}
		out = append(out, obs)
	}
	return out, nil
}

// EncodeFaces builds a reply in the sidecar's wire shape.
func EncodeFaces(faces []face.Observation) (*structpb.Struct, error) {
	list := make([]interface{}, 0, len(faces))
	for _, f := range faces {
		kps := make([]interface{}, 0, len(f.Keypoints))
		for _, kp := range f.Keypoints {
			kps = append(kps, []interface{}{kp.X, kp.Y})
		}
		list = append(list, map[string]interface{}{
			"box":       []interface{}{f.Box.Min.X, f.Box.Min.Y, f.Box.Max.X, f.Box.Max.Y},
			"keypoints": kps,
		})
	}
	return structpb.NewStruct(map[string]interface{}{"faces": list})
}

func numbers(v *structpb.Value) []float64 {
	values := v.GetListValue().GetValues()
	out := make([]float64, 0, len(values))
	for _, n := range values {
		num, ok := n.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil
		}
		out = append(out, num.NumberValue)
	}
	return out
}
