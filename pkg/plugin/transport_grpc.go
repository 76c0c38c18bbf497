package plugin

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/anse-dev/anse/pkg/registry"
	"github.com/anse-dev/anse/pkg/schema"
)

// cognitionGenerateMethod is the full gRPC method path a cognition
// plugin must serve. A generated protobuf stub package is not available
// in this build, so ANSE does not reuse generated stubs: it invokes the
// method directly against well-known google.protobuf.Struct
// request/response messages, which are already compiled into
// google.golang.org/protobuf and need no codegen step.
const cognitionGenerateMethod = "/anse.cognition.v1.CognitionService/Generate"

// GRPCTransport loads a cognition plugin — an external decision unit
// speaking a single unary Generate(Struct) Struct contract over gRPC:
// an insecure local sidecar connection, one conceptual method,
// request/response framed as a single message per call (ANSE has no
// streaming requirement for a single tool invocation, so a prior
// chunk-streaming shape is simplified here to a unary call).
type GRPCTransport struct{}

// Load implements TransportLoader. A cognition plugin exposes exactly
// one tool, named after the plugin: "<name>.generate".
func (GRPCTransport) Load(ctx context.Context, m Manifest, reg *registry.Registry) ([]string, func() error, error) {
	conn, err := grpc.NewClient(m.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %q: grpc dial: %w", m.Name, err)
	}

	toolName := m.Name + ".generate"
	desc := registry.Descriptor{
		Name:        toolName,
		Description: fmt.Sprintf("cognition plugin %q decision request", m.Name),
		PluginName:  m.Name,
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) {
			return callCognitionPlugin(ctx, conn, args)
		},
	}
	if err := reg.Register(desc); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("plugin %q: register tool %q: %w", m.Name, toolName, err)
	}

	closeFn := func() error { return conn.Close() }
	return []string{toolName}, closeFn, nil
}

func callCognitionPlugin(ctx context.Context, conn *grpc.ClientConn, args schema.Value) (schema.Value, error) {
	obj, _ := args.Object()
	native := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		native[k] = v.Native()
	}

	req, err := structpb.NewStruct(native)
	if err != nil {
		return schema.Value{}, fmt.Errorf("cognition plugin: build request: %w", err)
	}

	reply := &structpb.Struct{}
	if err := conn.Invoke(ctx, cognitionGenerateMethod, req, reply); err != nil {
		return schema.Value{}, fmt.Errorf("cognition plugin: generate: %w", err)
	}

	return schema.FromNative(reply.AsMap())
}
