package registry

import (
	"context"
	"testing"

	"github.com/anse-dev/anse/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDescriptor() Descriptor {
	return Descriptor{
		Name:        "echo.say",
		InputSchema: &schema.Schema{Type: "object", Required: []string{"text"}, Properties: map[string]*schema.Schema{"text": {Type: "string"}}},
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) {
			return args.Field("text"), nil
		},
	}
}

func TestRegisterAndInvoke(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDescriptor()))

	result, err := r.Invoke(context.Background(), "echo.say", schema.Object(map[string]schema.Value{"text": schema.String("hi")}))
	require.NoError(t, err)
	s, _ := result.String()
	assert.Equal(t, "hi", s)
}

func TestRegisterConflict(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDescriptor()))
	err := r.Register(echoDescriptor())
	var conflict *ErrAlreadyRegistered
	require.ErrorAs(t, err, &conflict)
}

func TestInvokeValidatesArgs(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDescriptor()))
	_, err := r.Invoke(context.Background(), "echo.say", schema.Object(map[string]schema.Value{}))
	require.Error(t, err)
}

func TestInvokeNotFound(t *testing.T) {
	r := New()
	_, err := r.Invoke(context.Background(), "missing", schema.Null())
	var notFound *ErrNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestDeregisterPlugin(t *testing.T) {
	r := New()
	d := echoDescriptor()
	d.PluginName = "greeter"
	require.NoError(t, r.Register(d))
	r.DeregisterPlugin("greeter")
	_, err := r.Get("echo.say")
	require.Error(t, err)
}
