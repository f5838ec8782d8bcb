package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-db/skald/pkg/command"
)

type stubPlugin struct {
	BasePlugin
	handlers map[string]Handler
	ports    []AuxPort
	mgrs     []HTTPSManager
}

func newStub(name string) *stubPlugin {
	return &stubPlugin{BasePlugin: NewBasePlugin(name)}
}

func (s *stubPlugin) Handlers() map[string]Handler  { return s.handlers }
func (s *stubPlugin) AuxiliaryPorts() []AuxPort     { return s.ports }
func (s *stubPlugin) HTTPSManagers() []HTTPSManager { return s.mgrs }

func TestRegisterFreezeRejectsLateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("a")))
	r.Freeze()

	err := r.Register(newStub("b"))
	assert.Error(t, err)
}

func TestRegisterDuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("a")))
	err := r.Register(newStub("a"))
	assert.Error(t, err)
}

func TestEnableOnlyUnknownName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("a")))

	err := r.EnableOnly([]string{"missing"})
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestEnableOnlyTogglesMembership(t *testing.T) {
	r := NewRegistry()
	a := newStub("a")
	b := newStub("b")
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	require.NoError(t, r.EnableOnly([]string{"b"}))
	assert.False(t, a.Enabled())
	assert.True(t, b.Enabled())
	assert.Equal(t, []Plugin{b}, r.Enabled())
}

func TestResolveHandlerFirstMatchInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	called := ""
	a := newStub("a")
	a.handlers = map[string]Handler{"anycommand": func(ctx context.Context, cmd *command.Command) error {
		called = "a"
		return nil
	}}
	b := newStub("b")
	b.handlers = map[string]Handler{"anycommand": func(ctx context.Context, cmd *command.Command) error {
		called = "b"
		return nil
	}}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	h, ok := r.ResolveHandler("anycommand")
	require.True(t, ok)
	require.NoError(t, h(context.Background(), command.New(1)))
	assert.Equal(t, "a", called)
}

func TestStatusRecordsInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("a")))
	require.NoError(t, r.Register(newStub("b")))
	require.NoError(t, r.EnableOnly([]string{"a"}))

	recs := r.StatusRecords()
	require.Len(t, recs, 2)
	assert.Equal(t, StatusRecord{Name: "a", Enabled: true}, recs[0])
	assert.Equal(t, StatusRecord{Name: "b", Enabled: false}, recs[1])
}

func TestAuxiliaryPortsOnlyFromEnabledPlugins(t *testing.T) {
	r := NewRegistry()
	a := newStub("a")
	a.ports = []AuxPort{{Name: "a-port"}}
	b := newStub("b")
	b.ports = []AuxPort{{Name: "b-port"}}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.NoError(t, r.EnableOnly([]string{"b"}))

	ports := r.AuxiliaryPorts()
	require.Len(t, ports, 1)
	assert.Equal(t, "b-port", ports[0].Name)
}
