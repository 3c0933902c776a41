package methods

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/config"
	"github.com/nextlevelbuilder/imbridge/internal/gateway"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

// SystemMethods handles connect and ping. Both are reachable before
// authentication.
type SystemMethods struct {
	auth        *gateway.Authenticator
	flags       gateway.FeatureFlags
	version     string
	commands    func() []string
	diagnostics func() map[string]interface{}
}

func NewSystemMethods(auth *gateway.Authenticator, flags gateway.FeatureFlags, version string) *SystemMethods {
	return &SystemMethods{auth: auth, flags: flags, version: version}
}

// SetDiagnostics installs the source of the ping diagnostics block, reported
// only while the internal-diagnostics flag is on.
func (m *SystemMethods) SetDiagnostics(fn func() map[string]interface{}) { m.diagnostics = fn }

func (m *SystemMethods) Register(d *gateway.Dispatcher) {
	m.commands = d.Commands
	d.Register(gateway.Command{Name: protocol.CommandConnect, Public: true, Handler: m.handleConnect})
	d.Register(gateway.Command{Name: protocol.CommandPing, Public: true, Handler: m.handlePing})
}

func (m *SystemMethods) handleConnect(_ context.Context, req *gateway.Request) (interface{}, error) {
	var params struct {
		Token string `json:"token"`
	}
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if !m.auth.Verify(params.Token) {
		slog.Warn("security.connect_rejected", "caller", req.Caller.ID())
		return nil, protocol.Fail(protocol.ErrUnauthenticated, "invalid token")
	}
	req.Caller.SetAuthenticated(true)

	result := map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"version":  m.version,
	}
	if m.commands != nil {
		result["commands"] = m.commands()
	}
	return result, nil
}

func (m *SystemMethods) handlePing(_ context.Context, _ *gateway.Request) (interface{}, error) {
	result := map[string]interface{}{
		"pong": true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if m.diagnostics != nil && m.flags != nil && m.flags.Enabled(config.FlagInternalDiagnostics) {
		result["diagnostics"] = m.diagnostics()
	}
	return result, nil
}
