package cm

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rocketbitz/rdmacm-go/async"
	"github.com/rocketbitz/rdmacm-go/internal/ibaddr"
	"github.com/rocketbitz/rdmacm-go/rdma"
	"github.com/rocketbitz/rdmacm-go/rdma/sim"
)

var (
	srvIP   = netip.MustParseAddr("10.0.0.1")
	cliIP   = netip.MustParseAddr("10.0.0.2")
	srvAddr = netip.AddrPortFrom(srvIP, 7471)
)

func TestConnectAcceptNotifyDisconnect(t *testing.T) {
	p := newPair(t, sim.DeviceConfig{Name: "mlx5_0"}, sim.DeviceConfig{Name: "mlx5_1"}, Config{})
	cliEp, srvEp, tr := p.establish(t)

	if len(tr.requests) != 1 {
		t.Fatalf("expected one connect request, got %d", len(tr.requests))
	}
	req := tr.requests[0]
	if !bytes.Equal(req.Remote.PrivateData, []byte("client-hello")) {
		t.Fatalf("unexpected request payload %q", req.Remote.PrivateData)
	}
	if req.DeviceName != "mlx5_0:1" {
		t.Fatalf("unexpected request device %q", req.DeviceName)
	}
	if req.ClientAddress.Addr() != cliIP {
		t.Fatalf("unexpected client address %s", req.ClientAddress)
	}
	if len(tr.connects) != 1 || tr.connects[0].Status != StatusOK {
		t.Fatalf("unexpected connect callbacks %+v", tr.connects)
	}
	if !bytes.Equal(tr.connects[0].Remote.PrivateData, []byte("server-hello")) {
		t.Fatalf("unexpected response payload %q", tr.connects[0].Remote.PrivateData)
	}
	if len(tr.connects[0].Remote.DeviceAddress) == 0 {
		t.Fatalf("connect callback without device address")
	}
	if len(tr.notifies) != 1 || tr.notifies[0] != StatusOK {
		t.Fatalf("unexpected notify callbacks %v", tr.notifies)
	}
	if cliEp.State() != StateEstablished || srvEp.State() != StateEstablished {
		t.Fatalf("unexpected states client=%s server=%s", cliEp.State(), srvEp.State())
	}
	if cliEp.QPNum() == 0 || srvEp.QPNum() == 0 {
		t.Fatalf("endpoints must advertise a qp number")
	}

	for _, ctx := range append(p.cli.DeviceContexts(), p.srv.DeviceContexts()...) {
		if ctx.UsesReservedQPN() {
			t.Fatalf("%s: sim device without devx must use dummy qps", ctx.Name())
		}
		if ctx.NumDummyQPs() != 1 {
			t.Fatalf("%s: expected one dummy qp, got %d", ctx.Name(), ctx.NumDummyQPs())
		}
	}

	if err := cliEp.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	pump(t, p.worker, func() bool { return tr.cliDisc == 1 && tr.srvDisc == 1 })
	settle(p.worker)
	if tr.cliDisc != 1 || tr.srvDisc != 1 {
		t.Fatalf("disconnect callbacks client=%d server=%d", tr.cliDisc, tr.srvDisc)
	}
	if len(tr.connects) != 1 || len(tr.notifies) != 1 {
		t.Fatalf("connect callbacks must not repeat: %d %d", len(tr.connects), len(tr.notifies))
	}
	if cliEp.State() != StateDisconnected || srvEp.State() != StateDisconnected {
		t.Fatalf("unexpected states after disconnect client=%s server=%s", cliEp.State(), srvEp.State())
	}

	cliEp.Destroy()
	srvEp.Destroy()
	cliEp.Destroy()

	if n := p.cliNode.Device().LiveQPs(); n != 0 {
		t.Fatalf("client dummy qps leaked: %d", n)
	}
	if n := p.srvNode.Device().LiveQPs(); n != 0 {
		t.Fatalf("server dummy qps leaked: %d", n)
	}
	for _, ch := range append(p.cliNode.Channels(), p.srvNode.Channels()...) {
		if ch.Outstanding() != 0 {
			t.Fatalf("unacknowledged events: %d", ch.Outstanding())
		}
	}
	if n := p.cliNode.Channels()[0].LiveIDs(); n != 0 {
		t.Fatalf("client identifiers leaked: %d", n)
	}
}

func TestRejectIsReportedAsRejected(t *testing.T) {
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{})
	p.listen(t, ListenerParams{OnConnRequest: func(l *Listener, req *ConnRequest) {
		if err := l.Reject(req); err != nil {
			t.Errorf("Reject: %v", err)
		}
		if err := l.Reject(req); !errors.Is(err, StatusInvalidParam) {
			t.Errorf("second Reject: expected invalid param, got %v", err)
		}
	}})

	var got []ConnectArgs
	ep, err := p.cli.Connect(srvAddr, ClientParams{
		OnConnect: func(_ *Endpoint, args ConnectArgs) { got = append(got, args) },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(t, p.worker, func() bool { return len(got) > 0 })
	settle(p.worker)

	if len(got) != 1 || got[0].Status != StatusRejected {
		t.Fatalf("expected one rejected callback, got %+v", got)
	}
	if ep.State() != StateRejected {
		t.Fatalf("unexpected state %s", ep.State())
	}
	srvCh := p.srvNode.Channels()[0]
	if srvCh.Outstanding() != 0 || srvCh.LiveIDs() != 1 {
		t.Fatalf("server channel outstanding=%d ids=%d", srvCh.Outstanding(), srvCh.LiveIDs())
	}
}

func TestRejectWithoutHeaderIsConnectionReset(t *testing.T) {
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{})

	var got []ConnectArgs
	ep, err := p.cli.Connect(srvAddr, ClientParams{
		OnConnect: func(_ *Endpoint, args ConnectArgs) { got = append(got, args) },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(t, p.worker, func() bool { return len(got) > 0 })

	if got[0].Status != StatusConnectionReset {
		t.Fatalf("no listener must be a connection reset, got %s", got[0].Status)
	}
	if ep.State() != StateFailed {
		t.Fatalf("unexpected state %s", ep.State())
	}
}

func TestUnknownAddressIsUnreachable(t *testing.T) {
	logger, logs := newObservedLogger()
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{Logger: logger, FailureLevel: LogLevelWarn})

	var got []ConnectArgs
	ep, err := p.cli.Connect(netip.MustParseAddrPort("10.9.9.9:7471"), ClientParams{
		OnConnect: func(_ *Endpoint, args ConnectArgs) { got = append(got, args) },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(t, p.worker, func() bool { return len(got) > 0 })

	if got[0].Status != StatusUnreachable || ep.State() != StateFailed {
		t.Fatalf("unexpected result %s state %s", got[0].Status, ep.State())
	}
	entry := findLogEntry(logs, "cm_error_event")
	if entry == nil {
		t.Fatalf("expected cm_error_event log")
	}
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("unreachable must log at the failure level, got %s", entry.Level)
	}
	if status, _ := entry.ContextMap()["event_status"].(string); status != unix.EHOSTUNREACH.Error() {
		t.Fatalf("unexpected event status %q", status)
	}
}

func TestConnectRouteCheck(t *testing.T) {
	logger, logs := newObservedLogger()
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{Logger: logger, Interface: "ib0"})

	var lookups []string
	routed := false
	p.cli.routes = func(iface string, dst net.IP) (bool, error) {
		lookups = append(lookups, iface+" "+dst.String())
		return routed, nil
	}

	if _, err := p.cli.Connect(srvAddr, ClientParams{}); !errors.Is(err, StatusUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if len(lookups) != 1 || lookups[0] != "ib0 10.0.0.1" {
		t.Fatalf("unexpected lookups %v", lookups)
	}
	if p.cliNode.Channels()[0].LiveIDs() != 0 {
		t.Fatalf("no identifier may be created without a route")
	}
	if findLogEntry(logs, "no_route") == nil {
		t.Fatalf("expected no_route log")
	}

	p.cli.routes = func(string, net.IP) (bool, error) { return false, errors.New("netlink socket closed") }
	if _, err := p.cli.Connect(srvAddr, ClientParams{}); !errors.Is(err, StatusIOError) {
		t.Fatalf("expected io error, got %v", err)
	}

	routed = true
	p.cli.routes = func(iface string, dst net.IP) (bool, error) { return routed, nil }
	var got []ConnectArgs
	p.listen(t, ListenerParams{OnConnRequest: func(l *Listener, req *ConnRequest) {
		if err := l.Reject(req); err != nil {
			t.Errorf("Reject: %v", err)
		}
	}})
	if _, err := p.cli.Connect(srvAddr, ClientParams{
		OnConnect: func(_ *Endpoint, args ConnectArgs) { got = append(got, args) },
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(t, p.worker, func() bool { return len(got) > 0 })
	if got[0].Status != StatusRejected {
		t.Fatalf("routed connect must reach the listener, got %s", got[0].Status)
	}
}

func TestClientEstablishedDeliversOneConnect(t *testing.T) {
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{})
	var pending []*ConnRequest
	p.listen(t, ListenerParams{OnConnRequest: func(_ *Listener, req *ConnRequest) {
		pending = append(pending, req)
	}})

	var connects []ConnectArgs
	disconnects := 0
	ep, err := p.cli.Connect(srvAddr, ClientParams{
		OnConnect:    func(_ *Endpoint, args ConnectArgs) { connects = append(connects, args) },
		OnDisconnect: func(*Endpoint) { disconnects++ },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(t, p.worker, func() bool { return len(pending) == 1 })
	if ep.State() != StateConnecting {
		t.Fatalf("unexpected state %s", ep.State())
	}

	cliCh := p.cliNode.Channels()[0]
	cliCh.Inject(rdma.EventEstablished, ep.id, 0, nil)
	cliCh.Inject(rdma.EventEstablished, ep.id, 0, nil)
	settle(p.worker)

	if len(connects) != 1 || connects[0].Status != StatusOK {
		t.Fatalf("expected exactly one connected callback, got %+v", connects)
	}
	if ep.State() != StateEstablished {
		t.Fatalf("unexpected state %s", ep.State())
	}

	// A late connect error after the disconnect must be ignored.
	cliCh.Inject(rdma.EventDisconnected, ep.id, 0, nil)
	cliCh.Inject(rdma.EventConnectError, ep.id, -int(unix.ETIMEDOUT), nil)
	settle(p.worker)

	if disconnects != 1 {
		t.Fatalf("expected one disconnect callback, got %d", disconnects)
	}
	if len(connects) != 1 {
		t.Fatalf("late error produced a connect callback: %+v", connects)
	}
	if ep.State() != StateDisconnected {
		t.Fatalf("unexpected state %s", ep.State())
	}
	if cliCh.Outstanding() != 0 {
		t.Fatalf("unacknowledged events: %d", cliCh.Outstanding())
	}
}

func TestConnectedErrorIsReportedAsDisconnect(t *testing.T) {
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{})
	cliEp, _, tr := p.establish(t)

	cliCh := p.cliNode.Channels()[0]
	cliCh.Inject(rdma.EventUnreachable, cliEp.id, -int(unix.ETIMEDOUT), nil)
	cliCh.Inject(rdma.EventUnreachable, cliEp.id, -int(unix.ETIMEDOUT), nil)
	settle(p.worker)

	if tr.cliDisc != 1 {
		t.Fatalf("expected one disconnect callback, got %d", tr.cliDisc)
	}
	if len(tr.connects) != 1 {
		t.Fatalf("unexpected connect callbacks %+v", tr.connects)
	}
	if cliEp.State() != StateDisconnected {
		t.Fatalf("unexpected state %s", cliEp.State())
	}
}

func TestConnectRequestResolveFailureRejectsSilently(t *testing.T) {
	logger, logs := newObservedLogger()
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{Logger: logger})
	requests := 0
	p.listen(t, ListenerParams{OnConnRequest: func(*Listener, *ConnRequest) { requests++ }})
	p.srvNode.FailOn(sim.OpInitQPAttr, unix.EINVAL)

	var got []ConnectArgs
	_, err := p.cli.Connect(srvAddr, ClientParams{
		OnConnect: func(_ *Endpoint, args ConnectArgs) { got = append(got, args) },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(t, p.worker, func() bool { return len(got) > 0 })
	settle(p.worker)

	if requests != 0 {
		t.Fatalf("listener callback must not run, ran %d times", requests)
	}
	srvCh := p.srvNode.Channels()[0]
	if srvCh.Delivered() != 1 || srvCh.Acked() != 1 || srvCh.Outstanding() != 0 {
		t.Fatalf("connect request must be acked once: delivered=%d acked=%d outstanding=%d",
			srvCh.Delivered(), srvCh.Acked(), srvCh.Outstanding())
	}
	if srvCh.LiveIDs() != 1 {
		t.Fatalf("request identifier must be destroyed, live ids=%d", srvCh.LiveIDs())
	}
	if got[0].Status != StatusRejected {
		t.Fatalf("client must see the reject, got %s", got[0].Status)
	}
	entry := findLogEntry(logs, "init_qp_attr_failed")
	if entry == nil {
		t.Fatalf("expected init_qp_attr_failed log")
	}
	if ep, _ := entry.ContextMap()["ep"].(string); !strings.HasPrefix(ep, "0x") {
		t.Fatalf("endpoint handle must be logged in hex, got %v", entry.ContextMap()["ep"])
	}
}

func TestConnectRequestWithoutIDIsAcked(t *testing.T) {
	logger, logs := newObservedLogger()
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{Logger: logger})
	requests := 0
	p.listen(t, ListenerParams{OnConnRequest: func(*Listener, *ConnRequest) { requests++ }})

	srvCh := p.srvNode.Channels()[0]
	srvCh.Inject(rdma.EventConnectRequest, nil, 0, nil)
	pump(t, p.worker, func() bool { return srvCh.Delivered() == 1 })
	settle(p.worker)

	if srvCh.Acked() != 1 || srvCh.Outstanding() != 0 {
		t.Fatalf("request without id must be acked: acked=%d outstanding=%d", srvCh.Acked(), srvCh.Outstanding())
	}
	if requests != 0 {
		t.Fatalf("listener callback must not run")
	}
	if findLogEntry(logs, "event_without_id") == nil {
		t.Fatalf("expected event_without_id log")
	}
	if findLogEntry(logs, "event_handler_panic") != nil {
		t.Fatalf("request without id must not panic the handler")
	}
}

func TestResolveModeConnect(t *testing.T) {
	p := newPair(t, sim.DeviceConfig{Name: "mlx5_0"}, sim.DeviceConfig{Name: "mlx5_1"}, Config{})
	var payloads [][]byte
	p.listen(t, ListenerParams{OnConnRequest: func(l *Listener, req *ConnRequest) {
		payloads = append(payloads, req.Remote.PrivateData)
		if err := l.Reject(req); err != nil {
			t.Errorf("Reject: %v", err)
		}
	}})

	var resolves []ResolveArgs
	ep, err := p.cli.Connect(srvAddr, ClientParams{
		OnResolve: func(ep *Endpoint, args ResolveArgs) {
			resolves = append(resolves, args)
			if err := ep.Connect([]byte("late-payload")); err != nil {
				t.Errorf("Endpoint.Connect: %v", err)
			}
		},
		OnConnect: func(*Endpoint, ConnectArgs) {},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ep.Connect(nil); !errors.Is(err, StatusInvalidParam) {
		t.Fatalf("Connect before resolve: expected invalid param, got %v", err)
	}
	pump(t, p.worker, func() bool { return len(payloads) == 1 })

	if len(resolves) != 1 || resolves[0].Status != StatusOK || resolves[0].DeviceName != "mlx5_1:1" {
		t.Fatalf("unexpected resolve callbacks %+v", resolves)
	}
	if string(payloads[0]) != "late-payload" {
		t.Fatalf("unexpected payload %q", payloads[0])
	}
}

func TestPackPrivateDataTooLong(t *testing.T) {
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{})
	var got []ConnectArgs
	_, err := p.cli.Connect(srvAddr, ClientParams{
		PackPrivateData: func(*Endpoint, PackArgs) ([]byte, error) {
			return make([]byte, MaxConnPriv+1), nil
		},
		OnConnect: func(_ *Endpoint, args ConnectArgs) { got = append(got, args) },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(t, p.worker, func() bool { return len(got) > 0 })
	if got[0].Status != StatusInvalidParam {
		t.Fatalf("expected invalid param, got %s", got[0].Status)
	}
	if n := p.cliNode.Device().LiveQPs(); n != 0 {
		t.Fatalf("no qp may be created for a failed pack, got %d", n)
	}
}

func TestDisconnectPreconditions(t *testing.T) {
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{})
	idle, err := p.cli.Connect(srvAddr, ClientParams{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := idle.Disconnect(); !errors.Is(err, StatusNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if err := idle.ConnNotify(); !errors.Is(err, StatusNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	idle.Destroy()
	if err := idle.Disconnect(); !errors.Is(err, StatusInvalidParam) {
		t.Fatalf("expected invalid param after destroy, got %v", err)
	}

	cliEp, _, _ := p.establish(t)
	if err := cliEp.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := cliEp.Disconnect(); !errors.Is(err, StatusInProgress) {
		t.Fatalf("expected in progress, got %v", err)
	}
}

func TestDestroyedEndpointGetsNoCallbacks(t *testing.T) {
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{})
	cliEp, srvEp, tr := p.establish(t)

	srvEp.Destroy()
	settle(p.worker)
	if tr.cliDisc != 1 {
		t.Fatalf("peer destroy must disconnect the client, got %d", tr.cliDisc)
	}
	if tr.srvDisc != 0 {
		t.Fatalf("destroyed endpoint got a callback")
	}

	srvCh := p.srvNode.Channels()[0]
	srvCh.Inject(rdma.EventDisconnected, srvEp.id, 0, nil)
	settle(p.worker)
	if tr.srvDisc != 0 || srvCh.Outstanding() != 0 {
		t.Fatalf("event for destroyed endpoint: callbacks=%d outstanding=%d", tr.srvDisc, srvCh.Outstanding())
	}
	cliEp.Destroy()
}

func TestHandlerPanicDoesNotStopDrain(t *testing.T) {
	logger, logs := newObservedLogger()
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{Logger: logger})
	_, srvEp, tr := p.establish(t)

	srvCh := p.srvNode.Channels()[0]
	srvCh.Inject(rdma.EventAddrResolved, srvEp.id, 0, nil)
	srvCh.Inject(rdma.EventTimewaitExit, srvEp.id, 0, nil)
	srvCh.Inject(rdma.EventDisconnected, srvEp.id, 0, nil)
	settle(p.worker)

	if findLogEntry(logs, "event_handler_panic") == nil {
		t.Fatalf("expected event_handler_panic log")
	}
	if tr.srvDisc != 1 {
		t.Fatalf("events after the panic must still be processed")
	}
	if srvCh.Outstanding() != 0 {
		t.Fatalf("unacknowledged events: %d", srvCh.Outstanding())
	}
}

func TestDeviceAddressInfiniBandLocal(t *testing.T) {
	ib := func(name string, lid uint16) sim.DeviceConfig {
		return sim.DeviceConfig{Name: name, Ports: []sim.PortConfig{{LinkLayer: rdma.LinkLayerInfiniBand, LID: lid}}}
	}
	p := newPair(t, ib("mlx5_0", 7), ib("mlx5_1", 9), Config{})
	_, _, tr := p.establish(t)

	params, err := ibaddr.Unpack(tr.requests[0].Remote.DeviceAddress)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if params.Flags&ibaddr.FlagEth != 0 || params.Flags&ibaddr.FlagInterfaceID != 0 {
		t.Fatalf("local route must not pack eth or interface id: %s", params)
	}
	if params.Flags&ibaddr.FlagSubnetPrefix == 0 || params.Flags&ibaddr.FlagPathMTU == 0 {
		t.Fatalf("missing subnet prefix or path mtu: %s", params)
	}
	if params.LID != 9 {
		t.Fatalf("server must pack the client lid, got %d", params.LID)
	}
	if params.PathMTU != rdma.MTU4096 {
		t.Fatalf("unexpected path mtu %s", params.PathMTU)
	}
}

func TestDeviceAddressEthernet(t *testing.T) {
	eth := func(name string) sim.DeviceConfig {
		return sim.DeviceConfig{Name: name, Ports: []sim.PortConfig{{LinkLayer: rdma.LinkLayerEthernet, MTU: rdma.MTU1024}}}
	}
	p := newPair(t, eth("roce_0"), eth("roce_1"), Config{})
	_, _, tr := p.establish(t)

	params, err := ibaddr.Unpack(tr.requests[0].Remote.DeviceAddress)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if params.Flags&ibaddr.FlagEth == 0 {
		t.Fatalf("ethernet port must pack an eth address: %s", params)
	}
	if params.RoCE.Version != ibaddr.RoCEAny {
		t.Fatalf("remote roce version must be any, got %d", params.RoCE.Version)
	}
	if params.GID == (rdma.GID{}) {
		t.Fatalf("eth address without gid")
	}
	ctxs := p.srv.DeviceContexts()
	if len(ctxs) != 1 || !ctxs[0].IsEthPort(1) || ctxs[0].IsEthPort(2) {
		t.Fatalf("unexpected ethernet port map")
	}
}

func TestReservedQPNEndpoints(t *testing.T) {
	dev := func(name string) sim.DeviceConfig {
		return sim.DeviceConfig{Name: name, DevX: sim.ReservedQPNCapable(4, 10)}
	}
	logger, logs := newObservedLogger()
	p := newPair(t, dev("mlx5_0"), dev("mlx5_1"), Config{ReservedQPN: ReservedQPNYes, Logger: logger})
	cliEp, srvEp, _ := p.establish(t)

	for _, ctx := range append(p.cli.DeviceContexts(), p.srv.DeviceContexts()...) {
		if !ctx.UsesReservedQPN() || ctx.NumBlocks() != 1 {
			t.Fatalf("%s: expected one reserved block, reserved=%v blocks=%d", ctx.Name(), ctx.UsesReservedQPN(), ctx.NumBlocks())
		}
	}
	if p.cliNode.Device().LiveQPs() != 0 || p.cliNode.Device().LiveCQs() != 0 {
		t.Fatalf("reserved mode must not create verbs objects")
	}
	if cliEp.QPNum() == 0 || srvEp.QPNum() == 0 {
		t.Fatalf("missing reserved qp numbers")
	}

	// Close without destroying: blocks are force released.
	if err := p.cli.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := p.cliNode.Device().LiveReservedQPNs(); n != 0 {
		t.Fatalf("reserved qpn objects leaked: %d", n)
	}
	if findLogEntry(logs, "reserved_qpn_block_in_use") == nil {
		t.Fatalf("expected a warning for the referenced block")
	}
	if findLogEntry(logs, "endpoints_alive_on_close") == nil {
		t.Fatalf("expected a warning for live endpoints")
	}
	cliEp.Destroy()
	if err := p.cli.Close(); !errors.Is(err, StatusInvalidParam) {
		t.Fatalf("second Close: expected invalid param, got %v", err)
	}
}

func TestCloseReleasesDummyQPsOfLiveEndpoints(t *testing.T) {
	logger, logs := newObservedLogger()
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{Logger: logger})
	cliEp, srvEp, _ := p.establish(t)
	if cliEp.State() != StateEstablished || srvEp == nil {
		t.Fatalf("pair not established: client %s", cliEp.State())
	}
	if p.cliNode.Device().LiveQPs() != 1 || p.srvNode.Device().LiveQPs() != 1 {
		t.Fatalf("expected one dummy qp per side")
	}

	if err := p.cli.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}
	if err := p.srv.Close(); err != nil {
		t.Fatalf("server Close: %v", err)
	}
	for name, dev := range map[string]*sim.Device{"client": p.cliNode.Device(), "server": p.srvNode.Device()} {
		if dev.LiveQPs() != 0 || dev.LiveCQs() != 0 {
			t.Fatalf("%s leaked verbs objects: qps=%d cqs=%d", name, dev.LiveQPs(), dev.LiveCQs())
		}
	}
	if findLogEntry(logs, "dummy_qps_leaked") != nil {
		t.Fatalf("no dummy qp may be left for the device context")
	}
}

func TestStructuredLoggingAndTracing(t *testing.T) {
	logger, logs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	p := newPair(t, sim.DeviceConfig{Name: "mlx5_0"}, sim.DeviceConfig{Name: "mlx5_1"}, Config{
		Logger: logger,
		Tracer: NewOTelTracer(tp.Tracer("rdmacm-test")),
	})
	p.establish(t)

	entry := findLogEntry(logs, "device_context_created")
	if entry == nil {
		t.Fatalf("expected device_context_created log")
	}
	if mode, _ := entry.ContextMap()["mode"].(string); mode != modeDummyQP {
		t.Fatalf("unexpected mode %q", mode)
	}
	if findLogEntry(logs, "cm_event") == nil {
		t.Fatalf("expected cm_event log")
	}
	for _, event := range []string{
		rdma.EventAddrResolved.String(),
		rdma.EventConnectRequest.String(),
		rdma.EventConnectResponse.String(),
		rdma.EventEstablished.String(),
	} {
		if !spanHasEvent(recorder, event) {
			t.Fatalf("expected span event %s", event)
		}
	}
}

func TestManagerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{Metrics: metrics})
	cliEp, _, tr := p.establish(t)
	if err := cliEp.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	pump(t, p.worker, func() bool { return tr.cliDisc == 1 && tr.srvDisc == 1 })

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "rdmacm_device_contexts_created_total"); got != 2 {
		t.Fatalf("device contexts: got %v want 2", got)
	}
	// connect + notify + two disconnects
	if got := findCounterValue(mfs, "rdmacm_endpoint_completions_total"); got != 4 {
		t.Fatalf("endpoint completions: got %v want 4", got)
	}
	// addr, route, request, response, established, disconnected x2
	if got := findCounterValue(mfs, "rdmacm_events_processed_total"); got != 7 {
		t.Fatalf("events processed: got %v want 7", got)
	}
}

func TestNewEventChannelFailure(t *testing.T) {
	fab := sim.NewFabric()
	node, err := fab.AddNode(cliIP, fab.AddDevice(sim.DeviceConfig{}), 1)
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	node.FailOn(sim.OpOpenChannel, unix.ENODEV)
	logger, logs := newObservedLogger()

	_, err = New(node, newWorker(t, async.ModePoll), Config{Logger: logger})
	if !errors.Is(err, StatusIOError) {
		t.Fatalf("expected io error, got %v", err)
	}
	entry := findLogEntry(logs, "event_channel_open_failed")
	if entry == nil || entry.Level != zapcore.InfoLevel {
		t.Fatalf("missing device must log at diag level, got %+v", entry)
	}

	if _, err := New(node, nil, Config{}); !errors.Is(err, StatusInvalidParam) {
		t.Fatalf("nil worker: expected invalid param, got %v", err)
	}
	if _, err := New(node, newWorker(t, async.ModePoll), Config{SourceAddress: "not-an-ip"}); !errors.Is(err, StatusInvalidParam) {
		t.Fatalf("bad source address: expected invalid param, got %v", err)
	}
}

func TestQuery(t *testing.T) {
	p := newPair(t, sim.DeviceConfig{}, sim.DeviceConfig{}, Config{})
	if got := p.cli.Query().MaxConnPriv; got != 54 {
		t.Fatalf("MaxConnPriv: got %d want 54", got)
	}
	if p.cli.Config().Timeout != DefaultTimeout {
		t.Fatalf("defaults not applied: %+v", p.cli.Config())
	}
}

func TestThreadModeConnect(t *testing.T) {
	fab := sim.NewFabric()
	srvNode, err := fab.AddNode(srvIP, fab.AddDevice(sim.DeviceConfig{}), 1)
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	cliNode, err := fab.AddNode(cliIP, fab.AddDevice(sim.DeviceConfig{}), 1)
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	worker := newWorker(t, async.ModeThread)
	srv := newManager(t, srvNode, worker, Config{})
	cli := newManager(t, cliNode, worker, Config{})

	notified := make(chan Status, 1)
	disconnected := make(chan struct{}, 2)
	if _, err := srv.Listen(srvAddr, ListenerParams{OnConnRequest: func(l *Listener, req *ConnRequest) {
		if _, err := l.Accept(req, ServerParams{
			OnNotify:     func(_ *Endpoint, s Status) { notified <- s },
			OnDisconnect: func(*Endpoint) { disconnected <- struct{}{} },
		}); err != nil {
			t.Errorf("Accept: %v", err)
		}
	}}); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	connected := make(chan *Endpoint, 1)
	if _, err := cli.Connect(srvAddr, ClientParams{
		OnConnect: func(ep *Endpoint, args ConnectArgs) {
			if args.Status != StatusOK {
				t.Errorf("connect status %s", args.Status)
				return
			}
			if err := ep.ConnNotify(); err != nil {
				t.Errorf("ConnNotify: %v", err)
			}
			connected <- ep
		},
		OnDisconnect: func(*Endpoint) { disconnected <- struct{}{} },
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var ep *Endpoint
	select {
	case ep = <-connected:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for connect")
	}
	select {
	case s := <-notified:
		if s != StatusOK {
			t.Fatalf("notify status %s", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for notify")
	}
	if err := ep.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-disconnected:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for disconnect %d", i)
		}
	}
}

func TestEventStatusString(t *testing.T) {
	cases := []struct {
		ev   rdma.Event
		want string
	}{
		{rdma.Event{Type: rdma.EventRejected, Status: sim.RejectConsumerDefined}, "connection refused"},
		{rdma.Event{Type: rdma.EventEstablished}, "success"},
		{rdma.Event{Type: rdma.EventAddrError, Status: -int(unix.EHOSTUNREACH)}, unix.EHOSTUNREACH.Error()},
	}
	for _, tc := range cases {
		if got := eventStatusString(&tc.ev); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.ev.Type, got, tc.want)
		}
	}
}

type pair struct {
	fabric  *sim.Fabric
	worker  *async.Context
	srvNode *sim.Node
	cliNode *sim.Node
	srv     *Manager
	cli     *Manager
}

func newPair(t *testing.T, srvDev, cliDev sim.DeviceConfig, cfg Config) *pair {
	t.Helper()
	fab := sim.NewFabric()
	srvNode, err := fab.AddNode(srvIP, fab.AddDevice(srvDev), 1)
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	cliNode, err := fab.AddNode(cliIP, fab.AddDevice(cliDev), 1)
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	worker := newWorker(t, async.ModePoll)
	return &pair{
		fabric:  fab,
		worker:  worker,
		srvNode: srvNode,
		cliNode: cliNode,
		srv:     newManager(t, srvNode, worker, cfg),
		cli:     newManager(t, cliNode, worker, cfg),
	}
}

func (p *pair) listen(t *testing.T, params ListenerParams) *Listener {
	t.Helper()
	l, err := p.srv.Listen(srvAddr, params)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return l
}

type connTrace struct {
	requests []*ConnRequest
	connects []ConnectArgs
	notifies []Status
	cliDisc  int
	srvDisc  int
}

// establish runs a full connect, accept and notify exchange.
func (p *pair) establish(t *testing.T) (*Endpoint, *Endpoint, *connTrace) {
	t.Helper()
	tr := &connTrace{}
	var srvEp *Endpoint
	p.listen(t, ListenerParams{OnConnRequest: func(l *Listener, req *ConnRequest) {
		tr.requests = append(tr.requests, req)
		ep, err := l.Accept(req, ServerParams{
			PackPrivateData: func(*Endpoint, PackArgs) ([]byte, error) { return []byte("server-hello"), nil },
			OnNotify:        func(_ *Endpoint, s Status) { tr.notifies = append(tr.notifies, s) },
			OnDisconnect:    func(*Endpoint) { tr.srvDisc++ },
		})
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		srvEp = ep
	}})

	cliEp, err := p.cli.Connect(srvAddr, ClientParams{
		PackPrivateData: func(*Endpoint, PackArgs) ([]byte, error) { return []byte("client-hello"), nil },
		OnConnect: func(ep *Endpoint, args ConnectArgs) {
			tr.connects = append(tr.connects, args)
			if args.Status != StatusOK {
				return
			}
			if err := ep.ConnNotify(); err != nil {
				t.Errorf("ConnNotify: %v", err)
			}
		},
		OnDisconnect: func(*Endpoint) { tr.cliDisc++ },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pump(t, p.worker, func() bool { return len(tr.notifies) > 0 })
	return cliEp, srvEp, tr
}

func newWorker(t *testing.T, mode async.Mode) *async.Context {
	t.Helper()
	w, err := async.New(mode, async.Options{PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("async.New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func newManager(t *testing.T, node *sim.Node, worker *async.Context, cfg Config) *Manager {
	t.Helper()
	m, err := New(node, worker, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// pump progresses the worker until cond holds.
func pump(t *testing.T, w *async.Context, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		w.Progress()
	}
	if !cond() {
		t.Fatalf("condition not reached")
	}
}

// settle progresses the worker until no descriptor is ready.
func settle(w *async.Context) {
	for i := 0; i < 200; i++ {
		if w.Progress() == 0 && w.Progress() == 0 {
			return
		}
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func findLogEntry(logs *observer.ObservedLogs, event string) *observer.LoggedEntry {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return &entry
		}
	}
	return nil
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != dispatcherSpanName {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}
